package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/x260diag/bench"
	"github.com/LoveWonYoung/x260diag/config"
	"github.com/LoveWonYoung/x260diag/transport"
	"github.com/LoveWonYoung/x260diag/uds"
)

func newTestServer(t *testing.T) (*Server, *uds.Journal) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	log := logrus.NewEntry(logger)

	cfg := config.Default()
	cfg.DefaultECU = "bcm"
	cfg.Session.ResponseTimeout = config.Duration(500 * time.Millisecond)
	cfg.Session.BusyDelay = config.Duration(20 * time.Millisecond)

	bus := transport.NewBus()
	t.Cleanup(bus.Close)
	benchMgr := bench.NewManager(bus, "", log)
	t.Cleanup(benchMgr.Close)
	journal := uds.NewJournal(200)

	srv := NewServer(cfg, bus, benchMgr, journal, log)
	t.Cleanup(srv.Disconnect)
	return srv, journal
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, handler http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return rec
}

func TestServer_BenchToggleAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := postJSON(t, h, "/api/bench", map[string]any{"enabled": true, "ecus": []string{"bcm"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: %d %s", rec.Code, rec.Body)
	}

	var status struct {
		Enabled bool     `json:"enabled"`
		ECUs    []string `json:"emulatedEcus"`
	}
	if rec := getJSON(t, h, "/api/bench", &status); rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !status.Enabled || len(status.ECUs) != 1 || status.ECUs[0] != "bcm" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestServer_DidRequiresConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/api/did", map[string]string{"ecu": "bcm", "did": "F190"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while disconnected, got %d: %s", rec.Code, rec.Body)
	}
}

func TestServer_ConnectAndReadDid(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if rec := postJSON(t, h, "/api/bench", map[string]any{"enabled": true}); rec.Code != http.StatusOK {
		t.Fatalf("bench toggle: %d", rec.Code)
	}

	rec := postJSON(t, h, "/api/connect", map[string]string{"device_path": "bench"})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: %d %s", rec.Code, rec.Body)
	}
	var info struct {
		DevicePath string `json:"device_path"`
		APIVersion string `json:"api_version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.DevicePath != "bench" || info.APIVersion == "" {
		t.Errorf("unexpected device info: %+v", info)
	}

	rec = postJSON(t, h, "/api/did", map[string]string{"ecu": "bcm", "did": "F190"})
	if rec.Code != http.StatusOK {
		t.Fatalf("did read: %d %s", rec.Code, rec.Body)
	}
	var did struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &did); err != nil {
		t.Fatal(err)
	}
	if did.Value != "53414A424134424E304841303030303030" {
		t.Errorf("unexpected VIN hex: %s", did.Value)
	}

	// Export now contains the read.
	exp := httptest.NewRecorder()
	h.ServeHTTP(exp, httptest.NewRequest(http.MethodGet, "/api/logs/export", nil))
	if exp.Code != http.StatusOK || !strings.Contains(exp.Body.String(), "22F190") {
		t.Errorf("export missing journal line: %d %q", exp.Code, exp.Body.String())
	}
}

func TestServer_EcuInfoOverBench(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if rec := postJSON(t, h, "/api/bench", map[string]any{"enabled": true}); rec.Code != http.StatusOK {
		t.Fatal("bench toggle failed")
	}
	if rec := postJSON(t, h, "/api/connect", map[string]string{}); rec.Code != http.StatusOK {
		t.Fatal("connect failed")
	}

	var resp struct {
		ECU     string `json:"ecu"`
		Entries []struct {
			Label string `json:"label"`
			Value string `json:"value"`
		} `json:"entries"`
	}
	if rec := getJSON(t, h, "/api/ecu/info?ecu=bcm", &resp); rec.Code != http.StatusOK {
		t.Fatalf("ecu info: %d %s", rec.Code, rec.Body)
	}
	if len(resp.Entries) != 6 {
		t.Fatalf("expected 6 rows, got %d", len(resp.Entries))
	}
	values := map[string]string{}
	for _, e := range resp.Entries {
		values[e.Label] = e.Value
	}
	if values["Battery voltage"] != "12.4 V" {
		t.Errorf("wrong voltage: %q", values["Battery voltage"])
	}
}

func TestServer_RoutineCatalogAndRun(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	var list struct {
		Routines []struct {
			Name string `json:"name"`
		} `json:"routines"`
	}
	if rec := getJSON(t, h, "/api/routines", &list); rec.Code != http.StatusOK {
		t.Fatalf("routines: %d", rec.Code)
	}
	if len(list.Routines) != 13 {
		t.Fatalf("expected 13 routines, got %d", len(list.Routines))
	}

	if rec := postJSON(t, h, "/api/bench", map[string]any{"enabled": true}); rec.Code != http.StatusOK {
		t.Fatal("bench toggle failed")
	}
	if rec := postJSON(t, h, "/api/connect", map[string]string{}); rec.Code != http.StatusOK {
		t.Fatal("connect failed")
	}

	rec := postJSON(t, h, "/api/routine/run", map[string]string{"routineId": "0x603E"})
	if rec.Code != http.StatusOK {
		t.Fatalf("routine run: %d %s", rec.Code, rec.Body)
	}
	var result struct {
		RoutineID string `json:"routineId"`
		Success   bool   `json:"success"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.RoutineID != "603E" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestServer_LogsStream(t *testing.T) {
	srv, journal := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/logs/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(100 * time.Millisecond)
	journal.Record(uds.DirectionSent, []byte{0x3E, 0x00}, "TesterPresent")

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, "3E00") {
		t.Errorf("unexpected SSE line: %q", line)
	}
}

func TestParseHexID(t *testing.T) {
	cases := []struct {
		in   string
		want uint16
		ok   bool
	}{
		{"603E", 0x603E, true},
		{"0x603E", 0x603E, true},
		{"f190", 0xF190, true},
		{"", 0, false},
		{"wxyz", 0, false},
		{"12345", 0, false},
	}
	for _, c := range cases {
		got, err := parseHexID(c.in)
		if c.ok && (err != nil || got != c.want) {
			t.Errorf("parseHexID(%q) = %04X, %v", c.in, got, err)
		}
		if !c.ok && err == nil {
			t.Errorf("parseHexID(%q) accepted", c.in)
		}
	}
}
