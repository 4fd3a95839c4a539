package uds

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/x260diag/keygen"
	"github.com/LoveWonYoung/x260diag/tp"
	"github.com/LoveWonYoung/x260diag/transport"
)

func testPolicy() Policy {
	return Policy{
		ResponseTimeout: 300 * time.Millisecond,
		PendingWindow:   2 * time.Second,
		BusyAttempts:    3,
		BusyDelay:       50 * time.Millisecond,
		S3Timeout:       1 * time.Second,
	}
}

// scriptFunc handles one received request; send transmits a reply payload.
// It runs on the responder goroutine, so it may sleep to model slow ECUs.
type scriptFunc func(req []byte, send func([]byte))

func startResponder(t *testing.T, bus *transport.Bus, reqID, respID uint32, script scriptFunc) {
	t.Helper()
	ep := bus.Endpoint("responder", func(id uint32) bool { return id == reqID })
	framer, err := tp.NewFramer(ep, tp.Address{TxID: respID, RxID: reqID}, tp.DefaultConfig())
	if err != nil {
		t.Fatalf("responder framer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			req, err := framer.Recv(ctx, 100*time.Millisecond)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			script(req, func(resp []byte) {
				_ = framer.Send(ctx, resp)
			})
		}
	}()
}

func newTestClientWithJournal(t *testing.T, script scriptFunc) (*Client, *Journal) {
	t.Helper()
	bus := transport.NewBus()
	t.Cleanup(bus.Close)

	target, err := TargetByName("imc")
	if err != nil {
		t.Fatal(err)
	}
	startResponder(t, bus, target.RequestID, target.ResponseID, script)

	tester := bus.Endpoint("tester", func(id uint32) bool { return id == target.ResponseID })
	framer, err := tp.NewFramer(tester, tp.Address{TxID: target.RequestID, RxID: target.ResponseID}, tp.DefaultConfig())
	if err != nil {
		t.Fatalf("tester framer: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	journal := NewJournal(100)
	client := NewClient(framer, transport.NewToken(), journal, testPolicy(), logrus.NewEntry(logger))
	t.Cleanup(client.Close)
	return client, journal
}

func newTestClient(t *testing.T, script scriptFunc) *Client {
	t.Helper()
	client, _ := newTestClientWithJournal(t, script)
	return client
}

func TestClient_PositiveResponse(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		if req[0] == SIDReadDataByIdentifier {
			send(append([]byte{0x62, req[1], req[2]}, []byte("SAJBA4BN0HA000000")...))
		}
	})

	value, err := client.ReadDataByIdentifier(context.Background(), 0xF190)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(value) != "SAJBA4BN0HA000000" {
		t.Errorf("wrong value: %q", value)
	}
}

func TestClient_NegativeResponse(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		send([]byte{0x7F, req[0], byte(NRCRequestOutOfRange)})
	})

	_, err := client.ReadDataByIdentifier(context.Background(), 0x9999)
	var neg *NegativeResponseError
	if !errors.As(err, &neg) {
		t.Fatalf("expected NegativeResponseError, got %v", err)
	}
	if neg.Code != NRCRequestOutOfRange || neg.Service != SIDReadDataByIdentifier {
		t.Errorf("wrong error detail: %+v", neg)
	}
}

func TestClient_NoResponseIsTypedTimeout(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {})

	_, err := client.ReadDataByIdentifier(context.Background(), 0xF190)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.Pending {
		t.Error("timeout without any 0x78 flagged as pending")
	}
	if !client.WasAbandoned(SIDReadDataByIdentifier) {
		t.Error("abandoned request SID not recorded")
	}
}

// A timeout means the server's S3 budget ran out during the silence: the
// ECU is back in the default session, and the local mirror must say so,
// or the next pre-flight would skip re-establishing the session.
func TestClient_TimeoutRevertsSessionToDefault(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		if req[0] == SIDDiagnosticSessionControl {
			send([]byte{0x50, req[1], 0x00, 0x32, 0x01, 0xF4})
		}
		// Silent for everything else.
	})

	if err := client.DiagnosticSessionControl(context.Background(), SessionExtended); err != nil {
		t.Fatal(err)
	}
	if got := client.Session(); got.Type != SessionExtended {
		t.Fatalf("session type not extended: %v", got.Type)
	}

	_, err := client.ReadDataByIdentifier(context.Background(), 0xF190)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if got := client.Session(); got.Type != SessionDefault {
		t.Errorf("session still %v after timeout, server has reverted to default", got.Type)
	}
	if client.Session().Unlocked(0x11) {
		t.Error("security survived a timeout")
	}
}

// Cancelling a request leaves it in flight on the server side; it must
// land in the abandoned registry like a timed-out one.
func TestClient_CancelledRequestMarkedAbandoned(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, []byte{SIDReadDataByIdentifier, 0xF1, 0x90})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", err)
	}
	if !client.WasAbandoned(SIDReadDataByIdentifier) {
		t.Error("cancelled request SID not recorded as abandoned")
	}
}

// A late reply whose SID matches an abandoned request is journaled as
// exactly that, not as a generic stale discard.
func TestClient_LateReplyToAbandonedRequestJournaled(t *testing.T) {
	client, journal := newTestClientWithJournal(t, func(req []byte, send func([]byte)) {
		switch req[0] {
		case SIDReadDataByIdentifier:
			// Never answer; the request runs out its window.
		case SIDTesterPresent:
			// The earlier read's answer finally arrives, then the real one.
			send([]byte{0x62, 0xF1, 0x90, 0x01})
			send([]byte{0x7E, 0x00})
		}
	})

	_, err := client.ReadDataByIdentifier(context.Background(), 0xF190)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	if err := client.TesterPresent(context.Background(), false); err != nil {
		t.Fatalf("TesterPresent failed despite late frame: %v", err)
	}

	found := false
	for _, entry := range journal.Snapshot() {
		if strings.Contains(entry.Description, "abandoned request SID 0x22") {
			found = true
		}
	}
	if !found {
		t.Error("late reply to abandoned request journaled as generic stale traffic")
	}
}

// The keepalive only maintains a non-default session: the default session
// has no S3 budget to keep open.
func TestClient_KeepaliveOnlyOutsideDefaultSession(t *testing.T) {
	var keepalives atomic.Int32
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		switch req[0] {
		case SIDTesterPresent:
			keepalives.Add(1) // suppressed, no reply expected
		case SIDDiagnosticSessionControl:
			send([]byte{0x50, req[1], 0x00, 0x32, 0x01, 0xF4})
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.StartKeepalive(ctx)

	// S3 is 1s in the test policy, so the timer ticks every 500ms.
	time.Sleep(1200 * time.Millisecond)
	if n := keepalives.Load(); n != 0 {
		t.Fatalf("%d keepalives sent in the default session", n)
	}

	if err := client.DiagnosticSessionControl(ctx, SessionExtended); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1200 * time.Millisecond)
	if keepalives.Load() == 0 {
		t.Error("no keepalive while an idle extended session was open")
	}
}

// A 0x78 acknowledgement never counts as final failure: the request stays
// open past the short response timeout and completes on the real reply.
func TestClient_PendingThenPositive(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		if req[0] != SIDRoutineControl {
			return
		}
		send([]byte{0x7F, SIDRoutineControl, byte(NRCResponsePending)})
		// The real completion arrives well past the short response timeout.
		time.Sleep(600 * time.Millisecond)
		send([]byte{0x71, 0x01, 0x60, 0x3E, 0x22})
	})

	data, err := client.RoutineControl(context.Background(), RoutineStart, 0x603E, []byte{0x01})
	if err != nil {
		t.Fatalf("routine failed despite pending acknowledgement: %v", err)
	}
	if !bytes.Equal(data, []byte{0x01, 0x60, 0x3E, 0x22}) {
		t.Errorf("wrong routine data: %X", data)
	}
}

// A response whose echoed service id does not match the outstanding request
// never completes it.
func TestClient_StaleResponseDiscarded(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		if req[0] != SIDReadDataByIdentifier {
			return
		}
		send([]byte{0x7F, SIDRoutineControl, byte(NRCResponsePending)}) // stale: prior routine
		send([]byte{0x67, 0x11, 0x01, 0x02, 0x03})                      // stale: prior seed request
		send([]byte{0x62, req[1], req[2], 0xAB})                        // the real answer
	})

	value, err := client.ReadDataByIdentifier(context.Background(), 0x0202)
	if err != nil {
		t.Fatalf("read failed despite stale traffic: %v", err)
	}
	if !bytes.Equal(value, []byte{0xAB}) {
		t.Errorf("wrong value: %X", value)
	}
}

func TestClient_StaleOnlyTimesOut(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		// Only ever answer for a different SID.
		send([]byte{0x7F, SIDRoutineControl, byte(NRCResponsePending)})
	})

	_, err := client.ReadDataByIdentifier(context.Background(), 0x0202)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("stale-only traffic should time out, got %v", err)
	}
}

func TestClient_BusyRetry(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		if req[0] != SIDReadDataByIdentifier {
			return
		}
		calls++
		if calls < 3 {
			send([]byte{0x7F, req[0], byte(NRCBusyRepeatRequest)})
			return
		}
		send([]byte{0x62, req[1], req[2], 0x01})
	})

	if _, err := client.ReadDataByIdentifier(context.Background(), 0xD100); err != nil {
		t.Fatalf("busy responses should be retried: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, saw %d", calls)
	}
}

func TestClient_BusyRetryExhausted(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		send([]byte{0x7F, req[0], byte(NRCConditionsNotCorrect)})
	})

	_, err := client.ReadDataByIdentifier(context.Background(), 0xD100)
	var neg *NegativeResponseError
	if !errors.As(err, &neg) {
		t.Fatalf("expected NegativeResponseError after retries, got %v", err)
	}
	if neg.Code != NRCConditionsNotCorrect {
		t.Errorf("wrong final NRC: %v", neg.Code)
	}
}

// Full session establishment: extended session, then seed/key unlock.
func TestClient_SessionAndSecurityFlow(t *testing.T) {
	seed := []byte{0x00, 0x00, 0x11, 0x22, 0x33}
	wantKey, err := keygen.ComputeKey(keygen.LevelIMC, seed, keygen.DC0314[:])
	if err != nil {
		t.Fatal(err)
	}

	client := newTestClient(t, func(req []byte, send func([]byte)) {
		switch {
		case req[0] == SIDDiagnosticSessionControl:
			send([]byte{0x50, req[1], 0x00, 0x32, 0x01, 0xF4})
		case req[0] == SIDSecurityAccess && req[1] == 0x11:
			send(append([]byte{0x67, 0x11}, seed...))
		case req[0] == SIDSecurityAccess && req[1] == 0x12:
			if !bytes.Equal(req[2:], wantKey) {
				send([]byte{0x7F, req[0], byte(NRCInvalidKey)})
				return
			}
			send([]byte{0x67, 0x12})
		default:
			send([]byte{0x7F, req[0], byte(NRCServiceNotSupported)})
		}
	})

	if err := client.DiagnosticSessionControl(context.Background(), SessionExtended); err != nil {
		t.Fatalf("session control failed: %v", err)
	}
	if got := client.Session(); got.Type != SessionExtended {
		t.Fatalf("session type not updated: %v", got.Type)
	}

	if err := client.SecurityAccess(context.Background(), 0x11, keygen.DC0314[:]); err != nil {
		t.Fatalf("security access failed: %v", err)
	}
	if got := client.Session(); !got.Unlocked(0x11) {
		t.Fatalf("security level not updated: %+v", got)
	}

	// A session change relocks.
	if err := client.DiagnosticSessionControl(context.Background(), SessionDefault); err != nil {
		t.Fatalf("session control failed: %v", err)
	}
	if got := client.Session(); got.Unlocked(0x11) {
		t.Error("security survived a session change")
	}
}

func TestClient_ZeroSeedMeansUnlocked(t *testing.T) {
	keyRequests := 0
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		switch {
		case req[0] == SIDSecurityAccess && req[1] == 0x11:
			send([]byte{0x67, 0x11, 0x00, 0x00, 0x00})
		case req[0] == SIDSecurityAccess && req[1] == 0x12:
			keyRequests++
			send([]byte{0x67, 0x12})
		}
	})

	if err := client.SecurityAccess(context.Background(), 0x11, keygen.DC0314[:]); err != nil {
		t.Fatalf("security access failed: %v", err)
	}
	if keyRequests != 0 {
		t.Error("key sent despite zero seed")
	}
	if !client.Session().Unlocked(0x11) {
		t.Error("zero seed did not mark level unlocked")
	}
}

func TestClient_UnknownSecurityLevelIsConfigError(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		if req[0] == SIDSecurityAccess {
			send([]byte{0x67, req[1], 0x01, 0x02, 0x03})
		}
	})

	err := client.SecurityAccess(context.Background(), 0x43, nil)
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError for unknown level, got %v", err)
	}
}

func TestClient_ECUReset(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		switch req[0] {
		case SIDDiagnosticSessionControl:
			send([]byte{0x50, req[1], 0x00, 0x32, 0x01, 0xF4})
		case SIDECUReset:
			send([]byte{0x51, req[1]})
		}
	})

	if err := client.DiagnosticSessionControl(context.Background(), SessionExtended); err != nil {
		t.Fatal(err)
	}
	if err := client.ECUReset(context.Background(), ResetHard); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if got := client.Session(); got.Type != SessionDefault {
		t.Errorf("reset did not return session to default: %v", got.Type)
	}
}

func TestClient_WriteDataByIdentifier(t *testing.T) {
	var written []byte
	client := newTestClient(t, func(req []byte, send func([]byte)) {
		if req[0] == SIDWriteDataByIdentifier {
			written = append([]byte{}, req[3:]...)
			send([]byte{0x6E, req[1], req[2]})
		}
	})

	if err := client.WriteDataByIdentifier(context.Background(), 0xF190, []byte{0x41, 0x42}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !bytes.Equal(written, []byte{0x41, 0x42}) {
		t.Errorf("wrong bytes written: %X", written)
	}
}

func TestClient_TesterPresentSuppressedSendsWithoutWaiting(t *testing.T) {
	client := newTestClient(t, func(req []byte, send func([]byte)) {})

	start := time.Now()
	if err := client.TesterPresent(context.Background(), true); err != nil {
		t.Fatalf("suppressed TesterPresent failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("suppressed TesterPresent waited %v for a response", elapsed)
	}
}
