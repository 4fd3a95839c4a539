package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LoveWonYoung/x260diag/ecuinfo"
	"github.com/LoveWonYoung/x260diag/routine"
)

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		DevicePath string `json:"device_path"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means defaults
	}

	info, err := s.Connect(req.DevicePath)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"device_path":      info.Path,
		"firmware_version": info.FirmwareVersion,
		"api_version":      info.APIVersion,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.Disconnect()
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleBench(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		enabled, ecus := s.bench.Status()
		respondWithJSON(w, http.StatusOK, map[string]any{
			"enabled":      enabled,
			"emulatedEcus": ecus,
		})
	case http.MethodPost:
		var req struct {
			Enabled bool     `json:"enabled"`
			ECUs    []string `json:"ecus"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := s.bench.Toggle(req.Enabled, req.ECUs); err != nil {
			respondWithEngineError(w, err)
			return
		}
		enabled, ecus := s.bench.Status()
		respondWithJSON(w, http.StatusOK, map[string]any{
			"enabled":      enabled,
			"emulatedEcus": ecus,
		})
	default:
		respondWithError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

func (s *Server) handleEcuInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	ecu := r.URL.Query().Get("ecu")
	if ecu == "" {
		ecu = s.cfg.DefaultECU
	}
	client, err := s.client(ecu)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	rows, err := ecuinfo.NewReader(client).ReadAll(r.Context(), ecu)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"ecu": ecu, "entries": rows})
}

func (s *Server) handleDid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		ECU string `json:"ecu"`
		DID string `json:"did"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ECU == "" {
		req.ECU = s.cfg.DefaultECU
	}
	did, err := parseHexID(req.DID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	client, err := s.client(req.ECU)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	value, err := client.ReadDataByIdentifier(r.Context(), did)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"ecu":   req.ECU,
		"did":   fmt.Sprintf("%04X", did),
		"value": strings.ToUpper(hex.EncodeToString(value)),
	})
}

func (s *Server) handleCcf(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	_, svc, err := s.services()
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	entries, raw, err := svc.Read(r.Context())
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"raw":     strings.ToUpper(hex.EncodeToString(raw)),
	})
}

func (s *Server) handleCcfCompare(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	refHex := r.URL.Query().Get("reference")
	if refHex == "" {
		respondWithError(w, http.StatusBadRequest, "reference query parameter required")
		return
	}
	reference, err := hex.DecodeString(refHex)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "reference must be a hex string")
		return
	}
	_, svc, err := s.services()
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	mismatches, err := svc.CompareWithReference(r.Context(), reference)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"match":      len(mismatches) == 0,
		"mismatches": mismatches,
	})
}

func (s *Server) handleRoutines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"routines": routine.Catalog()})
}

func (s *Server) handleRoutineRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		RoutineID string `json:"routineId"`
		Data      string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := parseHexID(req.RoutineID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc, ok := routine.Lookup(id)
	if !ok {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("unknown routine 0x%04X", id))
		return
	}
	var params []byte
	if req.Data != "" {
		params, err = hex.DecodeString(req.Data)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "data must be a hex string")
			return
		}
	}

	runner, _, err := s.services()
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	if err := runner.EnsurePrerequisites(r.Context(), desc.NeedsSecurity); err != nil {
		respondWithEngineError(w, err)
		return
	}
	result, err := runner.Run(r.Context(), id, params)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"routineId":   fmt.Sprintf("%04X", result.RoutineID),
		"success":     result.Success,
		"description": result.Description,
		"raw":         strings.ToUpper(hex.EncodeToString(result.Raw)),
	})
}

func (s *Server) handleLogsExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	header := fmt.Sprintf("x260diag session log, exported %s", time.Now().Format(time.RFC3339))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="x260diag.log"`)
	fmt.Fprint(w, s.journal.Export(header))
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	entries, cancel := s.journal.Subscribe(64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-entries:
			payload, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// parseHexID accepts a hex identifier like "603E" or "0x603E".
func parseHexID(raw string) (uint16, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if raw == "" {
		return 0, fmt.Errorf("identifier required")
	}
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q", raw)
	}
	return uint16(v), nil
}
