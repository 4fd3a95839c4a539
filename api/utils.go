package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/LoveWonYoung/x260diag/transport"
	"github.com/LoveWonYoung/x260diag/uds"
)

// respondWithJSON sends a JSON response.
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError sends an error response.
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithEngineError maps the engine's typed errors to HTTP status
// codes so callers can tell a timeout from an ECU refusal.
func respondWithEngineError(w http.ResponseWriter, err error) {
	var (
		negErr     *uds.NegativeResponseError
		timeoutErr *uds.TimeoutError
		cfgErr     *uds.ConfigurationError
		secErr     *uds.SecurityRequiredError
		notConn    transport.NotConnectedError
	)
	switch {
	case errors.As(err, &timeoutErr):
		respondWithError(w, http.StatusGatewayTimeout, timeoutErr.Error())
	case errors.As(err, &negErr):
		respondWithError(w, http.StatusBadGateway, negErr.Error())
	case errors.As(err, &secErr):
		respondWithError(w, http.StatusForbidden, secErr.Error())
	case errors.As(err, &cfgErr):
		respondWithError(w, http.StatusBadRequest, cfgErr.Error())
	case errors.As(err, &notConn):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}
