package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/songzhibin97/workflow-collab/logging"
	"github.com/songzhibin97/workflow-collab/transport"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func statusFor(code string) int {
	switch code {
	case transport.CodeRateLimited:
		return http.StatusTooManyRequests
	case transport.CodeNoCapableWorker:
		return http.StatusUnprocessableEntity
	case transport.CodeNotFound:
		return http.StatusNotFound
	case transport.CodeInvalidRequest:
		return http.StatusBadRequest
	case transport.CodeConflict:
		return http.StatusConflict
	case transport.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := transport.ErrorCode(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, status, ErrorResponse{Code: code, Error: err.Error()})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrBadRequest, err)
	}
	return nil
}
