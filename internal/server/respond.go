package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koustreak/shopdb/internal/errs"
	"github.com/koustreak/shopdb/internal/logger"
	"github.com/koustreak/shopdb/internal/migrate"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Statement int    `json:"statement,omitempty"`
	State     string `json:"state,omitempty"`
}

// writeJSON sends a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).With().Err(err).Logger().Error("write JSON response")
	}
}

// writeError maps err's kind to a status code and sends it as JSON.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Error: err.Error(), Kind: errs.KindOf(err).String()}

	var stmtErr *migrate.StatementError
	if errors.As(err, &stmtErr) {
		body.Statement = stmtErr.Index
		body.State = string(stmtErr.State)
	}

	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).ErrorWith("request failed", err, map[string]interface{}{
			"path": r.URL.Path,
		})
	}
	writeJSON(w, r, status, body)
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.ErrKindNotFound:
		return http.StatusNotFound
	case errs.ErrKindInvalidConfig:
		return http.StatusBadRequest
	case errs.ErrKindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
