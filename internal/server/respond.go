package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"accessguard/internal/devicestate"
	"accessguard/internal/errs"
	"accessguard/internal/logger"
	"accessguard/internal/store/sqlite"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Field     string `json:"field,omitempty"`
	Step      string `json:"step,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *errs.ValidationError
		fe *errs.FormatError
		ru *errs.RemoteUnavailable
		pr *errs.PartialReconciliation
	)
	body := errorBody{Error: err.Error(), Kind: "internal"}
	code := http.StatusInternalServerError

	switch {
	case errors.As(err, &ve):
		code, body.Kind, body.Field = http.StatusBadRequest, "validation", ve.Field
	case errors.As(err, &fe):
		code, body.Kind = http.StatusUnprocessableEntity, "format"
	case errors.As(err, &pr):
		code, body.Kind, body.Step = http.StatusBadGateway, "partial_reconciliation", pr.Step
	case errors.As(err, &ru):
		code, body.Kind = http.StatusServiceUnavailable, "remote_unavailable"
	case errors.Is(err, devicestate.ErrNotFound), errors.Is(err, sqlite.ErrNotFound):
		code, body.Kind = http.StatusNotFound, "not_found"
	default:
		logger.Errorf("Request failed: %v", err)
	}
	body.Retryable = errs.IsRetryable(err)
	writeJSON(w, code, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, errs.Validation("body", "invalid JSON: %v", err))
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, errs.Validation("body", "invalid JSON: %v", err))
		return false
	}
	return true
}
