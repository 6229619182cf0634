package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"agora-sync/internal/domain"
)

var (
	errEmptyBody     = &domain.ValidationError{Field: "body", Reason: "is required"}
	errMalformedBody = &domain.ValidationError{Field: "body", Reason: "must be a valid JSON object"}
)

// decodeObject reads the body as a JSON object and keeps each field raw so
// the caller can validate shapes field by field.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := decodeInto(w, r, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errMalformedBody
	}
	return fields, nil
}

func decodeInto(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return errMalformedBody
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload), errors.Is(err, domain.ErrMissingSessionID):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResetNotConfirmed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTeamNotFound), errors.Is(err, domain.ErrStudentNotFound), errors.Is(err, domain.ErrAnswerNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
