package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"konform/internal/errs"
	"konform/internal/logging"
)

// statusFor maps error kinds onto HTTP statuses.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.PermissionDenied:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Busy, errs.QuotaExceeded:
		return http.StatusTooManyRequests
	case errs.Unreachable, errs.RenderFailure:
		return http.StatusUnprocessableEntity
	case errs.Dependency:
		return http.StatusBadGateway
	case errs.Cancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError renders the uniform error envelope. Internal details stay
// in the log; the client sees the stable code and a short message.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error(logging.CategoryAPI, "internal error: %v", err)
		msg = "internal error"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: kind.Code(), Message: msg}})
}

// writeConflict is the one mapping outside statusFor: a write-once
// resource already written.
func writeConflict(w http.ResponseWriter, code, msg string) {
	writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON parses a request body into dst with strict field checking.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Errorf(errs.InvalidInput, "api.decode", "malformed request body: %v", err)
	}
	return nil
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
