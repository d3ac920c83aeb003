package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"authcore/internal/account"
	"authcore/internal/autherr"
	"authcore/internal/observability"
)

type errorBody struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

// statusFor maps an error to its HTTP status. Errors that carry no kind are
// internal failures.
func statusFor(err error) int {
	switch autherr.KindOf(err) {
	case autherr.KindValidation:
		return http.StatusBadRequest
	case autherr.KindConflict:
		return http.StatusConflict
	case autherr.KindAuthentication, autherr.KindTokenInvalid, autherr.KindTokenExpired, autherr.KindTokenRevoked:
		return http.StatusUnauthorized
	case autherr.KindRateLimited:
		return http.StatusTooManyRequests
	case autherr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err in the error envelope. Server-side failures are
// logged and sent to sentry with a generic message.
func respondError(w http.ResponseWriter, r *http.Request, logger *observability.Logger, err error) {
	status := statusFor(err)
	body := errorBody{Error: "internal error", Code: "internal"}

	if e, ok := autherr.As(err); ok {
		body.Code = e.Kind.String()
		body.Error = e.Message
		body.Fields = e.Fields
		if e.Kind == autherr.KindRateLimited {
			w.Header().Set("Retry-After", retryAfterSeconds(e.RetryAfter))
		}
		if e.Kind == autherr.KindUnavailable {
			body.Error = "service temporarily unavailable"
		}
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request_failed", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
			"error":  err.Error(),
		})
		observability.CaptureRequestError(r, err)
	}

	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Code: autherr.KindValidation.String()})
}

func unauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: message, Code: autherr.KindTokenInvalid.String()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// isNotFound reports an account that vanished after its token was issued.
func isNotFound(err error) bool {
	return errors.Is(err, account.ErrNotFound)
}
