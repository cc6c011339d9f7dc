package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"leasebond/internal/hmacauth"
	"leasebond/internal/idempotency"
	"leasebond/internal/lease"
	"leasebond/internal/ledger"
)

const headerRequestID = "X-Request-Id"

type requestIDKey struct{}

func newRequestID() string { return "req_" + uuid.NewString() }

func requestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

var (
	errBadRequest = errors.New("bad request")
	errUpstream   = errors.New("ledger unavailable")
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"requestId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, lease.ErrIntegrity) {
		body.Error.Message = "internal error"
	}
	body.RequestID = requestID(r.Context())
	writeJSON(w, status, body)
}

// classify maps domain errors to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, lease.ErrValidation):
		return http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, ledger.ErrSession):
		return http.StatusBadRequest, "INVALID_SESSION"
	case errors.Is(err, lease.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, lease.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, lease.ErrStateConflict):
		return http.StatusConflict, "STATE_CONFLICT"
	case errors.Is(err, idempotency.ErrKeyReuse):
		return http.StatusConflict, "IDEMPOTENCY_KEY_REUSE"
	case errors.Is(err, ledger.ErrRejected):
		return http.StatusUnprocessableEntity, "LEDGER_REJECTED"
	case errors.Is(err, ledger.ErrPending):
		return http.StatusAccepted, "LEDGER_PENDING"
	case errors.Is(err, hmacauth.ErrMissingSignature),
		errors.Is(err, hmacauth.ErrMissingTimestamp),
		errors.Is(err, hmacauth.ErrStaleTimestamp),
		errors.Is(err, hmacauth.ErrInvalidSignature),
		errors.Is(err, hmacauth.ErrNoSecret):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, lease.ErrIntegrity):
		return http.StatusInternalServerError, "INTEGRITY"
	case errors.Is(err, errUpstream):
		return http.StatusBadGateway, "LEDGER_UNAVAILABLE"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
