package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderCaller    = "X-Caller-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrNoSecret         = errors.New("request signing is not configured")
)

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller address.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the address the request was signed for, or "".
func Caller(ctx context.Context) string {
	v, _ := ctx.Value(callerKey{}).(string)
	return v
}

// Verifier checks that the caller header, timestamp and body were signed
// with the shared secret. An empty secret rejects every request unless
// AllowUnsigned is set, in which case the caller header is taken as given.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time

	// AllowUnsigned trusts the caller header when Secret is empty. Local
	// development only.
	AllowUnsigned bool

	// OnError renders a rejected request. Defaults to a plain 401.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			if v.OnError != nil {
				v.OnError(w, r, err)
				return
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (string, error) {
	caller := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if v.Secret == "" {
		if !v.AllowUnsigned {
			return "", ErrNoSecret
		}
		return caller, nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return "", ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return "", ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return "", ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return "", err
	}

	expected := Sign(v.Secret, tsHeader, caller, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return "", ErrInvalidSignature
	}
	return caller, nil
}

// Sign computes the lowercase hex HMAC-SHA256 of
// timestamp + "\n" + caller + "\n" + body.
func Sign(secret, timestamp, caller string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(caller))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
