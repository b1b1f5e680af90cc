// Package auth holds the backend credential and signs or verifies HMAC
// request signatures.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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
)

// maxSignedBody caps what the verifier buffers before hashing.
const maxSignedBody = 1 << 20

var (
	// ErrIntakeDisabled means no secret is configured, so nothing can be
	// verified and every request is refused.
	ErrIntakeDisabled   = errors.New("signed intake is disabled: no secret configured")
	ErrMissingSignature = errors.New("missing request signature")
	ErrBadTimestamp     = errors.New("missing or malformed request timestamp")
	ErrStaleTimestamp   = errors.New("request timestamp outside the allowed skew")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("signed body too large")
)

// Verifier admits only requests signed with Secret. A Verifier without a
// secret refuses everything.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

// Enabled reports whether the verifier can admit any request at all.
func (v *Verifier) Enabled() bool {
	return v != nil && v.Secret != ""
}

// Middleware answers 503 while disabled and 401 for a bad signature, both
// with a JSON error body. Admitted requests see the original body.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := v.Verify(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrIntakeDisabled) {
				status = http.StatusServiceUnavailable
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// Verify checks the timestamp and signature headers against the body and
// returns the body it consumed.
func (v *Verifier) Verify(r *http.Request) ([]byte, error) {
	if !v.Enabled() {
		return nil, ErrIntakeDisabled
	}

	sig := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderSignature)))
	if sig == "" {
		return nil, ErrMissingSignature
	}
	ts := r.Header.Get(HeaderTimestamp)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrBadTimestamp
	}
	if skew := v.now().Sub(time.Unix(unix, 0)); skew > v.MaxSkew || -skew > v.MaxSkew {
		return nil, ErrStaleTimestamp
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
		r.Body.Close()
		if err != nil {
			return nil, err
		}
		if len(body) > maxSignedBody {
			return nil, ErrBodyTooLarge
		}
	}

	if !hmac.Equal([]byte(ComputeSignature(v.Secret, ts, body)), []byte(sig)) {
		return nil, ErrInvalidSignature
	}
	return body, nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// ComputeSignature is hex(HMAC-SHA256(secret, timestamp || body)).
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
