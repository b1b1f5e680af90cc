package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"remitrails/internal/storage"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func signedRequest(secret string, at time.Time, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment-status", strings.NewReader(body))
	(&Signer{Secret: secret, Now: func() time.Time { return at }}).Sign(req, []byte(body))
	return req
}

func TestVerifierMiddleware(t *testing.T) {
	const body = `{"paymentId":"P1"}`

	cases := []struct {
		name     string
		secret   string
		req      func() *http.Request
		wantCode int
		wantErr  error
	}{
		{
			name:     "valid signature",
			secret:   "secret",
			req:      func() *http.Request { return signedRequest("secret", fixedNow, body) },
			wantCode: http.StatusOK,
		},
		{
			name:   "uppercase signature",
			secret: "secret",
			req: func() *http.Request {
				r := signedRequest("secret", fixedNow, body)
				r.Header.Set(HeaderSignature, strings.ToUpper(r.Header.Get(HeaderSignature)))
				return r
			},
			wantCode: http.StatusOK,
		},
		{
			name:     "wrong secret",
			secret:   "secret",
			req:      func() *http.Request { return signedRequest("other", fixedNow, body) },
			wantCode: http.StatusUnauthorized,
			wantErr:  ErrInvalidSignature,
		},
		{
			name:     "stale timestamp",
			secret:   "secret",
			req:      func() *http.Request { return signedRequest("secret", fixedNow.Add(-2*time.Minute), body) },
			wantCode: http.StatusUnauthorized,
			wantErr:  ErrStaleTimestamp,
		},
		{
			name:     "future timestamp",
			secret:   "secret",
			req:      func() *http.Request { return signedRequest("secret", fixedNow.Add(2*time.Minute), body) },
			wantCode: http.StatusUnauthorized,
			wantErr:  ErrStaleTimestamp,
		},
		{
			name:   "unsigned",
			secret: "secret",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/payment-status", strings.NewReader(body))
			},
			wantCode: http.StatusUnauthorized,
			wantErr:  ErrMissingSignature,
		},
		{
			name:   "garbled timestamp",
			secret: "secret",
			req: func() *http.Request {
				r := signedRequest("secret", fixedNow, body)
				r.Header.Set(HeaderTimestamp, "yesterday")
				return r
			},
			wantCode: http.StatusUnauthorized,
			wantErr:  ErrBadTimestamp,
		},
		{
			name:   "no secret configured",
			secret: "",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/payment-status", strings.NewReader(body))
			},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  ErrIntakeDisabled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := &Verifier{Secret: tc.secret, MaxSkew: time.Minute, Now: func() time.Time { return fixedNow }}

			var seen string
			handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				seen = string(b)
				w.WriteHeader(http.StatusOK)
			}))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tc.req())

			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, rec.Code, rec.Body.String())
			}
			if tc.wantErr == nil {
				if seen != body {
					t.Fatalf("handler saw body %q", seen)
				}
				return
			}
			if seen != "" {
				t.Fatalf("handler must not run on %v", tc.wantErr)
			}
			var resp map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["error"] != tc.wantErr.Error() {
				t.Fatalf("expected JSON error %q, got %s", tc.wantErr, rec.Body.String())
			}
		})
	}
}

func TestVerifyRejectsOversizedBody(t *testing.T) {
	body := strings.Repeat("x", maxSignedBody+1)
	v := &Verifier{Secret: "secret", MaxSkew: time.Minute, Now: func() time.Time { return fixedNow }}

	if _, err := v.Verify(signedRequest("secret", fixedNow, body)); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestSignerWithoutSecretLeavesRequestUnsigned(t *testing.T) {
	req := signedRequest("", fixedNow, `{}`)
	if req.Header.Get(HeaderSignature) != "" || req.Header.Get(HeaderTimestamp) != "" {
		t.Fatalf("expected no signature headers")
	}
}

func TestTokenStoreClearPersists(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	tokens := NewTokenStore(ctx, kv, "")
	tokens.Set(ctx, "tok-1")

	if got := NewTokenStore(ctx, kv, "").Token(); got != "tok-1" {
		t.Fatalf("expected persisted token, got %q", got)
	}

	tokens.Clear()
	if tokens.Token() != "" {
		t.Fatalf("expected token cleared")
	}
	if got := NewTokenStore(ctx, kv, "").Token(); got != "" {
		t.Fatalf("expected cleared token after reload, got %q", got)
	}
}
