package auth

import (
	"net/http"
	"strconv"
	"time"
)

// Signer adds timestamp and signature headers to outbound requests using the
// same scheme Verifier checks.
type Signer struct {
	Secret string
	Now    func() time.Time
}

// Sign sets the signature headers for body on req. It is a no-op without a secret.
func (s *Signer) Sign(req *http.Request, body []byte) {
	if s == nil || s.Secret == "" {
		return
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, ComputeSignature(s.Secret, ts, body))
}
