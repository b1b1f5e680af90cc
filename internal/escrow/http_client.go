package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"remitrails/internal/apperr"
	"remitrails/internal/auth"
)

// HTTPError is returned for any non-2xx response and for 202 Accepted, which
// the backend uses to say the resource is still being processed.
type HTTPError struct {
	Status  int
	Method  string
	Path    string
	Message string
	Body    []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s: request failed with status %d", e.Method, e.Path, e.Status)
}

// StatusCode lets apperr classify the response.
func (e *HTTPError) StatusCode() int { return e.Status }

// HTTPClient talks JSON to the remittance REST backend.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
	Tokens  *auth.TokenStore
	Signer  *auth.Signer
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *HTTPClient) CreateFundingIntent(ctx context.Context, req FundingIntentRequest) (FundingIntent, error) {
	var out FundingIntent
	if err := c.do(ctx, http.MethodPost, "/funding-intents", req, "", &out); err != nil {
		return FundingIntent{}, err
	}
	if out.TransactionCode == "" {
		return FundingIntent{}, errors.New("funding intent response missing transactionCode")
	}
	return out, nil
}

func (c *HTTPClient) FundingIntentStatus(ctx context.Context, transactionCode string) (FundingIntentStatus, error) {
	var out FundingIntentStatus
	path := "/funding-intents/" + url.PathEscape(transactionCode) + "/status"
	err := c.do(ctx, http.MethodGet, path, nil, "", &out)
	return out, err
}

func (c *HTTPClient) Disburse(ctx context.Context, req DisburseRequest) (DisburseResponse, error) {
	var out DisburseResponse
	err := c.do(ctx, http.MethodPost, "/disbursements", req, req.PaymentRequestID, &out)
	return out, err
}

func (c *HTTPClient) PaymentRequest(ctx context.Context, id string) (PaymentRequest, error) {
	var out PaymentRequest
	err := c.do(ctx, http.MethodGet, "/payment-requests/"+url.PathEscape(id), nil, "", &out)
	if out.ID == "" {
		out.ID = id
	}
	return out, err
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in any, idempotencyKey string, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if token := c.Tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c.Signer.Sign(req, body)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, apperr.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %w", method, path, apperr.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusAccepted {
		if resp.StatusCode == http.StatusUnauthorized {
			c.Tokens.Clear()
		}
		return &HTTPError{
			Status:  resp.StatusCode,
			Method:  method,
			Path:    path,
			Message: errorMessage(raw),
			Body:    raw,
		}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls the human-readable message out of an error body.
func errorMessage(raw []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
