package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// FakeClient is an in-memory backend for dry runs and tests. Funding intents
// report pending for PendingPolls status checks, then confirm with a
// deterministic escrow ID. Payment requests are served from the Payments map.
type FakeClient struct {
	PendingPolls int

	mu        sync.Mutex
	polls     map[string]int
	Payments  map[string]PaymentRequest
	Disbursed []DisburseRequest
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) CreateFundingIntent(_ context.Context, req FundingIntentRequest) (FundingIntent, error) {
	if req.SenderPhone == "" {
		return FundingIntent{}, fmt.Errorf("missing sender phone")
	}
	if !req.AmountKes.IsPositive() {
		return FundingIntent{}, fmt.Errorf("amount must be positive")
	}
	return FundingIntent{TransactionCode: "TX" + fakeHash(req.SenderPhone + req.AmountKes.String() + req.Category)[:10]}, nil
}

func (f *FakeClient) FundingIntentStatus(_ context.Context, transactionCode string) (FundingIntentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls == nil {
		f.polls = make(map[string]int)
	}
	f.polls[transactionCode]++
	if f.polls[transactionCode] <= f.PendingPolls {
		return FundingIntentStatus{Status: StatusPending}, nil
	}
	return FundingIntentStatus{Status: StatusConfirmed, EscrowID: "ESC" + fakeHash(transactionCode)[:10]}, nil
}

func (f *FakeClient) Disburse(_ context.Context, req DisburseRequest) (DisburseResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disbursed = append(f.Disbursed, req)
	if p, ok := f.Payments[req.PaymentRequestID]; ok {
		p.OfframpStatus = OfframpCompleted
		f.Payments[req.PaymentRequestID] = p
	}
	return DisburseResponse{TransactionCode: "MP" + fakeHash(req.PaymentRequestID)[:10]}, nil
}

func (f *FakeClient) PaymentRequest(_ context.Context, id string) (PaymentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Payments[id]
	if !ok {
		return PaymentRequest{}, &HTTPError{Status: 404, Method: "GET", Path: "/payment-requests/" + id, Message: "payment request not found"}
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
