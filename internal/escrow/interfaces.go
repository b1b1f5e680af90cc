package escrow

import (
	"context"

	"github.com/shopspring/decimal"
)

// Client abstracts the remittance backend: escrow funding and disbursement.
type Client interface {
	CreateFundingIntent(ctx context.Context, req FundingIntentRequest) (FundingIntent, error)
	FundingIntentStatus(ctx context.Context, transactionCode string) (FundingIntentStatus, error)
	Disburse(ctx context.Context, req DisburseRequest) (DisburseResponse, error)
	PaymentRequest(ctx context.Context, id string) (PaymentRequest, error)
}

// HealthChecker is implemented by clients that can ping their upstream.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Funding intent statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// On-chain and offramp statuses reported on payment requests.
const (
	OnchainDoneOfframpPending = "onchain_done_offramp_pending"

	OfframpPending    = "pending"
	OfframpProcessing = "processing"
	OfframpCompleted  = "completed"
	OfframpFailed     = "failed"
)

// FundingIntentRequest asks the backend to push-pay a sender into a
// category-restricted escrow.
type FundingIntentRequest struct {
	SenderPhone    string          `json:"senderPhone"`
	RecipientPhone string          `json:"recipientPhone"`
	RecipientName  string          `json:"recipientName,omitempty"`
	Category       string          `json:"category"`
	AmountKes      decimal.Decimal `json:"amountKes"`
	Memo           string          `json:"memo,omitempty"`
}

type FundingIntent struct {
	TransactionCode string `json:"transactionCode"`
}

type FundingIntentStatus struct {
	Status   string `json:"status"`
	EscrowID string `json:"escrowId,omitempty"`
}

type DisburseRequest struct {
	PaymentRequestID string          `json:"paymentRequestId"`
	Phone            string          `json:"phone"`
	AmountKes        decimal.Decimal `json:"amountKes"`
	TxHash           string          `json:"txHash"`
}

type DisburseResponse struct {
	TransactionCode string `json:"transactionCode"`
}

type PaymentRequest struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"`
	OnchainStatus   string           `json:"onchainStatus"`
	OfframpStatus   string           `json:"offrampStatus"`
	TransactionHash string           `json:"transactionHash"`
	RecipientPhone  string           `json:"recipientPhone,omitempty"`
	AmountKes       *decimal.Decimal `json:"amountKes,omitempty"`
}
