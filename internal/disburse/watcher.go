// Package disburse fires the recipient payout for a payment once its on-chain
// leg has settled, at most once per payment request.
package disburse

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"remitrails/internal/dlq"
	"remitrails/internal/escrow"
	"remitrails/internal/idempotency"
	"remitrails/internal/metrics"
	"remitrails/internal/records"
	"remitrails/internal/retry"
)

// ErrMissingRecipientPhone is reported once per payment when everything but
// the recipient phone is in place.
var ErrMissingRecipientPhone = errors.New("recipient phone is missing; disbursement cannot be triggered")

// Snapshot is the latest known status of one payment request.
type Snapshot struct {
	PaymentID       string           `json:"paymentId"`
	OnchainStatus   string           `json:"onchainStatus"`
	OfframpStatus   string           `json:"offrampStatus"`
	TransactionHash string           `json:"transactionHash"`
	RecipientPhone  string           `json:"recipientPhone,omitempty"`
	AmountKes       *decimal.Decimal `json:"amountKes,omitempty"`
}

func SnapshotFrom(p escrow.PaymentRequest) Snapshot {
	return Snapshot{
		PaymentID:       p.ID,
		OnchainStatus:   p.OnchainStatus,
		OfframpStatus:   p.OfframpStatus,
		TransactionHash: p.TransactionHash,
		RecipientPhone:  p.RecipientPhone,
		AmountKes:       p.AmountKes,
	}
}

// State is what a caller observes for one payment.
type State struct {
	IsTriggering    bool
	Err             error
	TransactionCode string
}

// Event is published on every state change.
type Event struct {
	PaymentID string
	State     State
}

// Triggers is the dedup guard. idempotency.TriggeredSet satisfies it.
type Triggers interface {
	idempotency.Store
	MarkIfAbsent(ctx context.Context, id string) bool
}

// TxVerifier confirms the on-chain transaction before money moves.
type TxVerifier interface {
	TransactionSucceeded(ctx context.Context, txHash string) (bool, error)
}

type Options struct {
	Verifier      TxVerifier
	Disbursements *records.Store
	DLQ           *dlq.Queue
	Logger        *slog.Logger
	Metrics       *metrics.Registry
}

// Watcher is safe for concurrent use.
type Watcher struct {
	client   escrow.Client
	triggers Triggers
	opts     Options

	wg      sync.WaitGroup
	mu      sync.Mutex
	states  map[string]State
	warned  map[string]bool
	subs    map[int]chan Event
	nextSub int
}

func NewWatcher(client escrow.Client, triggers Triggers, opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		client:   client,
		triggers: triggers,
		opts:     opts,
		states:   make(map[string]State),
		warned:   make(map[string]bool),
		subs:     make(map[int]chan Event),
	}
}

// Observe reconciles one snapshot and reports whether a disbursement was
// fired. The disbursement itself runs in the background; its outcome is
// available through State and Subscribe. The only error returned is
// ErrMissingRecipientPhone, once per payment.
func (w *Watcher) Observe(ctx context.Context, snap Snapshot) (bool, error) {
	if snap.PaymentID == "" || !settledOnchain(snap) {
		return false, nil
	}
	if w.triggers.Has(ctx, snap.PaymentID) {
		return false, nil
	}
	log := w.opts.Logger.With("payment_id", snap.PaymentID)

	if strings.TrimSpace(snap.RecipientPhone) == "" {
		if snap.AmountKes == nil || !w.warnOnce(snap.PaymentID) {
			return false, nil
		}
		log.Warn("disbursement blocked: recipient phone missing")
		w.opts.Metrics.IncTrigger("missing_phone")
		w.setState(snap.PaymentID, State{Err: ErrMissingRecipientPhone})
		return false, ErrMissingRecipientPhone
	}
	if snap.AmountKes == nil || !snap.AmountKes.IsPositive() {
		return false, nil
	}

	if w.opts.Verifier != nil {
		ok, err := w.opts.Verifier.TransactionSucceeded(ctx, snap.TransactionHash)
		if err != nil {
			log.Warn("could not verify on-chain transaction, skipping snapshot", "tx_hash", snap.TransactionHash, "error", err)
			return false, nil
		}
		if !ok {
			log.Info("on-chain transaction not yet successful", "tx_hash", snap.TransactionHash)
			return false, nil
		}
	}

	if !w.triggers.MarkIfAbsent(ctx, snap.PaymentID) {
		return false, nil
	}

	req := escrow.DisburseRequest{
		PaymentRequestID: snap.PaymentID,
		Phone:            snap.RecipientPhone,
		AmountKes:        *snap.AmountKes,
		TxHash:           snap.TransactionHash,
	}
	w.setState(snap.PaymentID, State{IsTriggering: true})
	w.opts.Metrics.IncTrigger("fired")
	log.Info("triggering disbursement", "amount_kes", req.AmountKes.String())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.disburse(context.WithoutCancel(ctx), req, log)
	}()
	return true, nil
}

func settledOnchain(s Snapshot) bool {
	if s.OnchainStatus != escrow.OnchainDoneOfframpPending {
		return false
	}
	if s.OfframpStatus == escrow.OfframpCompleted || s.OfframpStatus == escrow.OfframpProcessing {
		return false
	}
	return strings.TrimSpace(s.TransactionHash) != ""
}

// disburse makes a single attempt. The dedup mark stays even on failure;
// failed triggers go to the DLQ for manual resolution.
func (w *Watcher) disburse(ctx context.Context, req escrow.DisburseRequest, log *slog.Logger) {
	resp, err := retry.Execute(ctx, func(ctx context.Context) (escrow.DisburseResponse, error) {
		return w.client.Disburse(ctx, req)
	}, retry.Once())
	if err != nil {
		log.Error("disbursement failed", "error", err)
		w.opts.Metrics.IncTrigger("failed")
		w.setState(req.PaymentRequestID, State{Err: err})
		if qerr := w.opts.DLQ.Write(req.PaymentRequestID, req, err); qerr != nil {
			log.Error("dlq write failed", "error", qerr)
		}
		return
	}

	w.opts.Metrics.IncTrigger("succeeded")
	log.Info("disbursement submitted", "transaction_code", resp.TransactionCode)
	w.setState(req.PaymentRequestID, State{TransactionCode: resp.TransactionCode})

	if w.opts.Disbursements == nil {
		return
	}
	data, err := json.Marshal(struct {
		escrow.DisburseRequest
		TransactionCode string `json:"transactionCode"`
	}{req, resp.TransactionCode})
	if err == nil {
		err = w.opts.Disbursements.Append(ctx, records.Record{
			ID:   req.PaymentRequestID,
			Kind: records.KindDisbursement,
			Data: data,
		})
	}
	if err != nil {
		log.Error("persist disbursement record failed", "error", err)
	}
}

// Wait blocks until every fired disbursement has finished.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) State(paymentID string) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[paymentID]
}

// Subscribe delivers state changes for every payment. Slow readers miss events.
func (w *Watcher) Subscribe() (<-chan Event, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSub
	w.nextSub++
	ch := make(chan Event, 32)
	w.subs[id] = ch
	return ch, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if c, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(c)
		}
	}
}

func (w *Watcher) warnOnce(paymentID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warned[paymentID] {
		return false
	}
	w.warned[paymentID] = true
	return true
}

func (w *Watcher) setState(paymentID string, st State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.states[paymentID] = st
	for _, ch := range w.subs {
		select {
		case ch <- Event{PaymentID: paymentID, State: st}:
		default:
		}
	}
}
