package disburse

import (
	"context"
	"errors"
	"time"

	"remitrails/internal/escrow"
	"remitrails/internal/poller"
	"remitrails/internal/retry"
)

type FollowConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
	Retry       *retry.Config
}

// Follow polls a payment request and feeds every snapshot to w until the
// offramp leg completes or fails. It returns the last payment seen.
func Follow(ctx context.Context, client escrow.Client, paymentID string, w *Watcher, cfg FollowConfig) (escrow.PaymentRequest, error) {
	log := w.opts.Logger.With("payment_id", paymentID)

	return poller.Poll(ctx, func(ctx context.Context) (escrow.PaymentRequest, error) {
		return client.PaymentRequest(ctx, paymentID)
	}, poller.Config[escrow.PaymentRequest]{
		Interval:    cfg.Interval,
		MaxDuration: cfg.MaxDuration,
		Retry:       cfg.Retry,
		ShouldContinue: func(p escrow.PaymentRequest) bool {
			return p.OfframpStatus != escrow.OfframpCompleted && p.OfframpStatus != escrow.OfframpFailed
		},
		OnPoll: func(p escrow.PaymentRequest, n int) {
			w.opts.Metrics.IncPoll("payment_request", "ok")
			if _, err := w.Observe(ctx, SnapshotFrom(p)); errors.Is(err, ErrMissingRecipientPhone) {
				log.Warn("payment needs a recipient phone before it can be disbursed", "poll", n)
			}
		},
		OnError: func(err error) error {
			w.opts.Metrics.IncPoll("payment_request", "error")
			log.Debug("payment status poll failed", "error", err)
			return nil
		},
		OnTimeout: func() {
			log.Warn("stopped following payment: time budget exhausted")
		},
	})
}
