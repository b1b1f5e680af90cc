// Package confirm drives a single funding payment from creation to a
// terminal phase: it creates the funding intent, polls its status, tracks
// elapsed time for display and exposes retry and stop controls.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"remitrails/internal/apperr"
	"remitrails/internal/escrow"
	"remitrails/internal/metrics"
	"remitrails/internal/poller"
	"remitrails/internal/records"
	"remitrails/internal/retry"
)

type Phase string

const (
	PhaseProcessing Phase = "processing"
	PhaseWaiting    Phase = "waiting"
	PhaseSuccess    Phase = "success"
	PhaseTimeout    Phase = "timeout"
	PhaseError      Phase = "error"
)

// Terminal reports whether an attempt has ended in p.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseTimeout || p == PhaseError
}

const (
	DefaultPollInterval           = 3 * time.Second
	DefaultMaxDuration            = 90 * time.Second
	DefaultTickInterval           = time.Second
	DefaultMaxConsecutiveFailures = 5
)

const (
	PaymentFailedMessage = "Payment failed. Please try again."
	TimeoutMessage       = "We could not confirm your payment in time. Please try again."
	UnreachableMessage   = "We could not reach the payment service. Please try again."
)

var (
	ErrRetryNotAllowed     = errors.New("retry is only allowed after a timeout or error")
	ErrTooManyFailures     = errors.New("too many consecutive status check failures")
	ErrConfirmationFailed  = errors.New("payment failed")
	ErrConfirmationTimeout = errors.New("payment confirmation timed out")
)

// State is a snapshot of the orchestrator for display.
type State struct {
	Phase             Phase  `json:"phase"`
	ElapsedSeconds    int    `json:"elapsedSeconds"`
	TransactionCode   string `json:"transactionCode,omitempty"`
	ConfirmedEscrowID string `json:"confirmedEscrowId,omitempty"`
	Error             string `json:"error,omitempty"`
	UserMessage       string `json:"userMessage,omitempty"`
	Attempt           int    `json:"attempt"`
}

type Options struct {
	PollInterval           time.Duration
	MaxDuration            time.Duration
	TickInterval           time.Duration
	MaxConsecutiveFailures int
	// CycleRetry overrides the per-cycle retry policy of the status poller.
	CycleRetry *retry.Config

	Logger  *slog.Logger
	Metrics *metrics.Registry
	// Errors, when set, sees every failure that ends an attempt.
	Errors *apperr.Handler
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = DefaultMaxDuration
	}
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Orchestrator is safe for concurrent use. At most one attempt runs at a time;
// starting a new one cancels the previous attempt first.
type Orchestrator struct {
	client  escrow.Client
	escrows *records.Store
	opts    Options

	mu      sync.Mutex
	state   State
	payload *escrow.FundingIntentRequest
	gen     uint64
	elapsed time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[int]chan State
	nextSub int
}

func New(client escrow.Client, escrows *records.Store, opts Options) *Orchestrator {
	done := make(chan struct{})
	close(done)
	return &Orchestrator{
		client:  client,
		escrows: escrows,
		opts:    opts.withDefaults(),
		state:   State{Phase: PhaseProcessing},
		done:    done,
		subs:    make(map[int]chan State),
	}
}

// Start begins a new attempt for req. The attempt runs in the background
// until it reaches a terminal phase, Stop is called or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, req escrow.FundingIntentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payload = &req
	o.launchLocked(ctx)
	return nil
}

// Retry re-issues the captured request. It is only valid from the timeout
// and error phases.
func (o *Orchestrator) Retry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.payload == nil || (o.state.Phase != PhaseTimeout && o.state.Phase != PhaseError) {
		return ErrRetryNotAllowed
	}
	o.launchLocked(ctx)
	return nil
}

// Stop cancels the running attempt and its ticker. Safe from any phase and
// safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Done is closed when the current attempt's goroutines have exited.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Subscribe delivers state changes. Slow readers miss intermediate states;
// State always returns the latest.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	ch := make(chan State, 16)
	o.subs[id] = ch
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

func (o *Orchestrator) stopLocked() {
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.gen++
}

func (o *Orchestrator) launchLocked(parent context.Context) {
	o.stopLocked()

	runCtx, cancel := context.WithCancel(parent)
	o.cancel = cancel
	gen := o.gen
	done := make(chan struct{})
	o.done = done
	o.elapsed = 0

	o.state = State{Phase: PhaseProcessing, Attempt: o.state.Attempt + 1}
	o.opts.Metrics.IncPhase(string(PhaseProcessing))
	o.publishLocked()

	req := *o.payload
	go func() {
		defer close(done)
		defer cancel()
		o.run(runCtx, gen, req)
	}()
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, req escrow.FundingIntentRequest) {
	log := o.opts.Logger.With("attempt", o.State().Attempt)

	intent, err := retry.Execute(ctx, func(ctx context.Context) (escrow.FundingIntent, error) {
		return o.client.CreateFundingIntent(ctx, req)
	}, retry.Once())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.opts.Metrics.IncFundingIntent("failed")
		log.Warn("create funding intent failed", "error", err)
		o.fail(gen, PhaseError, err)
		return
	}
	o.opts.Metrics.IncFundingIntent("created")
	log = log.With("transaction_code", intent.TransactionCode)

	if !o.update(gen, func(s *State) {
		s.Phase = PhaseWaiting
		s.TransactionCode = intent.TransactionCode
	}) {
		return
	}
	log.Info("funding intent created, waiting for confirmation")

	var wg sync.WaitGroup
	tickCtx, stopTicker := context.WithCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.tick(tickCtx, gen)
	}()
	defer wg.Wait()
	defer stopTicker()

	status, err := poller.Poll(ctx, func(ctx context.Context) (escrow.FundingIntentStatus, error) {
		return o.client.FundingIntentStatus(ctx, intent.TransactionCode)
	}, o.pollConfig())

	switch {
	case ctx.Err() != nil:
		// stopped, superseded or forced to time out by the ticker
	case errors.Is(err, poller.ErrTimeout):
		log.Warn("funding intent confirmation timed out")
		o.fail(gen, PhaseTimeout, fmt.Errorf("%w: %w", ErrConfirmationTimeout, err))
	case err != nil:
		log.Warn("funding intent status polling failed", "error", err)
		o.fail(gen, PhaseError, err)
	case status.Status == escrow.StatusFailed:
		log.Warn("funding intent failed")
		o.update(gen, func(s *State) {
			s.Phase = PhaseError
			s.Error = ErrConfirmationFailed.Error()
			s.UserMessage = PaymentFailedMessage
		})
	default:
		o.confirm(ctx, gen, req, intent.TransactionCode, status.EscrowID, log)
	}
}

func (o *Orchestrator) pollConfig() poller.Config[escrow.FundingIntentStatus] {
	cycle := poller.CycleRetry()
	if o.opts.CycleRetry != nil {
		cycle = *o.opts.CycleRetry
	}
	onRetry := cycle.OnRetry
	cycle.OnRetry = func(attempt int, delay time.Duration, err error) {
		o.opts.Metrics.IncRetry("funding_intent_status")
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	failures := 0
	return poller.Config[escrow.FundingIntentStatus]{
		ShouldContinue: keepPolling,
		Interval:       o.opts.PollInterval,
		MaxDuration:    o.opts.MaxDuration,
		Retry:          &cycle,
		Now:            o.opts.Now,
		OnPoll: func(escrow.FundingIntentStatus, int) {
			failures = 0
			o.opts.Metrics.IncPoll("funding_intent", "ok")
		},
		OnError: func(err error) error {
			if apperr.IsProcessing(err) {
				o.opts.Metrics.IncPoll("funding_intent", "processing")
				return nil
			}
			o.opts.Metrics.IncPoll("funding_intent", "error")
			failures++
			if failures >= o.opts.MaxConsecutiveFailures {
				return fmt.Errorf("%w (%d): %w", ErrTooManyFailures, failures, err)
			}
			return nil
		},
	}
}

// keepPolling stops on failure or on a confirmation that names its escrow.
func keepPolling(s escrow.FundingIntentStatus) bool {
	if s.Status == escrow.StatusFailed {
		return false
	}
	return s.Status != escrow.StatusConfirmed || s.EscrowID == ""
}

func (o *Orchestrator) confirm(ctx context.Context, gen uint64, req escrow.FundingIntentRequest, code, escrowID string, log *slog.Logger) {
	if !o.current(gen) {
		return
	}
	data, err := json.Marshal(struct {
		TransactionCode string                      `json:"transactionCode"`
		EscrowID        string                      `json:"escrowId"`
		Request         escrow.FundingIntentRequest `json:"request"`
	}{code, escrowID, req})
	if err == nil && o.escrows != nil {
		err = o.escrows.Append(context.WithoutCancel(ctx), records.Record{
			ID:        escrowID,
			Kind:      records.KindEscrow,
			CreatedAt: o.opts.Now().UTC(),
			Data:      data,
		})
	}
	if err != nil {
		log.Error("persist confirmed escrow failed", "escrow_id", escrowID, "error", err)
	}

	if o.update(gen, func(s *State) {
		s.Phase = PhaseSuccess
		s.ConfirmedEscrowID = escrowID
	}) {
		log.Info("funding intent confirmed", "escrow_id", escrowID)
	}
}

// tick advances the display counter and forces a timeout once MaxDuration
// has elapsed, whether or not the poller has noticed yet.
func (o *Orchestrator) tick(ctx context.Context, gen uint64) {
	t := time.NewTicker(o.opts.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		o.mu.Lock()
		if gen != o.gen || o.state.Phase.Terminal() {
			o.mu.Unlock()
			return
		}
		o.elapsed += o.opts.TickInterval
		o.state.ElapsedSeconds = int(o.elapsed / time.Second)
		expired := o.elapsed >= o.opts.MaxDuration
		if expired {
			o.setFailureLocked(PhaseTimeout, ErrConfirmationTimeout)
			if o.cancel != nil {
				o.cancel()
			}
		}
		o.publishLocked()
		o.mu.Unlock()

		if expired {
			o.opts.Logger.Warn("funding intent confirmation timed out by ticker", "elapsed", o.opts.MaxDuration)
			o.handle(ErrConfirmationTimeout)
			return
		}
	}
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return gen == o.gen && !o.state.Phase.Terminal()
}

// update applies fn if gen is still the live attempt and it has not reached
// a terminal phase. It reports whether fn was applied.
func (o *Orchestrator) update(gen uint64, fn func(*State)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || o.state.Phase.Terminal() {
		return false
	}
	prev := o.state.Phase
	fn(&o.state)
	if o.state.Phase != prev {
		o.opts.Metrics.IncPhase(string(o.state.Phase))
	}
	o.publishLocked()
	return true
}

func (o *Orchestrator) fail(gen uint64, phase Phase, err error) {
	applied := o.update(gen, func(s *State) {
		o.setFailure(s, phase, err)
	})
	if applied {
		o.handle(err)
	}
}

func (o *Orchestrator) setFailureLocked(phase Phase, err error) {
	o.setFailure(&o.state, phase, err)
	o.opts.Metrics.IncPhase(string(phase))
}

func (o *Orchestrator) setFailure(s *State, phase Phase, err error) {
	s.Phase = phase
	s.Error = err.Error()
	switch {
	case phase == PhaseTimeout:
		s.UserMessage = TimeoutMessage
	case errors.Is(err, ErrTooManyFailures):
		s.UserMessage = UnreachableMessage
	default:
		s.UserMessage = apperr.Classify(err).UserMessage
	}
}

func (o *Orchestrator) handle(err error) {
	if o.opts.Errors != nil {
		o.opts.Errors.Handle(err)
	}
}

func (o *Orchestrator) publishLocked() {
	for _, ch := range o.subs {
		select {
		case ch <- o.state:
		default:
		}
	}
}
