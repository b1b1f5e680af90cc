package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"remitrails/internal/apperr"
	"remitrails/internal/escrow"
	"remitrails/internal/records"
	"remitrails/internal/retry"
	"remitrails/internal/storage"
)

type statusResult struct {
	status escrow.FundingIntentStatus
	err    error
}

// stubClient serves scripted status results; the last one repeats.
type stubClient struct {
	mu          sync.Mutex
	createErr   error
	createGate  chan struct{}
	creates     int
	statuses    []statusResult
	statusCalls int
}

func (c *stubClient) CreateFundingIntent(ctx context.Context, _ escrow.FundingIntentRequest) (escrow.FundingIntent, error) {
	if c.createGate != nil {
		<-c.createGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	if c.createErr != nil {
		return escrow.FundingIntent{}, c.createErr
	}
	return escrow.FundingIntent{TransactionCode: "TX1"}, nil
}

func (c *stubClient) FundingIntentStatus(context.Context, string) (escrow.FundingIntentStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.statusCalls
	c.statusCalls++
	if len(c.statuses) == 0 {
		return escrow.FundingIntentStatus{Status: escrow.StatusPending}, nil
	}
	if i >= len(c.statuses) {
		i = len(c.statuses) - 1
	}
	return c.statuses[i].status, c.statuses[i].err
}

func (c *stubClient) Disburse(context.Context, escrow.DisburseRequest) (escrow.DisburseResponse, error) {
	return escrow.DisburseResponse{}, errors.New("not used")
}

func (c *stubClient) PaymentRequest(context.Context, string) (escrow.PaymentRequest, error) {
	return escrow.PaymentRequest{}, errors.New("not used")
}

func (c *stubClient) counts() (creates, statuses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates, c.statusCalls
}

var (
	pending   = statusResult{status: escrow.FundingIntentStatus{Status: escrow.StatusPending}}
	networkKO = statusResult{err: fmt.Errorf("GET /status: %w", apperr.ErrTransport)}
)

func confirmed(id string) statusResult {
	return statusResult{status: escrow.FundingIntentStatus{Status: escrow.StatusConfirmed, EscrowID: id}}
}

func fastOptions(maxRetries int) Options {
	return Options{
		PollInterval: time.Millisecond,
		MaxDuration:  5 * time.Second,
		TickInterval: time.Hour,
		CycleRetry: &retry.Config{
			MaxRetries:   maxRetries,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
	}
}

func request() escrow.FundingIntentRequest {
	return escrow.FundingIntentRequest{
		SenderPhone:    "+254700000001",
		RecipientPhone: "+254700000002",
		Category:       "school_fees",
		AmountKes:      decimal.NewFromInt(1500),
	}
}

func waitDone(t *testing.T, o *Orchestrator) State {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("attempt did not finish, state %+v", o.State())
	}
	return o.State()
}

func TestConfirmationSucceedsAndPersistsEscrow(t *testing.T) {
	client := &stubClient{statuses: []statusResult{pending, pending, confirmed("E1")}}
	escrows := records.NewStore(storage.NewMemoryKV(), records.EscrowsKey)
	o := New(client, escrows, fastOptions(2))

	if err := o.Start(context.Background(), request()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitDone(t, o)

	if st.Phase != PhaseSuccess || st.ConfirmedEscrowID != "E1" || st.TransactionCode != "TX1" {
		t.Fatalf("unexpected final state %+v", st)
	}
	if _, statuses := client.counts(); statuses != 3 {
		t.Fatalf("expected 3 status polls, got %d", statuses)
	}
	rec, ok, err := escrows.Get(context.Background(), "E1")
	if err != nil || !ok {
		t.Fatalf("expected escrow record E1, ok=%v err=%v", ok, err)
	}
	if rec.Kind != records.KindEscrow || !strings.Contains(string(rec.Data), `"transactionCode":"TX1"`) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestConsecutiveNetworkFailuresEscalate(t *testing.T) {
	client := &stubClient{statuses: []statusResult{networkKO}}
	opts := fastOptions(2)
	opts.MaxDuration = 90 * time.Second
	o := New(client, nil, opts)

	started := time.Now()
	_ = o.Start(context.Background(), request())
	st := waitDone(t, o)

	if st.Phase != PhaseError {
		t.Fatalf("expected error phase, got %+v", st)
	}
	if !strings.Contains(st.Error, ErrTooManyFailures.Error()) || st.UserMessage != UnreachableMessage {
		t.Fatalf("expected escalation error, got %+v", st)
	}
	if _, statuses := client.counts(); statuses != 15 {
		t.Fatalf("expected 5 cycles of 3 attempts, got %d calls", statuses)
	}
	if time.Since(started) > 10*time.Second {
		t.Fatalf("escalation waited too long")
	}
}

func TestSuccessfulPollResetsEscalation(t *testing.T) {
	client := &stubClient{statuses: []statusResult{
		networkKO, networkKO, networkKO, networkKO, pending,
		networkKO, networkKO, networkKO, networkKO, confirmed("E2"),
	}}
	o := New(client, nil, fastOptions(0))

	_ = o.Start(context.Background(), request())
	st := waitDone(t, o)

	if st.Phase != PhaseSuccess || st.ConfirmedEscrowID != "E2" {
		t.Fatalf("expected success after reset, got %+v", st)
	}
}

func TestConfirmedWithoutEscrowKeepsPolling(t *testing.T) {
	client := &stubClient{statuses: []statusResult{
		{status: escrow.FundingIntentStatus{Status: escrow.StatusConfirmed}},
		confirmed("E3"),
	}}
	o := New(client, nil, fastOptions(0))

	_ = o.Start(context.Background(), request())
	if st := waitDone(t, o); st.ConfirmedEscrowID != "E3" {
		t.Fatalf("expected E3, got %+v", st)
	}
}

func TestFailedStatusEndsInError(t *testing.T) {
	client := &stubClient{statuses: []statusResult{pending, {status: escrow.FundingIntentStatus{Status: escrow.StatusFailed}}}}
	escrows := records.NewStore(storage.NewMemoryKV(), records.EscrowsKey)
	o := New(client, escrows, fastOptions(0))

	_ = o.Start(context.Background(), request())
	st := waitDone(t, o)

	if st.Phase != PhaseError || st.UserMessage != PaymentFailedMessage {
		t.Fatalf("unexpected state %+v", st)
	}
	list, _ := escrows.List(context.Background())
	if len(list) != 0 {
		t.Fatalf("failed intents must not be persisted, got %+v", list)
	}
}

func TestTickerForcesTimeout(t *testing.T) {
	client := &stubClient{}
	o := New(client, nil, Options{
		PollInterval: time.Hour,
		MaxDuration:  30 * time.Millisecond,
		TickInterval: 5 * time.Millisecond,
	})

	_ = o.Start(context.Background(), request())
	st := waitDone(t, o)

	if st.Phase != PhaseTimeout || st.UserMessage != TimeoutMessage {
		t.Fatalf("expected ticker timeout, got %+v", st)
	}
	if _, statuses := client.counts(); statuses != 1 {
		t.Fatalf("expected a single poll before timeout, got %d", statuses)
	}
}

func TestRetryOnlyFromTerminalFailure(t *testing.T) {
	o := New(&stubClient{}, nil, fastOptions(0))
	if err := o.Retry(context.Background()); !errors.Is(err, ErrRetryNotAllowed) {
		t.Fatalf("expected ErrRetryNotAllowed before start, got %v", err)
	}

	client := &stubClient{
		createErr: &escrow.HTTPError{Status: 400, Message: "Invalid phone number"},
		statuses:  []statusResult{confirmed("E4")},
	}
	o = New(client, nil, fastOptions(0))
	_ = o.Start(context.Background(), request())
	st := waitDone(t, o)
	if st.Phase != PhaseError {
		t.Fatalf("expected error after rejected create, got %+v", st)
	}
	if st.UserMessage != "Invalid phone number. Please check and try again." {
		t.Fatalf("unexpected user message %q", st.UserMessage)
	}
	if creates, _ := client.counts(); creates != 1 {
		t.Fatalf("create must be a single attempt, got %d", creates)
	}

	client.mu.Lock()
	client.createErr = nil
	client.mu.Unlock()

	if err := o.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	st = waitDone(t, o)
	if st.Phase != PhaseSuccess || st.Attempt != 2 {
		t.Fatalf("expected success on attempt 2, got %+v", st)
	}
	if err := o.Retry(context.Background()); !errors.Is(err, ErrRetryNotAllowed) {
		t.Fatalf("expected retry to be rejected after success, got %v", err)
	}
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	gate := make(chan struct{})
	client := &stubClient{createGate: gate}
	o := New(client, nil, fastOptions(0))

	_ = o.Start(context.Background(), request())
	done := o.Done()
	o.Stop()
	o.Stop()
	close(gate)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stopped attempt did not exit")
	}
	if st := o.State(); st.Phase != PhaseProcessing || st.TransactionCode != "" {
		t.Fatalf("stale result leaked into state %+v", st)
	}
	if _, statuses := client.counts(); statuses != 0 {
		t.Fatalf("no status call may follow stop, got %d", statuses)
	}
}

func TestSubscribeSeesPhases(t *testing.T) {
	client := &stubClient{statuses: []statusResult{confirmed("E5")}}
	o := New(client, nil, fastOptions(0))
	ch, cancel := o.Subscribe()
	defer cancel()

	_ = o.Start(context.Background(), request())
	waitDone(t, o)

	var phases []Phase
	for len(ch) > 0 {
		phases = append(phases, (<-ch).Phase)
	}
	want := []Phase{PhaseProcessing, PhaseWaiting, PhaseSuccess}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, phases)
	}
}
