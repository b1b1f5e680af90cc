package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remitrails/internal/retry"
)

// fakeClock advances only when the poller sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

type status struct{ Status string }

func pending(s status) bool { return s.Status == "pending" }

func TestPollUntilTerminal(t *testing.T) {
	clock := newFakeClock()
	seq := []string{"pending", "pending", "confirmed"}
	calls := 0
	var polled []int

	got, err := Poll(context.Background(), func(context.Context) (status, error) {
		s := status{Status: seq[calls]}
		calls++
		return s, nil
	}, Config[status]{
		ShouldContinue: pending,
		OnPoll:         func(_ status, n int) { polled = append(polled, n) },
		Now:            clock.Now,
		Sleep:          clock.Sleep,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != "confirmed" {
		t.Fatalf("expected confirmed, got %q", got.Status)
	}
	if calls != 3 {
		t.Fatalf("expected 3 cycles, got %d", calls)
	}
	if len(polled) != 3 || polled[2] != 3 {
		t.Fatalf("expected onPoll 1..3, got %v", polled)
	}
}

func TestPollTimesOutBeforeSecondCycle(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	timedOut := false

	_, err := Poll(context.Background(), func(context.Context) (status, error) {
		calls++
		return status{Status: "pending"}, nil
	}, Config[status]{
		ShouldContinue: pending,
		Interval:       10 * time.Second,
		MaxDuration:    5 * time.Second,
		OnTimeout:      func() { timedOut = true },
		Now:            clock.Now,
		Sleep:          clock.Sleep,
	})

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one cycle, got %d", calls)
	}
	if !timedOut {
		t.Fatalf("expected OnTimeout to fire")
	}
}

func TestPollToleratesFlakyCycle(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	var polled []int
	var errs int
	noRetry := retry.Once()

	got, err := Poll(context.Background(), func(context.Context) (status, error) {
		calls++
		if calls == 2 {
			return status{}, errors.New("flaky")
		}
		if calls < 4 {
			return status{Status: "pending"}, nil
		}
		return status{Status: "confirmed"}, nil
	}, Config[status]{
		ShouldContinue: pending,
		Retry:          &noRetry,
		IsRetryable:    func(error) bool { return true },
		OnPoll:         func(_ status, n int) { polled = append(polled, n) },
		OnError:        func(error) error { errs++; return nil },
		Now:            clock.Now,
		Sleep:          clock.Sleep,
	})

	if err != nil || got.Status != "confirmed" {
		t.Fatalf("expected confirmed, got %+v err=%v", got, err)
	}
	if errs != 1 {
		t.Fatalf("expected one failed cycle, got %d", errs)
	}
	if len(polled) != 3 || polled[len(polled)-1] != 3 {
		t.Fatalf("failed cycles must not advance the counter: %v", polled)
	}
}

func TestPollStopsOnNonRetryable(t *testing.T) {
	clock := newFakeClock()
	boom := errors.New("bad request")
	calls := 0

	_, err := Poll(context.Background(), func(context.Context) (status, error) {
		calls++
		return status{}, boom
	}, Config[status]{
		ShouldContinue: pending,
		IsRetryable:    func(error) bool { return false },
		Now:            clock.Now,
		Sleep:          clock.Sleep,
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
	// the default cycle retry also consults the apperr classifier, which
	// treats a bare error as non-retryable
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPollOnErrorCanAbort(t *testing.T) {
	clock := newFakeClock()
	escalated := errors.New("too many failures")
	failures := 0
	noRetry := retry.Once()

	_, err := Poll(context.Background(), func(context.Context) (status, error) {
		return status{}, errors.New("unreachable")
	}, Config[status]{
		ShouldContinue: pending,
		Retry:          &noRetry,
		IsRetryable:    func(error) bool { return true },
		OnError: func(error) error {
			failures++
			if failures == 3 {
				return escalated
			}
			return nil
		},
		Now:   clock.Now,
		Sleep: clock.Sleep,
	})

	if !errors.Is(err, escalated) {
		t.Fatalf("expected escalation error, got %v", err)
	}
	if failures != 3 {
		t.Fatalf("expected 3 failures, got %d", failures)
	}
}

func TestPollCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := Poll(ctx, func(context.Context) (status, error) {
		calls++
		cancel()
		return status{Status: "pending"}, nil
	}, Config[status]{ShouldContinue: pending, Interval: time.Millisecond})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("no cycle may start after cancellation, got %d", calls)
	}
}
