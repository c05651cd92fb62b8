package behaviour

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cometbft/cometbft/libs/log"
)

// stepUntil steps a until it leaves the in-flight states or the deadline passes.
func stepUntil[T any](t *testing.T, a *Acquirer[T], want Phase) T {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		v, ph := a.Step(context.Background())
		if ph == want {
			return v
		}
		if ph == PhaseFatal || ph == PhaseReady {
			t.Fatalf("acquirer ended in %s, want %s", ph, want)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("acquirer did not reach %s, stuck in %s", want, a.Phase())
	var zero T
	return zero
}

func TestAcquirerFirstAttemptSucceeds(t *testing.T) {
	a := NewAcquirer("test", func(context.Context) (int, error) { return 7, nil }, nil,
		RetryConfig{MaxRetries: 3}, log.NewNopLogger(), nil)

	if v := stepUntil(t, a, PhaseReady); v != 7 {
		t.Errorf("Expected 7, got %d", v)
	}
	if a.Attempts() != 1 {
		t.Errorf("Expected 1 attempt, got %d", a.Attempts())
	}
	if a.FallbackRuns() != 0 {
		t.Errorf("Expected no fallback, got %d", a.FallbackRuns())
	}
}

func TestAcquirerBoundedRetriesThenFallback(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	primary := func(context.Context) (string, error) {
		primaryCalls.Add(1)
		return "", errors.New("unreachable")
	}
	fallback := func(context.Context) (string, error) {
		fallbackCalls.Add(1)
		return "from-ledger", nil
	}

	const maxRetries = 2
	a := NewAcquirer("test", primary, fallback, RetryConfig{MaxRetries: maxRetries}, log.NewNopLogger(), nil)

	if v := stepUntil(t, a, PhaseReady); v != "from-ledger" {
		t.Errorf("Expected fallback value, got %q", v)
	}
	if got := primaryCalls.Load(); got != maxRetries+1 {
		t.Errorf("Expected %d primary attempts, got %d", maxRetries+1, got)
	}
	if a.Attempts() != maxRetries+1 {
		t.Errorf("Expected Attempts %d, got %d", maxRetries+1, a.Attempts())
	}
	if got := fallbackCalls.Load(); got != 1 {
		t.Errorf("Expected fallback exactly once, got %d", got)
	}

	// Ready is terminal
	for i := 0; i < 5; i++ {
		a.Step(context.Background())
	}
	if primaryCalls.Load() != maxRetries+1 || fallbackCalls.Load() != 1 {
		t.Error("Expected no calls after Ready")
	}
}

func TestAcquirerFatal(t *testing.T) {
	fail := func(context.Context) (int, error) { return 0, errors.New("down") }

	t.Run("fallback fails", func(t *testing.T) {
		a := NewAcquirer("test", fail, fail, RetryConfig{MaxRetries: 1}, log.NewNopLogger(), nil)
		stepUntil(t, a, PhaseFatal)
		if !errors.Is(a.Err(), ErrAcquisitionFatal) {
			t.Errorf("Expected ErrAcquisitionFatal, got %v", a.Err())
		}
		if a.FallbackRuns() != 1 {
			t.Errorf("Expected 1 fallback run, got %d", a.FallbackRuns())
		}
	})

	t.Run("no fallback", func(t *testing.T) {
		a := NewAcquirer("test", fail, nil, RetryConfig{MaxRetries: 0}, log.NewNopLogger(), nil)
		stepUntil(t, a, PhaseFatal)
		if a.Attempts() != 1 {
			t.Errorf("Expected 1 attempt, got %d", a.Attempts())
		}
		if !errors.Is(a.Err(), ErrAcquisitionFatal) {
			t.Errorf("Expected ErrAcquisitionFatal, got %v", a.Err())
		}
	})
}

func TestAcquirerBackoff(t *testing.T) {
	now := time.Unix(0, 0)
	var calls atomic.Int32
	a := NewAcquirer("test", func(context.Context) (int, error) {
		calls.Add(1)
		return 0, errors.New("down")
	}, nil, RetryConfig{MaxRetries: 3, Backoff: time.Minute}, log.NewNopLogger(), nil)
	a.SetClock(func() time.Time { return now })

	// first attempt starts immediately and fails
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 || a.inflight != nil {
		if time.Now().After(deadline) {
			t.Fatal("first attempt did not finish")
		}
		a.Step(context.Background())
		time.Sleep(time.Millisecond)
	}

	for i := 0; i < 10; i++ {
		a.Step(context.Background())
	}
	if a.Attempts() != 1 {
		t.Fatalf("Expected no retry before backoff elapsed, got %d attempts", a.Attempts())
	}

	now = now.Add(time.Minute)
	a.Step(context.Background())
	if a.Attempts() != 2 {
		t.Errorf("Expected retry after backoff, got %d attempts", a.Attempts())
	}
}

func TestAcquirerCleanUp(t *testing.T) {
	block := make(chan struct{})
	var cancelled atomic.Bool
	a := NewAcquirer("test", func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			return 0, ctx.Err()
		case <-block:
			return 1, nil
		}
	}, nil, RetryConfig{MaxRetries: 1}, log.NewNopLogger(), nil)

	a.Step(context.Background())
	if a.Attempts() != 1 {
		t.Fatalf("Expected an attempt in flight, got %d", a.Attempts())
	}

	a.CleanUp()
	if a.Attempts() != 0 || a.Phase() != PhaseFetching || a.Err() != nil {
		t.Errorf("Expected reset state, got attempts=%d phase=%s err=%v", a.Attempts(), a.Phase(), a.Err())
	}

	deadline := time.Now().Add(2 * time.Second)
	for !cancelled.Load() {
		if time.Now().After(deadline) {
			t.Fatal("in-flight call was not cancelled")
		}
		time.Sleep(time.Millisecond)
	}
	close(block)
}
