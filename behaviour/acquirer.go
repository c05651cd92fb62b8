package behaviour

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/metrics"
)

// ErrAcquisitionFatal - both the primary source and the fallback failed.
var ErrAcquisitionFatal = errors.New("acquisition failed")

// Phase is the state of an Acquirer.
type Phase int

const (
	// PhaseFetching - primary source attempts in progress.
	PhaseFetching Phase = iota
	// PhaseReady - a value was obtained.
	PhaseReady
	// PhaseFallback - retries exhausted, fallback in progress.
	PhaseFallback
	// PhaseFatal - fallback failed too.
	PhaseFatal
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case PhaseFetching:
		return "FETCHING"
	case PhaseReady:
		return "READY"
	case PhaseFallback:
		return "FALLBACK"
	case PhaseFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// RetryConfig bounds the primary attempts: at most MaxRetries+1 attempts,
// Backoff apart.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryConfig - 기본 재시도 설정
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 5,
	Backoff:    time.Second,
}

// Acquirer obtains a value from a primary source with bounded retries and
// a fixed backoff, then from a fallback exactly once. It never blocks:
// every Step starts or polls at most one asynchronous call.
type Acquirer[T any] struct {
	name     string
	primary  func(context.Context) (T, error)
	fallback func(context.Context) (T, error)
	cfg      RetryConfig
	clock    func() time.Time
	logger   log.Logger
	metrics  *metrics.Metrics

	phase        Phase
	attempts     int
	fallbackRuns int
	nextAttempt  time.Time
	inflight     *call[T]
	value        T
	err          error
}

// NewAcquirer creates an acquirer. fallback may be nil, in which case an
// exhausted primary is fatal.
func NewAcquirer[T any](name string, primary, fallback func(context.Context) (T, error), cfg RetryConfig, logger log.Logger, m *metrics.Metrics) *Acquirer[T] {
	if m == nil {
		m = metrics.NewMetrics("", nil)
	}
	return &Acquirer[T]{
		name:     name,
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		clock:    time.Now,
		logger:   logger.With("acquirer", name),
		metrics:  m,
	}
}

// SetClock replaces the clock the backoff is measured with.
func (a *Acquirer[T]) SetClock(clock func() time.Time) {
	a.clock = clock
}

// Step advances the state machine and returns the value once Ready.
func (a *Acquirer[T]) Step(ctx context.Context) (T, Phase) {
	var zero T

	switch a.phase {
	case PhaseReady:
		return a.value, a.phase

	case PhaseFatal:
		return zero, a.phase

	case PhaseFetching:
		if a.inflight == nil {
			if a.clock().Before(a.nextAttempt) {
				return zero, a.phase
			}
			a.attempts++
			a.inflight = startCall(ctx, a.primary)
			return zero, a.phase
		}
		if !a.inflight.Ready() {
			return zero, a.phase
		}

		v, err := a.inflight.Result()
		a.inflight = nil
		a.metrics.FetchAttempt(a.name, err)
		if err == nil {
			a.value, a.phase = v, PhaseReady
			return v, a.phase
		}

		a.logger.Info("fetch failed", "attempt", a.attempts, "max_retries", a.cfg.MaxRetries, "err", err)
		if a.attempts > a.cfg.MaxRetries {
			a.logger.Info("retries exhausted, using fallback")
			a.metrics.Fallback(a.name)
			a.phase = PhaseFallback
		} else {
			a.nextAttempt = a.clock().Add(a.cfg.Backoff)
		}
		return zero, a.phase

	case PhaseFallback:
		if a.fallback == nil {
			a.err = fmt.Errorf("%w: %s has no fallback", ErrAcquisitionFatal, a.name)
			a.phase = PhaseFatal
			return zero, a.phase
		}
		if a.inflight == nil {
			a.fallbackRuns++
			a.inflight = startCall(ctx, a.fallback)
			return zero, a.phase
		}
		if !a.inflight.Ready() {
			return zero, a.phase
		}

		v, err := a.inflight.Result()
		a.inflight = nil
		if err != nil {
			a.logger.Error("fallback failed", "err", err)
			a.err = fmt.Errorf("%w: %s: %v", ErrAcquisitionFatal, a.name, err)
			a.phase = PhaseFatal
			return zero, a.phase
		}
		a.value, a.phase = v, PhaseReady
		return v, a.phase
	}

	return zero, a.phase
}

// Phase returns the current phase.
func (a *Acquirer[T]) Phase() Phase { return a.phase }

// Attempts returns the number of primary attempts started.
func (a *Acquirer[T]) Attempts() int { return a.attempts }

// FallbackRuns returns the number of fallback calls started.
func (a *Acquirer[T]) FallbackRuns() int { return a.fallbackRuns }

// Err returns the fatal error, if any.
func (a *Acquirer[T]) Err() error { return a.err }

// CleanUp cancels any in-flight call and clears the counters.
func (a *Acquirer[T]) CleanUp() {
	if a.inflight != nil {
		a.inflight.Cancel()
		a.inflight = nil
	}
	var zero T
	a.phase = PhaseFetching
	a.attempts = 0
	a.fallbackRuns = 0
	a.nextAttempt = time.Time{}
	a.value = zero
	a.err = nil
}
