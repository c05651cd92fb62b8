package behaviour

import (
	"context"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/abci"
	"github.com/ahwlsqja/autonomy-abci/metrics"
)

// StateReader exposes the latest committed view.
type StateReader interface {
	View() *abci.View
}

// Scheduler steps the behaviour of the current round, one step per tick.
// It is single-threaded: Tick must not be called concurrently.
type Scheduler struct {
	reader     StateReader
	behaviours map[string]Behaviour
	logger     log.Logger
	metrics    *metrics.Metrics

	active       Behaviour
	activeID     string
	activeHeight int64
	started      bool
}

// NewScheduler creates a scheduler reading views from reader.
func NewScheduler(reader StateReader, logger log.Logger, m *metrics.Metrics) *Scheduler {
	if m == nil {
		m = metrics.NewMetrics("", nil)
	}
	return &Scheduler{
		reader:     reader,
		behaviours: make(map[string]Behaviour),
		logger:     logger.With("module", "scheduler"),
		metrics:    m,
	}
}

// Register binds b to roundID. One behaviour may serve several round ids.
func (s *Scheduler) Register(roundID string, b Behaviour) {
	s.behaviours[roundID] = b
}

// Active returns the round id being worked on.
func (s *Scheduler) Active() string {
	return s.activeID
}

// Tick runs one step of the current round's behaviour. When the round
// height changed since the last tick, the previous behaviour is cleaned up
// first.
func (s *Scheduler) Tick(ctx context.Context) {
	view := s.reader.View()
	if view == nil {
		return
	}

	if !s.started || view.RoundHeight != s.activeHeight || view.RoundID != s.activeID {
		if s.active != nil {
			s.active.CleanUp()
		}
		s.started = true
		s.activeID = view.RoundID
		s.activeHeight = view.RoundHeight
		s.active = s.behaviours[view.RoundID]
		if s.active == nil {
			s.logger.Debug("no behaviour for round", "round", view.RoundID)
		} else {
			s.logger.Debug("entering round", "round", view.RoundID, "round_height", view.RoundHeight)
		}
	}

	if s.active == nil || s.active.Done() {
		return
	}
	s.metrics.BehaviourTick(view.RoundID)
	s.active.Step(ctx, view)
}

// Run ticks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.active != nil {
				s.active.CleanUp()
			}
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
