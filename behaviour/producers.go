package behaviour

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/abci"
	"github.com/ahwlsqja/autonomy-abci/keeper"
	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/metrics"
	"github.com/ahwlsqja/autonomy-abci/randomness"
	"github.com/ahwlsqja/autonomy-abci/types"
)

// ================================================================================
//                          registration
// ================================================================================

// RegistrationProducer announces the agent.
type RegistrationProducer struct{}

func (RegistrationProducer) Produce(_ context.Context, sender string, _ *abci.View) (types.Payload, produceStatus) {
	return types.NewRegistrationPayload(sender), produceReady
}

func (RegistrationProducer) CleanUp() {}

// ================================================================================
//                          randomness
// ================================================================================

// RandomnessSource returns one beacon value per call.
type RandomnessSource interface {
	Fetch(ctx context.Context) (randomness.Value, error)
}

var errNoBeacon = errors.New("no randomness beacon configured")

// RandomnessProducer fetches randomness from the beacon, falling back to
// the ledger once retries are exhausted. The fallback derives the value
// from the block that started the round, which every agent agrees on.
// When both fail it sends an empty value so the round can end with FAILED.
type RandomnessProducer struct {
	acquirer *Acquirer[randomness.Value]
	logger   log.Logger

	// ref is read by the fallback call off the scheduler goroutine.
	ref atomic.Pointer[ledger.Block]
}

// NewRandomnessProducer creates the producer. api may be nil.
func NewRandomnessProducer(beacon RandomnessSource, api ledger.API, retry RetryConfig, logger log.Logger, m *metrics.Metrics) *RandomnessProducer {
	p := &RandomnessProducer{logger: logger}

	var fallback func(context.Context) (randomness.Value, error)
	if api != nil {
		fallback = func(ctx context.Context) (randomness.Value, error) {
			ref := p.ref.Load()
			if ref == nil {
				return randomness.Value{}, randomness.ErrLedgerFallback
			}
			return randomness.FetchFromLedger(ctx, api, *ref)
		}
	}
	primary := func(context.Context) (randomness.Value, error) {
		return randomness.Value{}, errNoBeacon
	}
	if beacon != nil {
		primary = beacon.Fetch
	}
	p.acquirer = NewAcquirer("beacon", primary, fallback, retry, logger, m)
	return p
}

// Acquirer exposes the underlying acquirer.
func (p *RandomnessProducer) Acquirer() *Acquirer[randomness.Value] {
	return p.acquirer
}

func (p *RandomnessProducer) Produce(ctx context.Context, sender string, view *abci.View) (types.Payload, produceStatus) {
	if !view.Snapshot.Participants().Contains(sender) {
		return nil, produceSkip
	}
	p.ref.Store(&ledger.Block{Height: view.RoundStartHeight, Hash: view.RoundStartHash})

	v, phase := p.acquirer.Step(ctx)
	switch phase {
	case PhaseReady:
		return types.NewRandomnessPayload(sender, v.Round, v.Randomness), produceReady
	case PhaseFatal:
		p.logger.Error("no randomness available", "err", p.acquirer.Err())
		return types.NewRandomnessPayload(sender, 0, ""), produceReady
	default:
		return nil, producePending
	}
}

func (p *RandomnessProducer) CleanUp() {
	p.acquirer.CleanUp()
	p.ref.Store(nil)
}

// ================================================================================
//                          select keeper
// ================================================================================

// SelectKeeperProducer computes the keeper from the agreed randomness.
// An exhausted candidate list is reported with an empty keeper.
type SelectKeeperProducer struct {
	logger log.Logger
}

func (p SelectKeeperProducer) Produce(_ context.Context, sender string, view *abci.View) (types.Payload, produceStatus) {
	snap := view.Snapshot
	if !snap.Participants().Contains(sender) {
		return nil, produceSkip
	}

	k, err := keeper.Select(snap.Participants(), snap.MostVotedRandomness(), snap.BlacklistedKeepers(), snap.MostVotedKeeper())
	if err != nil {
		if p.logger != nil {
			p.logger.Info("no keeper selected", "err", err)
		}
		return types.NewSelectKeeperPayload(sender, ""), produceReady
	}
	return types.NewSelectKeeperPayload(sender, k), produceReady
}

func (SelectKeeperProducer) CleanUp() {}

// ================================================================================
//                          finalization
// ================================================================================

// KeeperTask is the privileged action of the keeper. It returns the hex
// digest the keeper reports.
type KeeperTask func(ctx context.Context, view *abci.View) (string, error)

// DigestTask digests the period's randomness and period count.
func DigestTask(_ context.Context, view *abci.View) (string, error) {
	r := view.Snapshot.MostVotedRandomness()
	if r == "" {
		return "", keeper.ErrNoRandomness
	}
	sum := sha256.Sum256([]byte(r + ":" + strconv.FormatInt(view.PeriodCount(), 10)))
	return hex.EncodeToString(sum[:]), nil
}

// FinalizationProducer runs the keeper task when the agent is the keeper.
// A keeper whose task keeps failing sends nothing; the round times out and
// the keeper is blacklisted.
type FinalizationProducer struct {
	task    KeeperTask
	retry   RetryConfig
	logger  log.Logger
	metrics *metrics.Metrics

	acquirer *Acquirer[string]
}

// NewFinalizationProducer creates the producer. A nil task uses DigestTask.
func NewFinalizationProducer(task KeeperTask, retry RetryConfig, logger log.Logger, m *metrics.Metrics) *FinalizationProducer {
	if task == nil {
		task = DigestTask
	}
	return &FinalizationProducer{task: task, retry: retry, logger: logger, metrics: m}
}

func (p *FinalizationProducer) Produce(ctx context.Context, sender string, view *abci.View) (types.Payload, produceStatus) {
	if view.Snapshot.MostVotedKeeper() != sender {
		return nil, produceSkip
	}

	if p.acquirer == nil {
		task := p.task
		p.acquirer = NewAcquirer("keeper_task", func(ctx context.Context) (string, error) {
			return task(ctx, view)
		}, nil, p.retry, p.logger, p.metrics)
	}

	digest, phase := p.acquirer.Step(ctx)
	switch phase {
	case PhaseReady:
		return types.NewFinalizationPayload(sender, digest), produceReady
	case PhaseFatal:
		p.logger.Error("keeper task failed", "err", p.acquirer.Err())
		return nil, produceSkip
	default:
		return nil, producePending
	}
}

func (p *FinalizationProducer) CleanUp() {
	if p.acquirer != nil {
		p.acquirer.CleanUp()
		p.acquirer = nil
	}
}

// ================================================================================
//                          reset and pause
// ================================================================================

// ResetProducer votes for the next period count after pausing.
type ResetProducer struct {
	pause time.Duration
	clock func() time.Time

	since time.Time
}

// NewResetProducer creates the producer.
func NewResetProducer(pause time.Duration) *ResetProducer {
	return &ResetProducer{pause: pause, clock: time.Now}
}

func (p *ResetProducer) Produce(_ context.Context, sender string, view *abci.View) (types.Payload, produceStatus) {
	if !view.Snapshot.Participants().Contains(sender) {
		return nil, produceSkip
	}
	if p.since.IsZero() {
		p.since = p.clock()
	}
	if p.clock().Sub(p.since) < p.pause {
		return nil, producePending
	}
	return types.NewResetPayload(sender, view.PeriodCount()+1), produceReady
}

func (p *ResetProducer) CleanUp() {
	p.since = time.Time{}
}
