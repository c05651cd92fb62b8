// Package behaviour drives an agent through the rounds of an FSM app.
//
// Each round id has a Behaviour that turns the committed view into one
// payload transaction. A Scheduler steps the behaviour of the current round
// once per tick; network I/O runs in the background and is polled, so a
// tick never blocks.
package behaviour

import (
	"context"
	"errors"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/abci"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/metrics"
	"github.com/ahwlsqja/autonomy-abci/types"
)

// Behaviour is the per-round logic of an agent.
type Behaviour interface {
	// Step advances the behaviour by one step against view.
	Step(ctx context.Context, view *abci.View)
	// CleanUp cancels pending work and resets the behaviour for its next round.
	CleanUp()
	// Done reports whether nothing is left to do in the current round.
	Done() bool
}

// Submitter sends an encoded transaction to the consensus backend.
type Submitter interface {
	Submit(ctx context.Context, tx []byte) error
}

// produceStatus is the answer of a Producer.
type produceStatus int

const (
	producePending produceStatus = iota // waiting on an external response
	produceReady                        // payload available
	produceSkip                         // nothing to send this round
)

// Producer builds the payload of a round.
type Producer interface {
	Produce(ctx context.Context, sender string, view *abci.View) (types.Payload, produceStatus)
	CleanUp()
}

// Phase of a RoundBehaviour.
type stepPhase int

const (
	phaseProduce stepPhase = iota
	phaseSubmit
	phaseWait
	phaseDone
)

// RoundBehaviour runs produce → submit → wait for the round to advance.
type RoundBehaviour struct {
	name      string
	producer  Producer
	signer    crypto.Signer
	submitter Submitter
	logger    log.Logger
	metrics   *metrics.Metrics

	phase    stepPhase
	height   int64
	started  bool
	txType   types.TxType
	tx       []byte
	inflight *call[struct{}]
}

var _ Behaviour = (*RoundBehaviour)(nil)

// NewRoundBehaviour creates a behaviour sending the payloads of producer.
func NewRoundBehaviour(name string, producer Producer, signer crypto.Signer, submitter Submitter, logger log.Logger, m *metrics.Metrics) *RoundBehaviour {
	if m == nil {
		m = metrics.NewMetrics("", nil)
	}
	return &RoundBehaviour{
		name:      name,
		producer:  producer,
		signer:    signer,
		submitter: submitter,
		logger:    logger.With("behaviour", name),
		metrics:   m,
	}
}

// Name returns the behaviour name.
func (b *RoundBehaviour) Name() string { return b.name }

// Step implements Behaviour.
func (b *RoundBehaviour) Step(ctx context.Context, view *abci.View) {
	if !b.started {
		b.started = true
		b.height = view.RoundHeight
	}

	switch b.phase {
	case phaseProduce:
		p, status := b.producer.Produce(ctx, b.signer.Address(), view)
		switch status {
		case producePending:
			return
		case produceSkip:
			b.logger.Debug("nothing to send", "round_height", view.RoundHeight)
			b.phase = phaseWait
			return
		}

		tx, err := types.NewTransaction(p, b.signer)
		if err != nil {
			b.logger.Error("failed to sign payload", "err", err)
			b.phase = phaseWait
			return
		}
		raw, err := tx.Encode()
		if err != nil {
			b.logger.Error("failed to encode transaction", "err", err)
			b.phase = phaseWait
			return
		}
		b.tx, b.txType = raw, p.TxType()
		b.phase = phaseSubmit
		b.submit(ctx)

	case phaseSubmit:
		if b.inflight == nil {
			b.submit(ctx)
			return
		}
		if !b.inflight.Ready() {
			return
		}
		_, err := b.inflight.Result()
		b.inflight = nil
		b.metrics.PayloadSubmitted(string(b.txType), err)
		switch {
		case err == nil:
			b.logger.Info("payload submitted", "tx_type", b.txType, "round_height", b.height)
			b.phase = phaseWait
		case errors.Is(err, abci.ErrTxRejected):
			b.logger.Error("payload rejected", "tx_type", b.txType, "err", err)
			b.phase = phaseWait
		default:
			// resubmitted on the next tick
			b.logger.Info("submission failed", "tx_type", b.txType, "err", err)
		}

	case phaseWait:
		if view.RoundHeight != b.height {
			b.phase = phaseDone
		}
	}
}

func (b *RoundBehaviour) submit(ctx context.Context) {
	tx := b.tx
	b.inflight = startCall(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.submitter.Submit(ctx, tx)
	})
}

// Done implements Behaviour.
func (b *RoundBehaviour) Done() bool {
	return b.phase == phaseDone
}

// Submitted reports whether the payload has been accepted by the backend
// or rejected for good.
func (b *RoundBehaviour) Submitted() bool {
	return b.phase >= phaseWait && b.tx != nil
}

// CleanUp implements Behaviour.
func (b *RoundBehaviour) CleanUp() {
	if b.inflight != nil {
		b.inflight.Cancel()
		b.inflight = nil
	}
	b.producer.CleanUp()
	b.phase = phaseProduce
	b.started = false
	b.height = 0
	b.tx = nil
	b.txType = ""
}
