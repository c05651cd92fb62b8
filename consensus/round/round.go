// Package round implements the payload collector shared by every round of
// the replicated FSM, its completion predicates and the common rounds.
package round

import (
	"sort"
	"time"

	"github.com/ahwlsqja/autonomy-abci/consensus/state"
	"github.com/ahwlsqja/autonomy-abci/types"
)

// EventType labels the edges of the FSM graph.
type EventType string

const (
	EventDone         EventType = "DONE"
	EventRoundTimeout EventType = "ROUND_TIMEOUT"
	EventNoMajority   EventType = "NO_MAJORITY"
	EventFailed       EventType = "FAILED"
	EventNoKeeper     EventType = "NO_KEEPER"
)

// Outcome is the end event of a round together with the Period State
// updates it produced.
type Outcome struct {
	Event   EventType
	Updates map[string]any
}

// Round collects at most one payload per participant until its predicate
// holds or its deadline elapses.
type Round interface {
	ID() string
	TxType() types.TxType
	Accept(p types.Payload) error
	IsComplete() bool
	ResolveEvent() (Outcome, error)
	OnTimeout() Outcome
	Deadline() time.Time
}

// Params are the settings shared by every round of an app.
type Params struct {
	// Participants - configured agent set. Registration collects from it;
	// later rounds use the registered set from the Period State.
	Participants types.ParticipantSet
	// Timeout - per-round deadline measured in block time.
	Timeout time.Duration
}

// Config is everything a round constructor receives.
type Config struct {
	ID     string
	View   *state.Snapshot
	Start  time.Time
	Params Params
}

// Kind describes a family of rounds: the payload type they accept, the
// events they can emit and how to build one.
type Kind struct {
	Name   string
	TxType types.TxType
	Events []EventType
	New    func(cfg Config) Round
}

// Emits reports whether rounds of this kind can emit ev.
func (k Kind) Emits(ev EventType) bool {
	for _, e := range k.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// Tally is the read-only view of collected payloads handed to predicates
// and resolvers.
type Tally struct {
	participants types.ParticipantSet
	payloads     map[string]types.Payload
	counts       map[string]int
}

// Participants returns the senders allowed in the round.
func (t *Tally) Participants() types.ParticipantSet { return t.participants }

// Reported returns the number of accepted payloads.
func (t *Tally) Reported() int { return len(t.payloads) }

// Remaining returns the number of participants that have not reported.
func (t *Tally) Remaining() int { return t.participants.Size() - len(t.payloads) }

// Payload returns the payload of sender, if any.
func (t *Tally) Payload(sender string) (types.Payload, bool) {
	p, ok := t.payloads[sender]
	return p, ok
}

// Senders returns every sender that reported, sorted.
func (t *Tally) Senders() types.ParticipantSet {
	senders := make([]string, 0, len(t.payloads))
	for s := range t.payloads {
		senders = append(senders, s)
	}
	return types.NewParticipantSet(senders...)
}

// MostVoted returns the value with the most votes. Ties go to the
// lexicographically lowest value.
func (t *Tally) MostVoted() (string, int) {
	values := make([]string, 0, len(t.counts))
	for v := range t.counts {
		values = append(values, v)
	}
	sort.Strings(values)

	best, bestCount := "", 0
	for _, v := range values {
		if t.counts[v] > bestCount {
			best, bestCount = v, t.counts[v]
		}
	}
	return best, bestCount
}

// Base is the collector every common round is built on.
type Base struct {
	id        string
	txType    types.TxType
	deadline  time.Time
	predicate Predicate
	check     func(p types.Payload) error
	resolve   func(t *Tally) Outcome
	timeout   func(t *Tally) Outcome

	tally Tally
}

// BaseConfig configures a Base. Check, Resolve and Timeout are optional.
type BaseConfig struct {
	ID           string
	TxType       types.TxType
	Participants types.ParticipantSet
	Deadline     time.Time
	Predicate    Predicate
	Check        func(p types.Payload) error
	Resolve      func(t *Tally) Outcome
	Timeout      func(t *Tally) Outcome
}

// NewBase creates a collector.
func NewBase(cfg BaseConfig) *Base {
	b := &Base{
		id:        cfg.ID,
		txType:    cfg.TxType,
		deadline:  cfg.Deadline,
		predicate: cfg.Predicate,
		check:     cfg.Check,
		resolve:   cfg.Resolve,
		timeout:   cfg.Timeout,
		tally: Tally{
			participants: cfg.Participants,
			payloads:     make(map[string]types.Payload),
			counts:       make(map[string]int),
		},
	}
	if b.resolve == nil {
		b.resolve = func(*Tally) Outcome { return Outcome{Event: EventDone} }
	}
	if b.timeout == nil {
		b.timeout = func(*Tally) Outcome { return Outcome{Event: EventRoundTimeout} }
	}
	return b
}

func (b *Base) ID() string           { return b.id }
func (b *Base) TxType() types.TxType { return b.txType }
func (b *Base) Deadline() time.Time  { return b.deadline }

// Tally exposes the collected payloads.
func (b *Base) Tally() *Tally { return &b.tally }

// Accept validates and stores a payload.
func (b *Base) Accept(p types.Payload) error {
	if p.TxType() != b.txType {
		return validationError("round %s expects %s payloads, got %s", b.id, b.txType, p.TxType())
	}
	if !b.tally.participants.Contains(p.Sender()) {
		return validationError("%s is not a participant of round %s", p.Sender(), b.id)
	}
	if _, ok := b.tally.payloads[p.Sender()]; ok {
		return ErrDuplicate
	}
	if b.IsComplete() {
		return validationError("round %s is already complete", b.id)
	}
	if b.check != nil {
		if err := b.check(p); err != nil {
			return err
		}
	}

	b.tally.payloads[p.Sender()] = p
	b.tally.counts[p.Value()]++
	return nil
}

// IsComplete reports whether the predicate holds.
func (b *Base) IsComplete() bool {
	return b.predicate.Complete(&b.tally)
}

// ResolveEvent returns the end event of a complete round.
func (b *Base) ResolveEvent() (Outcome, error) {
	if !b.IsComplete() {
		return Outcome{}, ErrNotComplete
	}
	return b.resolve(&b.tally), nil
}

// OnTimeout returns the outcome used when the deadline elapses first.
func (b *Base) OnTimeout() Outcome {
	return b.timeout(&b.tally)
}
