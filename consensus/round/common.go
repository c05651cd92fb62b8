package round

import (
	"strconv"
	"time"

	"github.com/ahwlsqja/autonomy-abci/consensus/state"
	"github.com/ahwlsqja/autonomy-abci/types"
)

// ================================================================================
//                          common round kinds
// ================================================================================

// RegistrationKind collects a registration from every configured participant
// and records the senders as the participant set.
var RegistrationKind = Kind{
	Name:   "registration",
	TxType: types.TxTypeRegistration,
	Events: []EventType{EventDone, EventRoundTimeout},
	New: func(cfg Config) Round {
		return NewBase(BaseConfig{
			ID:           cfg.ID,
			TxType:       types.TxTypeRegistration,
			Participants: cfg.Params.Participants,
			Deadline:     deadline(cfg),
			Predicate:    AllReported{},
			Resolve: func(t *Tally) Outcome {
				return Outcome{
					Event:   EventDone,
					Updates: map[string]any{state.KeyParticipants: t.Senders()},
				}
			},
		})
	},
}

// RandomnessKind agrees on one beacon value. An agreed empty value means the
// agents could not obtain randomness at all.
var RandomnessKind = Kind{
	Name:   "randomness",
	TxType: types.TxTypeRandomness,
	Events: []EventType{EventDone, EventNoMajority, EventRoundTimeout, EventFailed},
	New: func(cfg Config) Round {
		return NewBase(BaseConfig{
			ID:           cfg.ID,
			TxType:       types.TxTypeRandomness,
			Participants: cfg.View.Participants(),
			Deadline:     deadline(cfg),
			Predicate:    StrictMajority{},
			Resolve: func(t *Tally) Outcome {
				return majority(t, func(v string) Outcome {
					if v == "" {
						return Outcome{Event: EventFailed}
					}
					return Outcome{
						Event:   EventDone,
						Updates: map[string]any{state.KeyMostVotedRandomness: v},
					}
				})
			},
		})
	},
}

// SelectKeeperKind agrees on the keeper. Blacklisted agents are not
// eligible; an agreed empty keeper means nobody is left.
var SelectKeeperKind = Kind{
	Name:   "select_keeper",
	TxType: types.TxTypeSelectKeeper,
	Events: []EventType{EventDone, EventNoMajority, EventRoundTimeout, EventNoKeeper},
	New: func(cfg Config) Round {
		participants := cfg.View.Participants()
		blacklist := cfg.View.BlacklistedKeepers()

		return NewBase(BaseConfig{
			ID:           cfg.ID,
			TxType:       types.TxTypeSelectKeeper,
			Participants: participants,
			Deadline:     deadline(cfg),
			Predicate:    StrictMajority{},
			Check: func(p types.Payload) error {
				keeper := p.Value()
				if keeper == "" {
					return nil
				}
				if !participants.Contains(keeper) {
					return validationError("keeper %s is not a participant", keeper)
				}
				if blacklist.Contains(keeper) {
					return validationError("keeper %s is blacklisted", keeper)
				}
				return nil
			},
			Resolve: func(t *Tally) Outcome {
				return majority(t, func(v string) Outcome {
					if v == "" {
						return Outcome{Event: EventNoKeeper}
					}
					return Outcome{
						Event:   EventDone,
						Updates: map[string]any{state.KeyMostVotedKeeper: v},
					}
				})
			},
		})
	},
}

// FinalizationKind waits for the keeper alone. If the keeper does not show
// up before the deadline it is blacklisted and the keeper is cleared.
var FinalizationKind = Kind{
	Name:   "finalization",
	TxType: types.TxTypeFinalization,
	Events: []EventType{EventDone, EventRoundTimeout},
	New: func(cfg Config) Round {
		keeper := cfg.View.MostVotedKeeper()
		blacklist := cfg.View.BlacklistedKeepers()

		return NewBase(BaseConfig{
			ID:           cfg.ID,
			TxType:       types.TxTypeFinalization,
			Participants: cfg.View.Participants(),
			Deadline:     deadline(cfg),
			Predicate:    OnlyKeeper{Keeper: keeper},
			Check: func(p types.Payload) error {
				if p.Sender() != keeper {
					return validationError("%s is not the keeper", p.Sender())
				}
				return nil
			},
			Resolve: func(t *Tally) Outcome {
				p, _ := t.Payload(keeper)
				return Outcome{
					Event:   EventDone,
					Updates: map[string]any{state.KeyFinalDigest: p.Value()},
				}
			},
			Timeout: func(*Tally) Outcome {
				updates := map[string]any{state.KeyMostVotedKeeper: nil}
				if keeper != "" {
					updates[state.KeyBlacklistedKeepers] = blacklist.With(keeper)
				}
				return Outcome{Event: EventRoundTimeout, Updates: updates}
			},
		})
	},
}

// ResetAndPauseKind agrees on the next period count.
var ResetAndPauseKind = Kind{
	Name:   "reset_and_pause",
	TxType: types.TxTypeReset,
	Events: []EventType{EventDone, EventNoMajority, EventRoundTimeout},
	New: func(cfg Config) Round {
		next := cfg.View.PeriodCount() + 1

		return NewBase(BaseConfig{
			ID:           cfg.ID,
			TxType:       types.TxTypeReset,
			Participants: cfg.View.Participants(),
			Deadline:     deadline(cfg),
			Predicate:    StrictMajority{},
			Check: func(p types.Payload) error {
				if p.Value() != strconv.FormatInt(next, 10) {
					return validationError("expected period count %d, got %s", next, p.Value())
				}
				return nil
			},
			Resolve: func(t *Tally) Outcome {
				return majority(t, func(string) Outcome {
					return Outcome{
						Event:   EventDone,
						Updates: map[string]any{state.KeyPeriodCount: next},
					}
				})
			},
		})
	},
}

func deadline(cfg Config) time.Time {
	return cfg.Start.Add(cfg.Params.Timeout)
}

func majority(t *Tally, done func(value string) Outcome) Outcome {
	if !(StrictMajority{}).Reached(t) {
		return Outcome{Event: EventNoMajority}
	}
	v, _ := t.MostVoted()
	return done(v)
}
