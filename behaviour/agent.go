package behaviour

import (
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/consensus/fsm"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/metrics"
)

// AgentConfig configures the behaviours of the common app.
type AgentConfig struct {
	Beacon     RandomnessSource
	Ledger     ledger.API // randomness fallback, optional
	Retry      RetryConfig
	KeeperTask KeeperTask // defaults to DigestTask
	ResetPause time.Duration
}

// NewCommonAgent returns a scheduler with a behaviour for every round of
// the common app. Both keeper selection rounds share one behaviour.
func NewCommonAgent(reader StateReader, signer crypto.Signer, submitter Submitter, cfg AgentConfig, logger log.Logger, m *metrics.Metrics) *Scheduler {
	logger = logger.With("agent", signer.Address())
	s := NewScheduler(reader, logger, m)

	rb := func(name string, p Producer) *RoundBehaviour {
		return NewRoundBehaviour(name, p, signer, submitter, logger, m)
	}

	selectKeeper := rb("select_keeper", SelectKeeperProducer{logger: logger})

	s.Register(fsm.RoundRegistration, rb(fsm.RoundRegistration, RegistrationProducer{}))
	s.Register(fsm.RoundRandomness, rb(fsm.RoundRandomness,
		NewRandomnessProducer(cfg.Beacon, cfg.Ledger, cfg.Retry, logger, m)))
	s.Register(fsm.RoundSelectKeeperA, selectKeeper)
	s.Register(fsm.RoundSelectKeeperB, selectKeeper)
	s.Register(fsm.RoundFinalization, rb(fsm.RoundFinalization,
		NewFinalizationProducer(cfg.KeeperTask, cfg.Retry, logger, m)))
	s.Register(fsm.RoundResetAndPause, rb(fsm.RoundResetAndPause, NewResetProducer(cfg.ResetPause)))

	return s
}
