package fsm

import (
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
)

// Round ids of the common app.
const (
	RoundRegistration  = "registration"
	RoundRandomness    = "randomness"
	RoundSelectKeeperA = "select_keeper_a"
	RoundFinalization  = "finalization"
	RoundSelectKeeperB = "select_keeper_b"
	RoundResetAndPause = "reset_and_pause"
)

// Final states of the common sub-graphs.
const (
	FinishedRegistration = "finished_registration"
	FinishedKeeper       = "finished_keeper"
	FailedKeeper         = "failed_keeper"
	FinishedReset        = "finished_reset"
	RestartRegistration  = "restart_registration"
)

// CommonAppName is the name of the app built by NewCommonApp.
const CommonAppName = "common_app"

// NewRegistrationApp collects the participant set once.
func NewRegistrationApp() (*AbciApp, error) {
	return NewBuilder("registration_app").
		Round(RoundRegistration, round.RegistrationKind).
		Final(FinishedRegistration).
		Edge(RoundRegistration, round.EventDone, FinishedRegistration).
		Edge(RoundRegistration, round.EventRoundTimeout, RoundRegistration).
		Build()
}

// NewKeeperApp agrees on randomness, elects a keeper and waits for it to
// finalize. A keeper that times out is blacklisted and re-elected.
func NewKeeperApp() (*AbciApp, error) {
	return NewBuilder("keeper_app").
		Round(RoundRandomness, round.RandomnessKind).
		Round(RoundSelectKeeperA, round.SelectKeeperKind).
		Round(RoundFinalization, round.FinalizationKind).
		Round(RoundSelectKeeperB, round.SelectKeeperKind).
		Final(FinishedKeeper).
		Final(FailedKeeper).
		Edge(RoundRandomness, round.EventDone, RoundSelectKeeperA).
		Edge(RoundRandomness, round.EventNoMajority, RoundRandomness).
		Edge(RoundRandomness, round.EventRoundTimeout, RoundRandomness).
		Edge(RoundRandomness, round.EventFailed, FailedKeeper).
		Edge(RoundSelectKeeperA, round.EventDone, RoundFinalization).
		Edge(RoundSelectKeeperA, round.EventNoMajority, RoundRandomness).
		Edge(RoundSelectKeeperA, round.EventRoundTimeout, RoundRandomness).
		Edge(RoundSelectKeeperA, round.EventNoKeeper, FailedKeeper).
		Edge(RoundFinalization, round.EventDone, FinishedKeeper).
		Edge(RoundFinalization, round.EventRoundTimeout, RoundSelectKeeperB).
		Edge(RoundSelectKeeperB, round.EventDone, RoundFinalization).
		Edge(RoundSelectKeeperB, round.EventNoMajority, RoundSelectKeeperB).
		Edge(RoundSelectKeeperB, round.EventRoundTimeout, RoundSelectKeeperB).
		Edge(RoundSelectKeeperB, round.EventNoKeeper, FailedKeeper).
		Build()
}

// NewResetApp closes a period.
func NewResetApp() (*AbciApp, error) {
	return NewBuilder("reset_app").
		Round(RoundResetAndPause, round.ResetAndPauseKind).
		Final(FinishedReset).
		Final(RestartRegistration).
		Edge(RoundResetAndPause, round.EventDone, FinishedReset).
		Edge(RoundResetAndPause, round.EventNoMajority, RestartRegistration).
		Edge(RoundResetAndPause, round.EventRoundTimeout, RestartRegistration).
		Build()
}

// NewCommonApp chains registration, keeper and reset into one closed graph.
func NewCommonApp(params round.Params) (*AbciApp, error) {
	registration, err := NewRegistrationApp()
	if err != nil {
		return nil, err
	}
	keeper, err := NewKeeperApp()
	if err != nil {
		return nil, err
	}
	reset, err := NewResetApp()
	if err != nil {
		return nil, err
	}

	app, err := Chain(CommonAppName, []*AbciApp{registration, keeper, reset}, []Link{
		{From: FinishedRegistration, To: RoundRandomness},
		{From: FinishedKeeper, To: RoundResetAndPause},
		{From: FailedKeeper, To: RoundResetAndPause},
		{From: FinishedReset, To: RoundRandomness, Reset: true},
		{From: RestartRegistration, To: RoundRegistration, Reset: true},
	})
	if err != nil {
		return nil, err
	}
	if err := app.CheckClosed(); err != nil {
		return nil, err
	}
	return app.WithParams(params), nil
}
