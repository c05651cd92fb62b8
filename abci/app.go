// Package abci connects the replicated FSM to a CometBFT consensus backend.
// App is the ABCI 2.0 application every agent runs: it feeds ordered
// payload transactions to the active round and applies round transitions
// on commit.
package abci

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/consensus/fsm"
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
	"github.com/ahwlsqja/autonomy-abci/consensus/state"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/metrics"
	"github.com/ahwlsqja/autonomy-abci/persistence"
	"github.com/ahwlsqja/autonomy-abci/types"
)

// Result codes of CheckTx, FinalizeBlock tx results and Query.
const (
	CodeOK              uint32 = 0
	CodeDecodeError     uint32 = 1
	CodeValidationError uint32 = 2
	CodeDuplicate       uint32 = 3
	CodeNotFound        uint32 = 4
	CodeUnknownPath     uint32 = 5
)

const (
	// Version is reported by Info.
	Version = "0.1.0"
	// AppVersion is the protocol version of the application.
	AppVersion uint64 = 1
)

// View is an immutable picture of the app after a commit. Readers get it
// from App.View without taking any lock.
type View struct {
	Height      int64
	BlockHash   []byte
	BlockTime   time.Time
	AppHash     []byte
	RoundID     string
	RoundHeight int64
	// RoundStartHeight and RoundStartHash identify the committed block that
	// started the active round. Zero before the first block.
	RoundStartHeight int64
	RoundStartHash   []byte
	Snapshot         *state.Snapshot
}

// PeriodCount returns the current period.
func (v *View) PeriodCount() int64 {
	return v.Snapshot.PeriodCount()
}

// pendingBlock - FinalizeBlock에서 준비되고 Commit에서 적용되는 블록
type pendingBlock struct {
	height     int64
	hash       []byte
	time       time.Time
	appHash    []byte
	transition *fsm.Transition
	outcome    round.Outcome
}

// Options are the optional collaborators of an App.
type Options struct {
	Logger  log.Logger
	Metrics *metrics.Metrics
	Store   persistence.Store
}

// App implements abcitypes.Application.
type App struct {
	abcitypes.BaseApplication

	mu sync.Mutex

	fsm     *fsm.AbciApp
	state   *state.PeriodState
	logger  log.Logger
	metrics *metrics.Metrics
	store   persistence.Store

	// Active round
	current     round.Round
	roundID     string
	roundHeight int64
	roundStart  time.Time
	startBlock  ledger.Block

	// Last committed block
	height    int64
	blockHash []byte
	appHash   []byte

	pending *pendingBlock

	view atomic.Pointer[View]
}

var _ abcitypes.Application = (*App)(nil)

// NewApp creates an application running app. The app must be closed.
func NewApp(app *fsm.AbciApp, opts Options) (*App, error) {
	if err := app.Validate(); err != nil {
		return nil, err
	}
	if err := app.CheckClosed(); err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics("", nil)
	}

	a := &App{
		fsm:     app,
		state:   state.NewPeriodState(),
		logger:  opts.Logger.With("module", "abci-app"),
		metrics: opts.Metrics,
		store:   opts.Store,
		roundID: app.InitialRound(),
	}
	a.appHash = a.state.Current().Hash()
	a.publish(time.Time{})
	return a, nil
}

// View returns the state as of the last commit.
func (app *App) View() *View {
	return app.view.Load()
}

// FSM returns the graph the app runs.
func (app *App) FSM() *fsm.AbciApp {
	return app.fsm
}

// ================================================================================
//                          ABCI 2.0
// ================================================================================

// Info - 마지막 커밋 높이와 앱 해시
func (app *App) Info(_ context.Context, _ *abcitypes.RequestInfo) (*abcitypes.ResponseInfo, error) {
	v := app.View()
	return &abcitypes.ResponseInfo{
		Data:             app.fsm.Name(),
		Version:          Version,
		AppVersion:       AppVersion,
		LastBlockHeight:  v.Height,
		LastBlockAppHash: v.AppHash,
	}, nil
}

// InitChain - 초기 라운드를 제네시스 시간 기준으로 시작
func (app *App) InitChain(_ context.Context, req *abcitypes.RequestInitChain) (*abcitypes.ResponseInitChain, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.current == nil {
		if err := app.startRound(app.fsm.InitialRound(), req.Time, ledger.Block{}); err != nil {
			return nil, err
		}
	}
	app.publish(req.Time)

	app.logger.Info("chain initialized", "chain_id", req.ChainId, "initial_round", app.roundID)
	return &abcitypes.ResponseInitChain{AppHash: app.appHash}, nil
}

// CheckTx - 멤풀 진입 전 서명과 payload 스키마 검증
func (app *App) CheckTx(_ context.Context, req *abcitypes.RequestCheckTx) (*abcitypes.ResponseCheckTx, error) {
	if _, _, err := types.DecodeTransaction(req.Tx); err != nil {
		return &abcitypes.ResponseCheckTx{Code: CodeDecodeError, Log: err.Error()}, nil
	}
	return &abcitypes.ResponseCheckTx{Code: CodeOK}, nil
}

// FinalizeBlock delivers the block's transactions to the active round in
// order and stages the transition the round produced. Nothing is applied
// to the Period State until Commit.
func (app *App) FinalizeBlock(_ context.Context, req *abcitypes.RequestFinalizeBlock) (*abcitypes.ResponseFinalizeBlock, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.current == nil {
		if err := app.startRound(app.fsm.InitialRound(), req.Time, app.lastBlock()); err != nil {
			return nil, err
		}
	}

	results := make([]*abcitypes.ExecTxResult, len(req.Txs))
	for i, tx := range req.Txs {
		results[i] = app.deliverTx(tx)
	}

	pending := &pendingBlock{height: req.Height, hash: req.Hash, time: req.Time}

	var outcome *round.Outcome
	switch {
	case app.current.IsComplete():
		out, err := app.current.ResolveEvent()
		if err != nil {
			return nil, err
		}
		outcome = &out
	case !req.Time.Before(app.current.Deadline()):
		out := app.current.OnTimeout()
		app.logger.Info("round deadline elapsed", "err", round.TimeoutError(app.roundID, app.roundHeight))
		outcome = &out
	}

	var events []abcitypes.Event
	if outcome != nil {
		tr, err := app.fsm.Next(app.roundID, outcome.Event)
		if err != nil {
			app.logger.Error("no transition for round event", "round", app.roundID, "event", outcome.Event, "err", err)
			return nil, err
		}
		pending.transition = &tr
		pending.outcome = *outcome
		events = append(events, transitionEvent(tr))
	}

	pending.appHash = app.stagedHash(pending)
	app.pending = pending

	return &abcitypes.ResponseFinalizeBlock{
		TxResults: results,
		Events:    events,
		AppHash:   pending.appHash,
	}, nil
}

// Commit applies the staged transition: the Period State is extended, or
// a new period started on reset edges, and the next round is instantiated.
func (app *App) Commit(_ context.Context, _ *abcitypes.RequestCommit) (*abcitypes.ResponseCommit, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	p := app.pending
	if p == nil {
		return &abcitypes.ResponseCommit{}, nil
	}
	app.pending = nil

	if p.transition != nil {
		if err := app.applyTransition(p); err != nil {
			app.logger.Error("failed to apply transition", "err", err)
			return nil, err
		}
	}

	app.height = p.height
	app.blockHash = p.hash
	app.appHash = p.appHash
	app.publish(p.time)
	app.metrics.SetBlockHeight(p.height)

	if app.store != nil {
		if err := app.store.SaveState(&persistence.AppState{
			Height:        app.height,
			AppHash:       app.appHash,
			LastBlockHash: app.blockHash,
			RoundID:       app.roundID,
			RoundHeight:   app.roundHeight,
			PeriodCount:   app.state.Current().PeriodCount(),
		}); err != nil {
			app.logger.Error("failed to save app state", "err", err)
		}
	}

	return &abcitypes.ResponseCommit{}, nil
}

// ================================================================================
//                          Query
// ================================================================================

// RoundInfo is the body of a /round query.
type RoundInfo struct {
	Height      int64  `json:"height"`
	RoundID     string `json:"round_id"`
	RoundHeight int64  `json:"round_height"`
	PeriodCount int64  `json:"period_count"`
}

// Query serves /state/<key>, /round and /fsm.
func (app *App) Query(_ context.Context, req *abcitypes.RequestQuery) (*abcitypes.ResponseQuery, error) {
	v := app.View()

	switch {
	case strings.HasPrefix(req.Path, "/state/"):
		key := strings.TrimPrefix(req.Path, "/state/")
		val, ok := v.Snapshot.Lookup(key)
		if !ok {
			return &abcitypes.ResponseQuery{Code: CodeNotFound, Key: []byte(key), Log: "key not found", Height: v.Height}, nil
		}
		return &abcitypes.ResponseQuery{Key: []byte(key), Value: []byte(state.EncodeValue(val)), Height: v.Height}, nil

	case req.Path == "/round":
		data, err := json.Marshal(RoundInfo{
			Height:      v.Height,
			RoundID:     v.RoundID,
			RoundHeight: v.RoundHeight,
			PeriodCount: v.PeriodCount(),
		})
		if err != nil {
			return nil, err
		}
		return &abcitypes.ResponseQuery{Value: data, Height: v.Height}, nil

	case req.Path == "/fsm":
		data, err := app.fsm.Spec().Marshal()
		if err != nil {
			return nil, err
		}
		return &abcitypes.ResponseQuery{Value: data, Height: v.Height}, nil

	default:
		return &abcitypes.ResponseQuery{Code: CodeUnknownPath, Log: fmt.Sprintf("unknown path %q", req.Path)}, nil
	}
}

// ================================================================================
//                          internal
// ================================================================================

func (app *App) deliverTx(raw []byte) *abcitypes.ExecTxResult {
	_, p, err := types.DecodeTransaction(raw)
	if err != nil {
		app.metrics.PayloadRejected("decode")
		return &abcitypes.ExecTxResult{Code: CodeDecodeError, Log: err.Error()}
	}

	if err := app.current.Accept(p); err != nil {
		code, reason := CodeValidationError, "validation"
		if errors.Is(err, round.ErrDuplicate) {
			code, reason = CodeDuplicate, "duplicate"
		}
		app.logger.Debug("payload dropped", "round", app.roundID, "sender", p.Sender(), "err", err)
		app.metrics.PayloadRejected(reason)
		return &abcitypes.ExecTxResult{Code: code, Log: err.Error()}
	}

	app.metrics.PayloadAccepted(string(p.TxType()))
	return &abcitypes.ExecTxResult{Code: CodeOK}
}

func (app *App) applyTransition(p *pendingBlock) error {
	tr := *p.transition
	updates := p.outcome.Updates

	var err error
	if tr.Reset {
		merged := make(map[string]any, len(updates)+1)
		for k, v := range updates {
			merged[k] = v
		}
		if _, ok := merged[state.KeyPeriodCount]; !ok {
			merged[state.KeyPeriodCount] = app.state.Current().PeriodCount() + 1
		}
		_, err = app.state.NewPeriod(state.CrossPeriodKeys, merged)
	} else if len(updates) > 0 {
		_, err = app.state.Extend(updates)
	}
	if err != nil {
		return fmt.Errorf("transition (%s, %s) -> %s: %w", tr.From, tr.Event, tr.To, err)
	}

	app.metrics.RoundEnded(tr.From, string(tr.Event), p.time.Sub(app.roundStart))
	if err := app.startRound(tr.To, p.time, ledger.Block{Height: p.height, Hash: p.hash}); err != nil {
		return err
	}

	app.logger.Info("round transition",
		"height", p.height,
		"from", tr.From,
		"event", tr.Event,
		"to", tr.To,
		"reset", tr.Reset,
		"round_height", app.roundHeight,
		"period_snapshots", app.state.Len()-app.state.Anchor(),
	)

	if app.store != nil {
		if err := app.store.SaveTransition(&persistence.TransitionRecord{
			Height:      p.height,
			RoundHeight: app.roundHeight,
			From:        tr.From,
			Event:       string(tr.Event),
			To:          tr.To,
			Reset:       tr.Reset,
			AppHash:     p.appHash,
		}); err != nil {
			app.logger.Error("failed to save transition", "err", err)
		}
	}
	return nil
}

// startRound instantiates round id. block is the committed block whose
// commit started it.
func (app *App) startRound(id string, start time.Time, block ledger.Block) error {
	r, err := app.fsm.NewRound(id, app.state.Current(), start)
	if err != nil {
		return err
	}
	if app.current != nil {
		app.roundHeight++
	}
	app.current = r
	app.roundID = id
	app.roundStart = start
	app.startBlock = block

	app.metrics.SetRoundHeight(app.roundHeight)
	app.metrics.SetPeriodCount(app.state.Current().PeriodCount())
	return nil
}

func (app *App) lastBlock() ledger.Block {
	return ledger.Block{Height: app.height, Hash: app.blockHash}
}

func (app *App) publish(blockTime time.Time) {
	app.view.Store(&View{
		Height:           app.height,
		BlockHash:        app.blockHash,
		BlockTime:        blockTime,
		AppHash:          app.appHash,
		RoundID:          app.roundID,
		RoundHeight:      app.roundHeight,
		RoundStartHeight: app.startBlock.Height,
		RoundStartHash:   app.startBlock.Hash,
		Snapshot:         app.state.Current(),
	})
}

// stagedHash commits to the current state, the active round and the
// staged transition with its updates.
func (app *App) stagedHash(p *pendingBlock) []byte {
	heightBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBytes, uint64(app.roundHeight))

	leaves := [][]byte{
		app.state.Current().Hash(),
		crypto.Hash([]byte(app.roundID)),
		crypto.Hash(heightBytes),
	}
	if p.transition != nil {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s|%s|%s|%t", p.transition.From, p.transition.Event, p.transition.To, p.transition.Reset)
		keys := make([]string, 0, len(p.outcome.Updates))
		for k := range p.outcome.Updates {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "|%s=%s", k, state.EncodeValue(p.outcome.Updates[k]))
		}
		leaves = append(leaves, crypto.Hash([]byte(sb.String())))
	}
	return crypto.MerkleRoot(leaves)
}

func transitionEvent(tr fsm.Transition) abcitypes.Event {
	return abcitypes.Event{
		Type: "round_transition",
		Attributes: []abcitypes.EventAttribute{
			{Key: "from", Value: tr.From, Index: true},
			{Key: "event", Value: string(tr.Event), Index: true},
			{Key: "to", Value: tr.To, Index: true},
			{Key: "reset", Value: fmt.Sprintf("%t", tr.Reset)},
		},
	}
}
