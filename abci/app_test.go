package abci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"

	"github.com/ahwlsqja/autonomy-abci/consensus/fsm"
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
	"github.com/ahwlsqja/autonomy-abci/consensus/state"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/keeper"
	"github.com/ahwlsqja/autonomy-abci/persistence"
	"github.com/ahwlsqja/autonomy-abci/types"
)

const drandRandomness = "f6be4bf1fa229f22340c1a5b258f809ac4af558200775a67dacb05f0cb258a11"

var genesis = time.Unix(1700000000, 0)

type testAgents struct {
	signers      []*crypto.DefaultSigner
	participants types.ParticipantSet
}

func newTestAgents(t *testing.T, n int) *testAgents {
	t.Helper()
	ta := &testAgents{}
	var addrs []string
	for i := 0; i < n; i++ {
		s, err := crypto.NewDefaultSigner()
		if err != nil {
			t.Fatalf("NewDefaultSigner failed: %v", err)
		}
		ta.signers = append(ta.signers, s)
		addrs = append(addrs, s.Address())
	}
	ta.participants = types.NewParticipantSet(addrs...)
	return ta
}

func (ta *testAgents) tx(t *testing.T, i int, build func(sender string) types.Payload) []byte {
	t.Helper()
	s := ta.signers[i]
	tx, err := types.NewTransaction(build(s.Address()), s)
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	data, err := tx.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func newTestApp(t *testing.T, ta *testAgents, store persistence.Store) *App {
	t.Helper()
	graph, err := fsm.NewCommonApp(round.Params{Participants: ta.participants, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewCommonApp failed: %v", err)
	}
	app, err := NewApp(graph, Options{Store: store})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	if _, err := app.InitChain(context.Background(), &abcitypes.RequestInitChain{Time: genesis, ChainId: "test"}); err != nil {
		t.Fatalf("InitChain failed: %v", err)
	}
	return app
}

func finalize(t *testing.T, app *App, height int64, at time.Time, txs ...[]byte) *abcitypes.ResponseFinalizeBlock {
	t.Helper()
	resp, err := app.FinalizeBlock(context.Background(), &abcitypes.RequestFinalizeBlock{
		Txs:    txs,
		Height: height,
		Time:   at,
		Hash:   crypto.Hash([]byte{byte(height)}),
	})
	if err != nil {
		t.Fatalf("FinalizeBlock %d failed: %v", height, err)
	}
	return resp
}

func commit(t *testing.T, app *App) {
	t.Helper()
	if _, err := app.Commit(context.Background(), &abcitypes.RequestCommit{}); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
}

func registerAll(t *testing.T, app *App, ta *testAgents) {
	t.Helper()
	var txs [][]byte
	for i := range ta.signers {
		txs = append(txs, ta.tx(t, i, func(s string) types.Payload { return types.NewRegistrationPayload(s) }))
	}
	finalize(t, app, 1, genesis.Add(time.Second), txs...)
	commit(t, app)
}

func TestTransitionAppliedOnlyOnCommit(t *testing.T) {
	ta := newTestAgents(t, 3)
	app := newTestApp(t, ta, nil)

	var txs [][]byte
	for i := range ta.signers {
		txs = append(txs, ta.tx(t, i, func(s string) types.Payload { return types.NewRegistrationPayload(s) }))
	}
	resp := finalize(t, app, 1, genesis.Add(time.Second), txs...)

	for i, r := range resp.TxResults {
		if r.Code != CodeOK {
			t.Errorf("tx %d: expected code 0, got %d (%s)", i, r.Code, r.Log)
		}
	}
	if len(resp.Events) != 1 || resp.Events[0].Type != "round_transition" {
		t.Errorf("expected one round_transition event, got %v", resp.Events)
	}

	// Commit 전에는 상태가 바뀌지 않는다
	if v := app.View(); v.RoundID != fsm.RoundRegistration || v.Snapshot.Participants().Size() != 0 {
		t.Fatalf("state changed before commit: round %s participants %v", v.RoundID, v.Snapshot.Participants())
	}

	commit(t, app)

	v := app.View()
	if v.RoundID != fsm.RoundRandomness || v.RoundHeight != 1 || v.Height != 1 {
		t.Errorf("unexpected view after commit: %+v", v)
	}
	if !v.Snapshot.Participants().Equal(ta.participants) {
		t.Errorf("expected participants %v, got %v", ta.participants, v.Snapshot.Participants())
	}
}

func TestTxResultCodes(t *testing.T) {
	ta := newTestAgents(t, 3)
	app := newTestApp(t, ta, nil)
	registerAll(t, app, ta)

	valid := ta.tx(t, 0, func(s string) types.Payload { return types.NewRandomnessPayload(s, 1, drandRandomness) })
	duplicate := ta.tx(t, 0, func(s string) types.Payload { return types.NewRandomnessPayload(s, 1, drandRandomness) })
	wrongType := ta.tx(t, 1, func(s string) types.Payload { return types.NewSelectKeeperPayload(s, s) })

	resp := finalize(t, app, 2, genesis.Add(2*time.Second), valid, duplicate, wrongType, []byte("garbage"))

	expected := []uint32{CodeOK, CodeDuplicate, CodeValidationError, CodeDecodeError}
	for i, code := range expected {
		if resp.TxResults[i].Code != code {
			t.Errorf("tx %d: expected code %d, got %d", i, code, resp.TxResults[i].Code)
		}
	}
	commit(t, app)

	if v := app.View(); v.RoundID != fsm.RoundRandomness || v.RoundHeight != 1 {
		t.Errorf("one payload must not advance the round, got %s/%d", v.RoundID, v.RoundHeight)
	}
}

func TestRoundTimeoutUsesBlockTime(t *testing.T) {
	ta := newTestAgents(t, 3)
	app := newTestApp(t, ta, nil)
	registerAll(t, app, ta)

	tx := ta.tx(t, 0, func(s string) types.Payload { return types.NewRandomnessPayload(s, 1, drandRandomness) })
	finalize(t, app, 2, genesis.Add(5*time.Second), tx)
	commit(t, app)
	if app.View().RoundHeight != 1 {
		t.Fatal("round advanced before deadline")
	}

	// randomness 라운드는 height 1 블록 시간(genesis+1s)에 시작, 마감은 +30s
	resp := finalize(t, app, 3, genesis.Add(31*time.Second))
	if len(resp.Events) != 1 {
		t.Fatalf("expected timeout transition event, got %v", resp.Events)
	}
	commit(t, app)

	v := app.View()
	if v.RoundID != fsm.RoundRandomness || v.RoundHeight != 2 {
		t.Errorf("expected randomness retried at height 2, got %s/%d", v.RoundID, v.RoundHeight)
	}
	if v.Snapshot.MostVotedRandomness() != "" {
		t.Error("timeout must not write randomness")
	}
}

func TestQuery(t *testing.T) {
	ta := newTestAgents(t, 3)
	app := newTestApp(t, ta, nil)
	registerAll(t, app, ta)
	ctx := context.Background()

	resp, _ := app.Query(ctx, &abcitypes.RequestQuery{Path: "/state/" + state.KeyParticipants})
	if resp.Code != CodeOK || !strings.HasPrefix(string(resp.Value), "p:") {
		t.Errorf("unexpected state query result %d %q", resp.Code, resp.Value)
	}

	resp, _ = app.Query(ctx, &abcitypes.RequestQuery{Path: "/state/" + state.KeyMostVotedKeeper})
	if resp.Code != CodeNotFound {
		t.Errorf("expected CodeNotFound, got %d", resp.Code)
	}

	resp, _ = app.Query(ctx, &abcitypes.RequestQuery{Path: "/round"})
	var info RoundInfo
	if err := json.Unmarshal(resp.Value, &info); err != nil {
		t.Fatalf("bad /round body: %v", err)
	}
	if info.RoundID != fsm.RoundRandomness || info.Height != 1 {
		t.Errorf("unexpected round info %+v", info)
	}

	resp, _ = app.Query(ctx, &abcitypes.RequestQuery{Path: "/fsm"})
	if err := fsm.CheckSpec(app.FSM(), resp.Value); err != nil {
		t.Errorf("/fsm does not describe the app: %v", err)
	}

	resp, _ = app.Query(ctx, &abcitypes.RequestQuery{Path: "/nope"})
	if resp.Code != CodeUnknownPath {
		t.Errorf("expected CodeUnknownPath, got %d", resp.Code)
	}
}

func TestCheckTx(t *testing.T) {
	ta := newTestAgents(t, 1)
	app := newTestApp(t, ta, nil)
	ctx := context.Background()

	resp, _ := app.CheckTx(ctx, &abcitypes.RequestCheckTx{Tx: ta.tx(t, 0, func(s string) types.Payload {
		return types.NewRegistrationPayload(s)
	})})
	if resp.Code != CodeOK {
		t.Errorf("expected code 0, got %d (%s)", resp.Code, resp.Log)
	}

	resp, _ = app.CheckTx(ctx, &abcitypes.RequestCheckTx{Tx: []byte("{}")})
	if resp.Code != CodeDecodeError {
		t.Errorf("expected decode error, got %d", resp.Code)
	}
}

func TestTransitionsArePersisted(t *testing.T) {
	ta := newTestAgents(t, 3)
	store := persistence.NewMemoryStore()
	app := newTestApp(t, ta, store)
	registerAll(t, app, ta)

	rec, err := store.LatestTransition()
	if err != nil || rec == nil {
		t.Fatalf("expected a stored transition, got %v %v", rec, err)
	}
	if rec.From != fsm.RoundRegistration || rec.To != fsm.RoundRandomness || rec.Height != 1 {
		t.Errorf("unexpected record %+v", rec)
	}

	st, _ := store.LoadState()
	if st == nil || st.RoundID != fsm.RoundRandomness {
		t.Errorf("unexpected app state %+v", st)
	}

	if v := app.View(); v.Height != 1 || len(v.BlockHash) == 0 {
		t.Errorf("unexpected committed block %d %x", v.Height, v.BlockHash)
	}
}

func TestRoundStartBlock(t *testing.T) {
	ta := newTestAgents(t, 3)
	app := newTestApp(t, ta, nil)

	if v := app.View(); v.RoundStartHeight != 0 || v.RoundStartHash != nil {
		t.Errorf("expected no start block before the first commit, got %d %x", v.RoundStartHeight, v.RoundStartHash)
	}

	registerAll(t, app, ta)
	v := app.View()
	if v.RoundStartHeight != 1 || !bytes.Equal(v.RoundStartHash, crypto.Hash([]byte{1})) {
		t.Fatalf("expected randomness started by block 1, got %d %x", v.RoundStartHeight, v.RoundStartHash)
	}

	// 라운드가 끝나지 않은 블록은 시작 블록을 바꾸지 않는다
	tx := ta.tx(t, 0, func(s string) types.Payload { return types.NewRandomnessPayload(s, 1, drandRandomness) })
	finalize(t, app, 2, genesis.Add(2*time.Second), tx)
	commit(t, app)

	v = app.View()
	if v.Height != 2 || v.RoundStartHeight != 1 || !bytes.Equal(v.RoundStartHash, crypto.Hash([]byte{1})) {
		t.Errorf("start block moved without a transition: height %d start %d", v.Height, v.RoundStartHeight)
	}
}

func voteAll(t *testing.T, ta *testAgents, build func(sender string) types.Payload) [][]byte {
	t.Helper()
	var txs [][]byte
	for i := range ta.signers {
		txs = append(txs, ta.tx(t, i, build))
	}
	return txs
}

func TestKeeperReElection(t *testing.T) {
	ta := newTestAgents(t, 3)
	app := newTestApp(t, ta, nil)
	registerAll(t, app, ta)

	finalize(t, app, 2, genesis.Add(2*time.Second), voteAll(t, ta, func(s string) types.Payload {
		return types.NewRandomnessPayload(s, 1, drandRandomness)
	})...)
	commit(t, app)
	if v := app.View(); v.RoundID != fsm.RoundSelectKeeperA {
		t.Fatalf("expected %s, got %s", fsm.RoundSelectKeeperA, v.RoundID)
	}

	height := int64(2)
	at := genesis.Add(2 * time.Second)
	var keepers []string

	for len(keepers) < ta.participants.Size() {
		snap := app.View().Snapshot
		k, err := keeper.Select(snap.Participants(), snap.MostVotedRandomness(), snap.BlacklistedKeepers(), snap.MostVotedKeeper())
		if err != nil {
			t.Fatalf("Select failed with %d keepers blacklisted: %v", len(keepers), err)
		}

		height++
		at = at.Add(time.Second)
		finalize(t, app, height, at, voteAll(t, ta, func(s string) types.Payload {
			return types.NewSelectKeeperPayload(s, k)
		})...)
		commit(t, app)

		v := app.View()
		if v.RoundID != fsm.RoundFinalization || v.Snapshot.MostVotedKeeper() != k {
			t.Fatalf("expected finalization with keeper %s, got %s with %q", k, v.RoundID, v.Snapshot.MostVotedKeeper())
		}
		keepers = append(keepers, k)

		// 키퍼가 나타나지 않으면 마감 후 블랙리스트
		height++
		at = at.Add(31 * time.Second)
		finalize(t, app, height, at)
		commit(t, app)

		v = app.View()
		if v.RoundID != fsm.RoundSelectKeeperB {
			t.Fatalf("expected %s after the keeper timed out, got %s", fsm.RoundSelectKeeperB, v.RoundID)
		}
		if v.Snapshot.MostVotedKeeper() != "" {
			t.Errorf("expected the keeper cleared, got %s", v.Snapshot.MostVotedKeeper())
		}
		if !v.Snapshot.BlacklistedKeepers().Contains(k) {
			t.Errorf("expected %s blacklisted", k)
		}
	}

	seen := types.NewParticipantSet(keepers...)
	if !seen.Equal(ta.participants) {
		t.Errorf("expected every participant elected once, got %v", keepers)
	}

	// 후보가 남지 않으면 빈 키퍼로 합의하고 reset_and_pause로 간다
	snap := app.View().Snapshot
	if _, err := keeper.Select(snap.Participants(), snap.MostVotedRandomness(), snap.BlacklistedKeepers(), ""); !errors.Is(err, keeper.ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	height++
	at = at.Add(time.Second)
	resp := finalize(t, app, height, at, voteAll(t, ta, func(s string) types.Payload {
		return types.NewSelectKeeperPayload(s, "")
	})...)
	for i, r := range resp.TxResults {
		if r.Code != CodeOK {
			t.Errorf("empty keeper vote %d rejected: %s", i, r.Log)
		}
	}
	commit(t, app)

	v := app.View()
	if v.RoundID != fsm.RoundResetAndPause {
		t.Fatalf("expected %s, got %s", fsm.RoundResetAndPause, v.RoundID)
	}
	if got := v.Snapshot.BlacklistedKeepers().Size(); got != 3 {
		t.Errorf("expected 3 blacklisted keepers, got %d", got)
	}
}
