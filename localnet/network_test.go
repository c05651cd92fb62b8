package localnet

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/abci"
	"github.com/ahwlsqja/autonomy-abci/behaviour"
	"github.com/ahwlsqja/autonomy-abci/consensus/fsm"
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/keeper"
	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/randomness"
	"github.com/ahwlsqja/autonomy-abci/types"
)

var drandValue = randomness.Value{
	Round:             1416669,
	Randomness:        "f6be4bf1fa229f22340c1a5b258f809ac4af558200775a67dacb05f0cb258a11",
	Signature:         "b44d00516f46da3a503f9559a634869b6dc2e5d839e46ec61a090e3032172954929a5d9bd7197d7739fe55db770543c71182562bd0ad20922eb4fe6b8a1062ed21df3b68de44694eb4f20b35262fa9d63aa80ad3f6172dd4d33a663f21179604",
	PreviousSignature: "903c60a4b937a804001032499a855025573040cb86017c38e2b1c3725286756ce8f3361188789c17336beaf3f9dbf84b0ad3c86add187987a9a0685bc5a303e37b008fba8c44f02a416480dd117a3ff8b8075b1b7362c58af195573623187463",
}

var genesis = time.Unix(1700000000, 0).UTC()

type testNet struct {
	net     *Network
	signers []*crypto.DefaultSigner
	agents  []*behaviour.Scheduler
}

func newTestNet(t *testing.T, n int, beaconURL string) *testNet {
	t.Helper()

	tn := &testNet{}
	var addrs []string
	for i := 0; i < n; i++ {
		s, err := crypto.NewDefaultSigner()
		if err != nil {
			t.Fatalf("NewDefaultSigner failed: %v", err)
		}
		tn.signers = append(tn.signers, s)
		addrs = append(addrs, s.Address())
	}
	params := round.Params{Participants: types.NewParticipantSet(addrs...), Timeout: time.Hour}

	tn.net = NewNetwork(Config{
		ChainID:     "test",
		Genesis:     genesis,
		BlockTime:   time.Second,
		MaxBlockTxs: 100,
	}, log.NewNopLogger())

	for _, s := range tn.signers {
		graph, err := fsm.NewCommonApp(params)
		if err != nil {
			t.Fatalf("NewCommonApp failed: %v", err)
		}
		app, err := abci.NewApp(graph, abci.Options{})
		if err != nil {
			t.Fatalf("NewApp failed: %v", err)
		}
		if err := tn.net.AddApp(app); err != nil {
			t.Fatalf("AddApp failed: %v", err)
		}

		cfg := behaviour.AgentConfig{
			Beacon: randomness.NewBeacon(beaconURL, time.Second, log.NewNopLogger()),
			Ledger: ledger.NewCometLedger(ledger.DefaultLedgerID, tn.net, log.NewNopLogger()),
			Retry:  behaviour.RetryConfig{MaxRetries: 2},
		}
		tn.agents = append(tn.agents, behaviour.NewCommonAgent(app, s, tn.net, cfg, log.NewNopLogger(), nil))
	}

	if err := tn.net.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return tn
}

// step ticks every agent a few times, then produces one block.
func (tn *testNet) step(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		for _, a := range tn.agents {
			a.Tick(context.Background())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := tn.net.ProduceBlock(context.Background()); err != nil {
		t.Fatalf("ProduceBlock failed: %v", err)
	}
}

func TestCommonAppPeriod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(drandValue)
	}))
	defer srv.Close()

	tn := newTestNet(t, 3, srv.URL)
	app := tn.net.Apps()[0]

	var (
		agreedRandomness, agreedKeeper, digest string
		done                                   bool
	)
	for i := 0; i < 500 && !done; i++ {
		tn.step(t)

		v := app.View()
		if d := v.Snapshot.FinalDigest(); d != "" && digest == "" {
			digest = d
			agreedRandomness = v.Snapshot.MostVotedRandomness()
			agreedKeeper = v.Snapshot.MostVotedKeeper()
		}
		done = v.PeriodCount() == 1 && v.RoundID == fsm.RoundRandomness
	}
	if !done {
		v := app.View()
		t.Fatalf("period did not complete, at round %s height %d", v.RoundID, v.Height)
	}

	if agreedRandomness != drandValue.Randomness {
		t.Errorf("Expected randomness %s, got %s", drandValue.Randomness, agreedRandomness)
	}

	participants := app.View().Snapshot.Participants()
	if participants.Size() != 3 {
		t.Errorf("Expected participants carried into the new period, got %d", participants.Size())
	}
	wantKeeper, err := keeper.Select(participants, drandValue.Randomness, nil, "")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if agreedKeeper != wantKeeper {
		t.Errorf("Expected keeper %s, got %s", wantKeeper, agreedKeeper)
	}
	if !types.IsHexDigest(digest) {
		t.Errorf("Expected a hex digest, got %q", digest)
	}

	// period scoped keys are gone after the reset
	if r := app.View().Snapshot.MostVotedRandomness(); r != "" {
		t.Errorf("Expected randomness cleared in the new period, got %s", r)
	}

	first := tn.net.Apps()[0].View().AppHash
	for i, a := range tn.net.Apps()[1:] {
		if !bytes.Equal(a.View().AppHash, first) {
			t.Errorf("app %d diverged", i+1)
		}
	}
}

// stepStaggered lets only one agent tick before each block, so the agents
// reach every stage at different heights.
func (tn *testNet) stepStaggered(t *testing.T) {
	t.Helper()
	a := tn.agents[int(tn.net.Height())%len(tn.agents)]
	for i := 0; i < 4; i++ {
		a.Tick(context.Background())
		time.Sleep(2 * time.Millisecond)
	}
	if err := tn.net.ProduceBlock(context.Background()); err != nil {
		t.Fatalf("ProduceBlock failed: %v", err)
	}
}

func TestLedgerFallbackAgreesWhenBeaconIsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tn := newTestNet(t, 3, srv.URL)
	app := tn.net.Apps()[0]

	var (
		start   *abci.View
		heights = map[int64]bool{}
		agreed  string
	)
	for i := 0; i < 300 && agreed == ""; i++ {
		tn.stepStaggered(t)

		v := app.View()
		if v.RoundID == fsm.RoundRandomness {
			heights[v.RoundHeight] = true
			if start == nil {
				start = v
			}
		}
		agreed = v.Snapshot.MostVotedRandomness()
	}
	if agreed == "" {
		v := app.View()
		t.Fatalf("no randomness agreed, at round %s round height %d", v.RoundID, v.RoundHeight)
	}
	if len(heights) != 1 {
		t.Errorf("Expected randomness agreed in its first round, entered %d times", len(heights))
	}

	want, err := randomness.FromLedger(ledger.Response{
		Performative: ledger.PerformativeState,
		Body:         map[string]any{"hash": hex.EncodeToString(start.RoundStartHash), "height": start.RoundStartHeight},
	})
	if err != nil {
		t.Fatalf("FromLedger failed: %v", err)
	}
	if agreed != want.Randomness {
		t.Errorf("Expected randomness of block %d, got %s", start.RoundStartHeight, agreed)
	}

	first := tn.net.Apps()[0].View().AppHash
	for i, a := range tn.net.Apps()[1:] {
		if !bytes.Equal(a.View().AppHash, first) {
			t.Errorf("app %d diverged", i+1)
		}
	}
}

func TestSubmitRejectsInvalidTx(t *testing.T) {
	tn := newTestNet(t, 1, "http://127.0.0.1:0")

	err := tn.net.Submit(context.Background(), []byte("not a transaction"))
	if !errors.Is(err, abci.ErrTxRejected) {
		t.Errorf("Expected ErrTxRejected, got %v", err)
	}
	if tn.net.Mempool().Size() != 0 {
		t.Errorf("Expected empty mempool, got %d", tn.net.Mempool().Size())
	}
}

func TestProduceBlock(t *testing.T) {
	tn := newTestNet(t, 2, "http://127.0.0.1:0")

	tx, err := types.NewTransaction(types.NewRegistrationPayload(tn.signers[0].Address()), tn.signers[0])
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	raw, err := tx.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := tn.net.Submit(context.Background(), raw); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := tn.net.Submit(context.Background(), raw); !errors.Is(err, abci.ErrTxRejected) {
		t.Errorf("Expected duplicate rejected, got %v", err)
	}

	if err := tn.net.ProduceBlock(context.Background()); err != nil {
		t.Fatalf("ProduceBlock failed: %v", err)
	}
	if tn.net.Height() != 1 {
		t.Errorf("Expected height 1, got %d", tn.net.Height())
	}
	if tn.net.Mempool().Size() != 0 {
		t.Errorf("Expected mempool drained, got %d", tn.net.Mempool().Size())
	}

	for i, app := range tn.net.Apps() {
		v := app.View()
		if v.Height != 1 {
			t.Errorf("app %d: expected height 1, got %d", i, v.Height)
		}
		if !v.BlockTime.Equal(genesis.Add(time.Second)) {
			t.Errorf("app %d: unexpected block time %s", i, v.BlockTime)
		}
	}

	blk, err := tn.net.Block(context.Background(), 0)
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if blk.Height != 1 || len(blk.Hash) == 0 {
		t.Errorf("Unexpected latest block %+v", blk)
	}
	if pinned, err := tn.net.Block(context.Background(), 1); err != nil || !bytes.Equal(pinned.Hash, blk.Hash) {
		t.Errorf("Expected block 1 by height, got %+v %v", pinned, err)
	}
	if _, err := tn.net.Block(context.Background(), 2); !errors.Is(err, ledger.ErrBlockNotFound) {
		t.Errorf("Expected ErrBlockNotFound, got %v", err)
	}
}
