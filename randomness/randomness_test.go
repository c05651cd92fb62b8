package randomness

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/ledger"
)

var drandValue = Value{
	Round:             1416669,
	Randomness:        "f6be4bf1fa229f22340c1a5b258f809ac4af558200775a67dacb05f0cb258a11",
	Signature:         "b44d00516f46da3a503f9559a634869b6dc2e5d839e46ec61a090e3032172954929a5d9bd7197d7739fe55db770543c71182562bd0ad20922eb4fe6b8a1062ed21df3b68de44694eb4f20b35262fa9d63aa80ad3f6172dd4d33a663f21179604",
	PreviousSignature: "903c60a4b937a804001032499a855025573040cb86017c38e2b1c3725286756ce8f3361188789c17336beaf3f9dbf84b0ad3c86add187987a9a0685bc5a303e37b008fba8c44f02a416480dd117a3ff8b8075b1b7362c58af195573623187463",
}

func serve(t *testing.T, status int, body any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBeaconFetch(t *testing.T) {
	srv := serve(t, http.StatusOK, drandValue)
	b := NewBeacon(srv.URL, time.Second, log.NewNopLogger())

	v, err := b.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if v != drandValue {
		t.Errorf("unexpected value %+v", v)
	}
}

func TestBeaconFetchFailures(t *testing.T) {
	bad := drandValue
	bad.Randomness = "72616e646f6d6e6573735f686578" // hex of "randomness_hex", too short

	cases := map[string]*httptest.Server{
		"invalid randomness": serve(t, http.StatusOK, bad),
		"server error":       serve(t, http.StatusInternalServerError, drandValue),
		"not json":           serve(t, http.StatusOK, "nope"),
	}

	for name, srv := range cases {
		_, err := NewBeacon(srv.URL, time.Second, log.NewNopLogger()).Fetch(context.Background())
		var transient *TransientFetchError
		if !errors.As(err, &transient) {
			t.Errorf("%s: expected TransientFetchError, got %v", name, err)
		}
	}
}

func TestFromLedger(t *testing.T) {
	v, err := FromLedger(ledger.Response{
		Performative: ledger.PerformativeState,
		Body:         map[string]any{"hash": "abcd", "height": float64(12)},
	})
	if err != nil {
		t.Fatalf("FromLedger failed: %v", err)
	}
	if err := v.Validate(); err != nil {
		t.Errorf("derived randomness invalid: %v", err)
	}
	if v.Round != 12 {
		t.Errorf("expected round 12, got %d", v.Round)
	}

	again, _ := FromLedger(ledger.Response{
		Performative: ledger.PerformativeState,
		Body:         map[string]any{"hash": "abcd"},
	})
	if again.Randomness != v.Randomness {
		t.Error("same hash must derive the same randomness")
	}

	if _, err := FromLedger(ledger.Response{Performative: ledger.PerformativeError, Message: "boom"}); !errors.Is(err, ErrLedgerFallback) {
		t.Errorf("ERROR: expected ErrLedgerFallback, got %v", err)
	}
	if _, err := FromLedger(ledger.Response{Performative: ledger.PerformativeState, Body: map[string]any{}}); !errors.Is(err, ErrLedgerFallback) {
		t.Errorf("empty body: expected ErrLedgerFallback, got %v", err)
	}
}

type growingChain struct {
	hashes [][]byte
}

func (c *growingChain) Block(_ context.Context, height int64) (ledger.Block, error) {
	if height == 0 {
		height = int64(len(c.hashes))
	}
	if height < 1 || height > int64(len(c.hashes)) {
		return ledger.Block{}, ledger.ErrBlockNotFound
	}
	return ledger.Block{Height: height, Hash: c.hashes[height-1]}, nil
}

func TestFetchFromLedgerIsPinned(t *testing.T) {
	chain := &growingChain{hashes: [][]byte{{0x01}, {0x02}}}
	api := ledger.NewCometLedger("", chain, log.NewNopLogger())
	ref := ledger.Block{Height: 2, Hash: []byte{0x02}}
	ctx := context.Background()

	first, err := FetchFromLedger(ctx, api, ref)
	if err != nil {
		t.Fatalf("FetchFromLedger failed: %v", err)
	}

	// 체인이 진행해도 같은 기준 블록이면 같은 값
	chain.hashes = append(chain.hashes, []byte{0x03})
	second, err := FetchFromLedger(ctx, api, ref)
	if err != nil {
		t.Fatalf("FetchFromLedger failed: %v", err)
	}
	if first.Randomness != second.Randomness || second.Round != 2 {
		t.Errorf("expected the same value for block 2, got %s and %s (round %d)", first.Randomness, second.Randomness, second.Round)
	}

	if _, err := FetchFromLedger(ctx, api, ledger.Block{Height: 2, Hash: []byte{0xff}}); !errors.Is(err, ErrLedgerFallback) {
		t.Errorf("hash mismatch: expected ErrLedgerFallback, got %v", err)
	}
	if _, err := FetchFromLedger(ctx, api, ledger.Block{Height: 9, Hash: []byte{0x09}}); !errors.Is(err, ErrLedgerFallback) {
		t.Errorf("missing block: expected ErrLedgerFallback, got %v", err)
	}
	if _, err := FetchFromLedger(ctx, api, ledger.Block{}); !errors.Is(err, ErrLedgerFallback) {
		t.Errorf("no reference: expected ErrLedgerFallback, got %v", err)
	}
}
