package abci

import (
	"context"
	"errors"
	"testing"

	"github.com/cometbft/cometbft/libs/log"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
)

type fakeRPC struct {
	code   uint32
	err    error
	height int64
	hash   []byte
	sent   [][]byte
	asked  []*int64
}

func (f *fakeRPC) BroadcastTxSync(_ context.Context, tx cmttypes.Tx) (*ctypes.ResultBroadcastTx, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, tx)
	return &ctypes.ResultBroadcastTx{Code: f.code, Log: "rejected", Hash: tx.Hash()}, nil
}

func (f *fakeRPC) Block(_ context.Context, height *int64) (*ctypes.ResultBlock, error) {
	f.asked = append(f.asked, height)
	if f.err != nil {
		return nil, f.err
	}
	block := &cmttypes.Block{}
	block.Height = f.height
	return &ctypes.ResultBlock{BlockID: cmttypes.BlockID{Hash: f.hash}, Block: block}, nil
}

func TestClientSubmit(t *testing.T) {
	rpc := &fakeRPC{}
	c := newClient(rpc, "tcp://localhost:26657", log.NewNopLogger())

	if err := c.Submit(context.Background(), []byte("tx")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(rpc.sent) != 1 {
		t.Errorf("expected 1 broadcast, got %d", len(rpc.sent))
	}

	rpc.code = CodeDecodeError
	if err := c.Submit(context.Background(), []byte("tx")); !errors.Is(err, ErrTxRejected) {
		t.Errorf("expected ErrTxRejected, got %v", err)
	}
}

func TestClientBlock(t *testing.T) {
	rpc := &fakeRPC{height: 42, hash: []byte{0xbe, 0xef}}
	c := newClient(rpc, "tcp://localhost:26657", log.NewNopLogger())

	block, err := c.Block(context.Background(), 0)
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if block.Height != 42 || len(block.Hash) != 2 {
		t.Errorf("unexpected block %+v", block)
	}
	if rpc.asked[0] != nil {
		t.Errorf("height 0 should ask for the latest block, got %d", *rpc.asked[0])
	}

	if _, err := c.Block(context.Background(), 42); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if rpc.asked[1] == nil || *rpc.asked[1] != 42 {
		t.Errorf("expected a pinned height of 42, got %v", rpc.asked[1])
	}

	rpc.err = errors.New("connection refused")
	if _, err := c.Block(context.Background(), 0); err == nil {
		t.Error("expected error from failing rpc")
	}
}
