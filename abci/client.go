package abci

import (
	"context"
	"errors"
	"fmt"

	"github.com/cometbft/cometbft/libs/log"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"

	"github.com/ahwlsqja/autonomy-abci/ledger"
)

var ErrTxRejected = errors.New("transaction rejected by CheckTx")

// rpcAPI - 사용하는 CometBFT RPC 메서드만
type rpcAPI interface {
	BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*ctypes.ResultBroadcastTx, error)
	Block(ctx context.Context, height *int64) (*ctypes.ResultBlock, error)
}

// Client - CometBFT RPC 클라이언트 (트랜잭션 제출, 블록 조회)
type Client struct {
	rpc     rpcAPI
	address string
	logger  log.Logger
}

// NewClient - RPC 주소(tcp://host:26657)로 클라이언트 생성
func NewClient(address string, logger log.Logger) (*Client, error) {
	rpc, err := rpchttp.New(address, "/websocket")
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client for %s: %w", address, err)
	}
	return newClient(rpc, address, logger), nil
}

func newClient(rpc rpcAPI, address string, logger log.Logger) *Client {
	return &Client{
		rpc:     rpc,
		address: address,
		logger:  logger.With("module", "rpc-client"),
	}
}

// Submit - 서명된 payload 트랜잭션을 멤풀에 제출
func (c *Client) Submit(ctx context.Context, tx []byte) error {
	res, err := c.rpc.BroadcastTxSync(ctx, tx)
	if err != nil {
		return fmt.Errorf("broadcast to %s failed: %w", c.address, err)
	}
	if res.Code != CodeOK {
		return fmt.Errorf("%w: code %d: %s", ErrTxRejected, res.Code, res.Log)
	}
	c.logger.Debug("transaction submitted", "hash", res.Hash.String())
	return nil
}

// Block - 커밋된 블록의 높이와 해시, height 0은 최신 블록 (ledger.BlockSource)
func (c *Client) Block(ctx context.Context, height int64) (ledger.Block, error) {
	var h *int64
	if height > 0 {
		h = &height
	}
	res, err := c.rpc.Block(ctx, h)
	if err != nil {
		return ledger.Block{}, fmt.Errorf("block query to %s failed: %w", c.address, err)
	}
	if res.Block == nil {
		return ledger.Block{}, nil
	}
	return ledger.Block{Height: res.Block.Height, Hash: res.BlockID.Hash}, nil
}

// Address - 연결 주소 반환
func (c *Client) Address() string {
	return c.address
}
