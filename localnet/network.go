// Package localnet runs several apps in one process behind a shared
// mempool, standing in for a CometBFT network. Every app receives the same
// blocks in the same order.
package localnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/abci"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/mempool"
)

// Config configures a Network.
type Config struct {
	ChainID string
	// Genesis is the time of the genesis block.
	Genesis time.Time
	// BlockTime is added to the block time for every block.
	BlockTime time.Duration
	// MaxBlockTxs and MaxBlockBytes limit each block, 0 means no limit.
	MaxBlockTxs   int
	MaxBlockBytes int64
	Mempool       *mempool.Config
}

// DefaultConfig - 로컬넷 기본 설정
func DefaultConfig() Config {
	return Config{
		ChainID:       "autonomy-localnet",
		Genesis:       time.Now().UTC(),
		BlockTime:     time.Second,
		MaxBlockTxs:   500,
		MaxBlockBytes: 1 << 20,
		Mempool:       mempool.DefaultConfig(),
	}
}

// Network is an in-process chain of apps.
type Network struct {
	mu sync.Mutex

	config  Config
	apps    []*abci.App
	mempool *mempool.Mempool
	logger  log.Logger

	// checker runs CheckTx for the mempool. Read without n.mu, since the
	// mempool rechecks while a block is being produced.
	checker atomic.Pointer[abci.App]

	height      int64
	lastHash    []byte
	hashes      [][]byte // hashes[h-1] is the hash of block h
	initialized bool
}

var _ ledger.BlockSource = (*Network)(nil)

// NewNetwork creates a network with no apps.
func NewNetwork(cfg Config, logger log.Logger) *Network {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	n := &Network{
		config:  cfg,
		mempool: mempool.NewMempool(cfg.Mempool, logger),
		logger:  logger.With("module", "localnet"),
	}
	n.mempool.SetCheckTxCallback(n.checkTx)
	return n
}

// AddApp registers an app. Apps must be added before the first block.
func (n *Network) AddApp(app *abci.App) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.initialized {
		return errors.New("cannot add an app to a running network")
	}
	n.apps = append(n.apps, app)
	n.checker.CompareAndSwap(nil, app)
	return nil
}

// Apps returns the registered apps.
func (n *Network) Apps() []*abci.App {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*abci.App(nil), n.apps...)
}

// Mempool returns the shared mempool.
func (n *Network) Mempool() *mempool.Mempool {
	return n.mempool
}

// Height returns the last produced block height.
func (n *Network) Height() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height
}

func (n *Network) checkTx(tx *mempool.Tx) error {
	app := n.checker.Load()
	if app == nil {
		return errors.New("no apps registered")
	}

	resp, err := app.CheckTx(context.Background(), &abcitypes.RequestCheckTx{Tx: tx.Data, Type: abcitypes.CheckTxType_New})
	if err != nil {
		return err
	}
	if resp.Code != abci.CodeOK {
		return fmt.Errorf("code %d: %s", resp.Code, resp.Log)
	}
	return nil
}

// Submit adds tx to the mempool. Invalid transactions are reported with
// abci.ErrTxRejected, like a CheckTx failure on a real node.
func (n *Network) Submit(_ context.Context, tx []byte) error {
	if err := n.mempool.AddTx(tx); err != nil {
		if errors.Is(err, mempool.ErrInvalidTx) || errors.Is(err, mempool.ErrTxAlreadyExists) || errors.Is(err, mempool.ErrTxRecentlySeen) {
			return fmt.Errorf("%w: %v", abci.ErrTxRejected, err)
		}
		return err
	}
	return nil
}

// Block implements ledger.BlockSource. Height 0 is the latest block.
func (n *Network) Block(_ context.Context, height int64) (ledger.Block, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if height == 0 {
		return ledger.Block{Height: n.height, Hash: n.lastHash}, nil
	}
	if height < 0 || height > n.height {
		return ledger.Block{}, fmt.Errorf("%w: height %d, latest %d", ledger.ErrBlockNotFound, height, n.height)
	}
	return ledger.Block{Height: height, Hash: n.hashes[height-1]}, nil
}

func (n *Network) initLocked(ctx context.Context) error {
	if n.initialized {
		return nil
	}
	if len(n.apps) == 0 {
		return errors.New("no apps registered")
	}
	for i, app := range n.apps {
		if _, err := app.InitChain(ctx, &abcitypes.RequestInitChain{
			Time:          n.config.Genesis,
			ChainId:       n.config.ChainID,
			InitialHeight: 1,
		}); err != nil {
			return fmt.Errorf("init chain on app %d: %w", i, err)
		}
	}
	n.initialized = true
	return nil
}

// Start runs InitChain on every app.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initLocked(ctx)
}

// ProduceBlock reaps the mempool and delivers the same block to every app:
// FinalizeBlock, then Commit. The apps must agree on the app hash.
func (n *Network) ProduceBlock(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.initLocked(ctx); err != nil {
		return err
	}

	txs := n.mempool.ReapMaxBytesMaxTxs(n.config.MaxBlockBytes, n.config.MaxBlockTxs)
	height := n.height + 1
	blockTime := n.config.Genesis.Add(time.Duration(height) * n.config.BlockTime)
	hash := n.blockHash(height, txs)

	req := &abcitypes.RequestFinalizeBlock{
		Txs:    txs,
		Height: height,
		Time:   blockTime,
		Hash:   hash,
	}

	var appHash []byte
	for i, app := range n.apps {
		resp, err := app.FinalizeBlock(ctx, req)
		if err != nil {
			return fmt.Errorf("finalize block %d on app %d: %w", height, i, err)
		}
		if i == 0 {
			appHash = resp.AppHash
		} else if string(resp.AppHash) != string(appHash) {
			return fmt.Errorf("app hash mismatch at height %d: app %d", height, i)
		}
	}
	for i, app := range n.apps {
		if _, err := app.Commit(ctx, &abcitypes.RequestCommit{}); err != nil {
			return fmt.Errorf("commit block %d on app %d: %w", height, i, err)
		}
	}

	n.mempool.Update(height, txs)
	n.height = height
	n.lastHash = hash
	n.hashes = append(n.hashes, hash)

	n.logger.Debug("block committed", "height", height, "txs", len(txs), "mempool_bytes", n.mempool.SizeBytes(), "round", n.apps[0].View().RoundID)
	return nil
}

func (n *Network) blockHash(height int64, txs [][]byte) []byte {
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], uint64(height))

	hashes := make([][]byte, 0, len(txs)+2)
	hashes = append(hashes, crypto.Hash(n.lastHash), crypto.Hash(h[:]))
	for _, tx := range txs {
		hashes = append(hashes, crypto.Hash(tx))
	}
	return crypto.MerkleRoot(hashes)
}

// Run produces a block every interval until ctx is cancelled.
func (n *Network) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.ProduceBlock(ctx); err != nil {
				return err
			}
		}
	}
}
