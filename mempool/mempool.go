package mempool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
)

/*
================================================================================
                           MEMPOOL

- FIFO: 도착 순서대로 저장하고 도착 순서대로 꺼냄
- 해시 기반 중복 제거 (멤풀 안 + 최근 커밋된 tx 캐시)
- 검증은 앱의 CheckTx 가 담당 (CheckTxCallback)
- Update: 커밋된 tx 제거 → 만료 tx 제거 → 남은 tx 재검사
================================================================================
*/

var (
	ErrTxAlreadyExists = errors.New("transaction already exists in mempool")
	ErrTxRecentlySeen  = errors.New("transaction was recently committed")
	ErrMempoolFull     = errors.New("mempool is full")
	ErrTxTooLarge      = errors.New("transaction too large")
	ErrInvalidTx       = errors.New("invalid transaction")
)

// Config - 멤풀 설정
type Config struct {
	MaxTxs     int           // 최대 트랜잭션 수
	MaxBytes   int64         // 최대 총 바이트
	MaxTxBytes int           // 단일 트랜잭션 최대 바이트
	TTL        time.Duration // 트랜잭션 만료 시간, 0 이면 만료 없음
	CacheSize  int           // 최근 커밋된 tx 캐시 크기
	Recheck    bool          // Update 후 재검사
}

// DefaultConfig - 디폴트 멤풀 설정
func DefaultConfig() *Config {
	return &Config{
		MaxTxs:     5000,
		MaxBytes:   64 * 1024 * 1024, // 64MB
		MaxTxBytes: 1024 * 1024,      // 1MB
		TTL:        10 * time.Minute,
		CacheSize:  10000,
		Recheck:    true,
	}
}

// CheckTxCallback validates a transaction. nil means valid.
type CheckTxCallback func(tx *Tx) error

// Mempool stores pending transactions in arrival order.
type Mempool struct {
	mu sync.RWMutex

	config *Config
	logger log.Logger
	clock  func() time.Time

	txs     []*Tx          // 도착 순서
	txStore map[string]*Tx // txID -> Tx
	txBytes int64
	height  int64

	// 최근 커밋된 트랜잭션 (중복 방지), FIFO 로 CacheSize 유지
	committed      map[string]struct{}
	committedOrder []string

	checkTx CheckTxCallback
}

// NewMempool creates a mempool. A nil config uses DefaultConfig.
func NewMempool(config *Config, logger log.Logger) *Mempool {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Mempool{
		config:    config,
		logger:    logger.With("module", "mempool"),
		clock:     time.Now,
		txStore:   make(map[string]*Tx),
		committed: make(map[string]struct{}),
	}
}

// SetCheckTxCallback sets the transaction validation callback.
func (mp *Mempool) SetCheckTxCallback(cb CheckTxCallback) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.checkTx = cb
}

// AddTx validates and appends a transaction.
func (mp *Mempool) AddTx(data []byte) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidTx)
	}
	if mp.config.MaxTxBytes > 0 && len(data) > mp.config.MaxTxBytes {
		return fmt.Errorf("%w: %d > %d", ErrTxTooLarge, len(data), mp.config.MaxTxBytes)
	}

	tx := NewTx(data, mp.clock())
	tx.Height = mp.height

	if _, ok := mp.txStore[tx.ID]; ok {
		return ErrTxAlreadyExists
	}
	if _, ok := mp.committed[tx.ID]; ok {
		return ErrTxRecentlySeen
	}
	if mp.config.MaxTxs > 0 && len(mp.txs) >= mp.config.MaxTxs {
		return fmt.Errorf("%w: %d txs", ErrMempoolFull, len(mp.txs))
	}
	if mp.config.MaxBytes > 0 && mp.txBytes+int64(tx.Size()) > mp.config.MaxBytes {
		return fmt.Errorf("%w: %d bytes", ErrMempoolFull, mp.txBytes)
	}

	if mp.checkTx != nil {
		if err := mp.checkTx(tx); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
	}

	mp.txs = append(mp.txs, tx)
	mp.txStore[tx.ID] = tx
	mp.txBytes += int64(tx.Size())
	return nil
}

// ReapMaxBytesMaxTxs returns the longest arrival-order prefix holding at
// most maxTxs transactions and maxBytes bytes, without removing them.
// A limit <= 0 is not applied.
func (mp *Mempool) ReapMaxBytesMaxTxs(maxBytes int64, maxTxs int) [][]byte {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var (
		out   [][]byte
		total int64
	)
	for _, tx := range mp.txs {
		if maxTxs > 0 && len(out) >= maxTxs {
			break
		}
		if maxBytes > 0 && total+int64(tx.Size()) > maxBytes {
			break
		}
		total += int64(tx.Size())
		out = append(out, tx.Data)
	}
	return out
}

// Update is called after a block is committed. It removes the committed
// transactions, drops expired ones and rechecks the rest.
func (mp *Mempool) Update(height int64, committedTxs [][]byte) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.height = height
	for _, data := range committedTxs {
		id := TxID(data)
		mp.remember(id)
		delete(mp.txStore, id)
	}

	now := mp.clock()
	kept := mp.txs[:0]
	var bytes int64
	for _, tx := range mp.txs {
		if _, ok := mp.txStore[tx.ID]; !ok {
			continue
		}
		if mp.config.TTL > 0 && now.Sub(tx.Timestamp) > mp.config.TTL {
			mp.logger.Debug("transaction expired", "id", tx.ID)
			delete(mp.txStore, tx.ID)
			continue
		}
		if mp.config.Recheck && mp.checkTx != nil {
			if err := mp.checkTx(tx); err != nil {
				mp.logger.Debug("transaction failed recheck", "id", tx.ID, "err", err)
				delete(mp.txStore, tx.ID)
				continue
			}
		}
		kept = append(kept, tx)
		bytes += int64(tx.Size())
	}
	for i := len(kept); i < len(mp.txs); i++ {
		mp.txs[i] = nil
	}
	mp.txs = kept
	mp.txBytes = bytes
}

func (mp *Mempool) remember(id string) {
	if mp.config.CacheSize <= 0 {
		return
	}
	if _, ok := mp.committed[id]; ok {
		return
	}
	mp.committed[id] = struct{}{}
	mp.committedOrder = append(mp.committedOrder, id)
	if len(mp.committedOrder) > mp.config.CacheSize {
		oldest := mp.committedOrder[0]
		mp.committedOrder = mp.committedOrder[1:]
		delete(mp.committed, oldest)
	}
}

// Size returns the current number of transactions.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.txs)
}

// SizeBytes returns the current total bytes.
func (mp *Mempool) SizeBytes() int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.txBytes
}
