// Package mempool holds payload transactions until a block includes them.
package mempool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Tx represents a transaction in the mempool.
type Tx struct {
	// 트랜잭션 식별자
	Hash []byte // SHA256 해시
	ID   string // 해시의 hex 문자열

	Data []byte // 원본 트랜잭션 바이트

	Timestamp time.Time // 멤풀 진입 시간
	Height    int64     // 진입 시점의 블록 높이
}

// NewTx creates a new transaction from raw bytes.
func NewTx(data []byte, now time.Time) *Tx {
	hash := sha256.Sum256(data)
	return &Tx{
		Hash:      hash[:],
		ID:        hex.EncodeToString(hash[:]),
		Data:      data,
		Timestamp: now,
	}
}

// TxID returns the mempool key of raw transaction bytes.
func TxID(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Size returns the size of the transaction in bytes.
func (tx *Tx) Size() int {
	return len(tx.Data)
}
