package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahwlsqja/autonomy-abci/crypto"
)

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrBadSignature       = errors.New("bad transaction signature")
	ErrSenderMismatch     = errors.New("payload sender does not match signing key")
)

// Transaction is the envelope submitted to the consensus backend.
// The signature covers the encoded payload bytes.
type Transaction struct {
	Payload   []byte `json:"payload"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// NewTransaction encodes and signs a payload.
func NewTransaction(p Payload, signer crypto.Signer) (*Transaction, error) {
	if p.Sender() != signer.Address() {
		return nil, fmt.Errorf("%w: %s != %s", ErrSenderMismatch, p.Sender(), signer.Address())
	}

	data, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	return &Transaction{
		Payload:   data,
		PublicKey: signer.PublicKey(),
		Signature: sig,
	}, nil
}

// Encode serializes the transaction to JSON.
func (tx *Transaction) Encode() ([]byte, error) {
	return json.Marshal(tx)
}

// DecodeTransaction deserializes a transaction, checks its signature and
// returns the typed payload it carries.
func DecodeTransaction(data []byte) (*Transaction, Payload, error) {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if len(tx.Payload) == 0 {
		return nil, nil, fmt.Errorf("%w: empty payload", ErrInvalidTransaction)
	}

	ok, err := crypto.VerifyWithPublicKey(tx.PublicKey, tx.Payload, tx.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return nil, nil, ErrBadSignature
	}

	p, err := DecodePayload(tx.Payload)
	if err != nil {
		return nil, nil, err
	}
	if addr := crypto.Address(tx.PublicKey); p.Sender() != addr {
		return nil, nil, fmt.Errorf("%w: %s != %s", ErrSenderMismatch, p.Sender(), addr)
	}

	return &tx, p, nil
}
