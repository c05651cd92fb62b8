// Package ledger provides the ledger query API the agents fall back to
// when the randomness beacon is unavailable.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Performative is the message kind of a ledger query exchange.
type Performative string

const (
	PerformativeGetState Performative = "GET_STATE"
	PerformativeState    Performative = "STATE"
	PerformativeError    Performative = "ERROR"
)

// CallableBlock is the only state query currently served. The optional
// "height" kwarg pins the block; without it the latest block is returned.
const CallableBlock = "get_block"

var (
	ErrUnknownCallable = errors.New("unknown ledger callable")
	ErrBlockNotFound   = errors.New("block not found")
)

// Request is a GET_STATE query.
type Request struct {
	Performative Performative
	LedgerID     string
	Callable     string
	Kwargs       map[string]any
}

// Response is either STATE with an opaque body or ERROR with a message.
type Response struct {
	Performative Performative
	LedgerID     string
	Body         map[string]any
	Message      string
}

// NewGetState builds a GET_STATE request.
func NewGetState(ledgerID, callable string) Request {
	return Request{Performative: PerformativeGetState, LedgerID: ledgerID, Callable: callable, Kwargs: map[string]any{}}
}

// NewGetBlock builds a GET_STATE request for the block at height.
func NewGetBlock(ledgerID string, height int64) Request {
	req := NewGetState(ledgerID, CallableBlock)
	req.Kwargs["height"] = height
	return req
}

// ErrorResponse builds an ERROR response.
func ErrorResponse(ledgerID string, err error) Response {
	return Response{Performative: PerformativeError, LedgerID: ledgerID, Message: err.Error()}
}

// API answers ledger queries.
type API interface {
	Query(ctx context.Context, req Request) (Response, error)
}

// Block is the part of a committed block the ledger exposes.
type Block struct {
	Height int64
	Hash   []byte
}

// BlockSource returns committed blocks. A height of 0 selects the latest.
type BlockSource interface {
	Block(ctx context.Context, height int64) (Block, error)
}

func unexpectedPerformative(p Performative) error {
	return fmt.Errorf("unexpected performative %s", p)
}
