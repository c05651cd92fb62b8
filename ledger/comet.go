package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/cometbft/cometbft/libs/log"
)

// DefaultLedgerID identifies the CometBFT chain the agents run on.
const DefaultLedgerID = "cometbft"

// CometLedger answers GET_STATE queries from a CometBFT block source.
// Failures are reported as ERROR responses, never as Go errors, so the
// caller sees one failure shape whatever the transport.
type CometLedger struct {
	id     string
	source BlockSource
	logger log.Logger
}

// NewCometLedger creates a ledger over source.
func NewCometLedger(id string, source BlockSource, logger log.Logger) *CometLedger {
	if id == "" {
		id = DefaultLedgerID
	}
	return &CometLedger{id: id, source: source, logger: logger.With("module", "ledger")}
}

// Query implements API.
func (l *CometLedger) Query(ctx context.Context, req Request) (Response, error) {
	if req.Performative != PerformativeGetState {
		return ErrorResponse(l.id, unexpectedPerformative(req.Performative)), nil
	}
	if req.LedgerID != "" && req.LedgerID != l.id {
		return ErrorResponse(l.id, fmt.Errorf("unknown ledger %s", req.LedgerID)), nil
	}
	if req.Callable != CallableBlock {
		return ErrorResponse(l.id, fmt.Errorf("%w: %s", ErrUnknownCallable, req.Callable)), nil
	}
	height, err := heightKwarg(req.Kwargs)
	if err != nil {
		return ErrorResponse(l.id, err), nil
	}

	block, err := l.source.Block(ctx, height)
	if err != nil {
		l.logger.Info("block query failed", "height", height, "err", err)
		return ErrorResponse(l.id, err), nil
	}
	if len(block.Hash) == 0 {
		return Response{Performative: PerformativeState, LedgerID: l.id, Body: map[string]any{}}, nil
	}

	return Response{
		Performative: PerformativeState,
		LedgerID:     l.id,
		Body: map[string]any{
			"hash":   hex.EncodeToString(block.Hash),
			"height": block.Height,
		},
	}, nil
}

// heightKwarg - gRPC를 거치면 숫자는 float64로 들어온다
func heightKwarg(kwargs map[string]any) (int64, error) {
	v, ok := kwargs["height"]
	if !ok || v == nil {
		return 0, nil
	}

	var h int64
	switch n := v.(type) {
	case int64:
		h = n
	case int:
		h = int64(n)
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("invalid height %v", n)
		}
		h = int64(n)
	default:
		return 0, fmt.Errorf("invalid height type %T", v)
	}
	if h < 0 {
		return 0, fmt.Errorf("invalid height %d", h)
	}
	return h, nil
}
