// Package randomness fetches publicly verifiable randomness from a
// drand-style beacon and derives a fallback value from the ledger.
package randomness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/types"
)

// DefaultBeaconURL is the public drand endpoint for the latest round.
const DefaultBeaconURL = "https://drand.cloudflare.com/public/latest"

var (
	ErrInvalidRandomness = errors.New("invalid randomness")
	ErrLedgerFallback    = errors.New("ledger fallback failed")
)

// Value is one beacon round.
type Value struct {
	Round             uint64 `json:"round"`
	Randomness        string `json:"randomness"`
	Signature         string `json:"signature"`
	PreviousSignature string `json:"previous_signature"`
}

// Validate checks that Randomness is a 32 byte hex digest.
func (v Value) Validate() error {
	if !types.IsHexDigest(v.Randomness) {
		return fmt.Errorf("%w: %q", ErrInvalidRandomness, v.Randomness)
	}
	return nil
}

// TransientFetchError wraps a failure that is worth retrying.
type TransientFetchError struct {
	Source string
	Err    error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error from %s: %v", e.Source, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// Beacon is an HTTP client for a drand-style randomness beacon.
type Beacon struct {
	url    string
	client *http.Client
	logger log.Logger
}

// NewBeacon creates a beacon client. Each request is bounded by timeout.
func NewBeacon(url string, timeout time.Duration, logger log.Logger) *Beacon {
	if url == "" {
		url = DefaultBeaconURL
	}
	return &Beacon{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("module", "beacon"),
	}
}

// Fetch performs one GET. Every failure is a *TransientFetchError.
func (b *Beacon) Fetch(ctx context.Context) (Value, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return Value{}, b.transient(err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return Value{}, b.transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Value{}, b.transient(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Value{}, b.transient(err)
	}

	var v Value
	if err := json.Unmarshal(body, &v); err != nil {
		return Value{}, b.transient(fmt.Errorf("malformed beacon response: %w", err))
	}
	if err := v.Validate(); err != nil {
		return Value{}, b.transient(err)
	}

	b.logger.Debug("fetched randomness", "round", v.Round)
	return v, nil
}

func (b *Beacon) transient(err error) error {
	return &TransientFetchError{Source: b.url, Err: err}
}

// FromLedger derives randomness from a STATE response carrying a block
// hash: sha256 over the hex hash. ERROR responses and empty bodies fail.
func FromLedger(resp ledger.Response) (Value, error) {
	if resp.Performative != ledger.PerformativeState {
		return Value{}, fmt.Errorf("%w: %s %s", ErrLedgerFallback, resp.Performative, resp.Message)
	}
	hash, _ := resp.Body["hash"].(string)
	if hash == "" {
		return Value{}, fmt.Errorf("%w: empty state body", ErrLedgerFallback)
	}

	sum := sha256.Sum256([]byte(hash))
	return Value{
		Round:      heightOf(resp.Body["height"]),
		Randomness: hex.EncodeToString(sum[:]),
	}, nil
}

// FetchFromLedger derives randomness from the committed block ref. The
// block is looked up by height and must carry ref.Hash, so every agent
// holding the same ref derives the same value however far the chain has
// moved on.
func FetchFromLedger(ctx context.Context, api ledger.API, ref ledger.Block) (Value, error) {
	if ref.Height <= 0 || len(ref.Hash) == 0 {
		return Value{}, fmt.Errorf("%w: no committed reference block", ErrLedgerFallback)
	}

	resp, err := api.Query(ctx, ledger.NewGetBlock("", ref.Height))
	if err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrLedgerFallback, err)
	}
	if hash, _ := resp.Body["hash"].(string); resp.Performative == ledger.PerformativeState && hash != hex.EncodeToString(ref.Hash) {
		return Value{}, fmt.Errorf("%w: block %d hash %q does not match %x", ErrLedgerFallback, ref.Height, hash, ref.Hash)
	}
	return FromLedger(resp)
}

func heightOf(v any) uint64 {
	switch h := v.(type) {
	case int64:
		if h > 0 {
			return uint64(h)
		}
	case float64:
		if h > 0 {
			return uint64(h)
		}
	}
	return 0
}
