// Package keeper implements the deterministic keeper election every agent
// computes locally from the agreed randomness.
package keeper

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/ahwlsqja/autonomy-abci/types"
)

var (
	ErrNoCandidates = errors.New("no keeper candidates left")
	ErrNoRandomness = errors.New("no randomness to select a keeper with")
)

// IntegerHash interprets randomness as a big-endian integer. Values that
// are not valid hex are hashed with sha256 first.
func IntegerHash(randomness string) *big.Int {
	raw, err := hex.DecodeString(randomness)
	if err != nil || len(raw) == 0 {
		sum := sha256.Sum256([]byte(randomness))
		raw = sum[:]
	}
	return new(big.Int).SetBytes(raw)
}

// Select returns the keeper for this period.
//
// A current keeper that is still a participant and not blacklisted is kept.
// Otherwise the keeper is candidates[IntegerHash(randomness) mod len(candidates)]
// where candidates are the sorted participants minus the blacklist.
func Select(participants types.ParticipantSet, randomness string, blacklist types.ParticipantSet, current string) (string, error) {
	if current != "" && participants.Contains(current) && !blacklist.Contains(current) {
		return current, nil
	}

	candidates := participants.Without(blacklist)
	if candidates.Size() == 0 {
		return "", ErrNoCandidates
	}
	if randomness == "" {
		return "", ErrNoRandomness
	}

	n := big.NewInt(int64(candidates.Size()))
	index := new(big.Int).Mod(IntegerHash(randomness), n)
	if !index.IsInt64() {
		return "", fmt.Errorf("keeper index out of range: %s", index)
	}
	return candidates[index.Int64()], nil
}
