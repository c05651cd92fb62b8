// Package state implements the Period State: an ordered chain of immutable
// key/value snapshots written by the consensus adapter and read by the
// agent behaviours.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/types"
)

var (
	ErrInvalidKey   = errors.New("invalid period state key")
	ErrInvalidValue = errors.New("invalid period state value")
	ErrInvalidIndex = errors.New("invalid snapshot index")
)

// Snapshot is one immutable entry of the chain. Only the keys written by
// the extend that produced it are stored; everything else is read through
// the parent.
type Snapshot struct {
	index   int
	parent  *Snapshot
	updates map[string]any
}

// Index returns the position of the snapshot in the chain.
func (s *Snapshot) Index() int {
	return s.index
}

// Lookup returns the latest visible value for key.
func (s *Snapshot) Lookup(key string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.updates[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Get returns the latest visible value for key, or def if it was never set.
func (s *Snapshot) Get(key string, def any) any {
	if v, ok := s.Lookup(key); ok {
		return v
	}
	return def
}

// Keys returns every visible key in sorted order.
func (s *Snapshot) Keys() []string {
	seen := make(map[string]struct{})
	for cur := s; cur != nil; cur = cur.parent {
		for k := range cur.updates {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Hash returns the merkle root over the sorted key/value leaves.
func (s *Snapshot) Hash() []byte {
	keys := s.Keys()
	leaves := make([][]byte, 0, len(keys))
	for _, k := range keys {
		v, _ := s.Lookup(k)
		leaves = append(leaves, crypto.Hash([]byte(k+"="+EncodeValue(v))))
	}
	return crypto.MerkleRoot(leaves)
}

// PeriodState is the single-writer snapshot chain. Readers use Current,
// which never blocks; Extend, Rollback and NewPeriod are meant to be called
// from the consensus adapter only.
type PeriodState struct {
	mu        sync.Mutex
	snapshots []*Snapshot
	anchor    int

	current atomic.Pointer[Snapshot]
}

// NewPeriodState creates a chain holding an empty genesis snapshot.
func NewPeriodState() *PeriodState {
	genesis := &Snapshot{index: 0, updates: map[string]any{}}
	ps := &PeriodState{snapshots: []*Snapshot{genesis}}
	ps.current.Store(genesis)
	return ps
}

// Current returns the latest snapshot.
func (ps *PeriodState) Current() *Snapshot {
	return ps.current.Load()
}

// Index returns the index of the latest snapshot.
func (ps *PeriodState) Index() int {
	return ps.Current().Index()
}

// Get reads key from the latest snapshot.
func (ps *PeriodState) Get(key string, def any) any {
	return ps.Current().Get(key, def)
}

// Anchor returns the index of the first snapshot of the current period.
func (ps *PeriodState) Anchor() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.anchor
}

// Extend appends a snapshot holding updates on top of the current one.
// Either every update is applied or none is.
func (ps *PeriodState) Extend(updates map[string]any) (*Snapshot, error) {
	if err := checkUpdates(updates); err != nil {
		return nil, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.extendLocked(updates), nil
}

func (ps *PeriodState) extendLocked(updates map[string]any) *Snapshot {
	copied := make(map[string]any, len(updates))
	for k, v := range updates {
		if set, ok := v.(types.ParticipantSet); ok {
			v = append(types.ParticipantSet(nil), set...)
		}
		copied[k] = v
	}

	parent := ps.snapshots[len(ps.snapshots)-1]
	snap := &Snapshot{index: parent.index + 1, parent: parent, updates: copied}
	ps.snapshots = append(ps.snapshots, snap)
	ps.current.Store(snap)
	return snap
}

// Rollback discards every snapshot after index.
func (ps *PeriodState) Rollback(index int) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.rollbackLocked(index)
}

func (ps *PeriodState) rollbackLocked(index int) error {
	if index < 0 || index >= len(ps.snapshots) {
		return fmt.Errorf("%w: %d (have %d snapshots)", ErrInvalidIndex, index, len(ps.snapshots))
	}

	// 새 슬라이스로 복사해야 이전 snapshots 배열과 append가 겹치지 않는다
	kept := make([]*Snapshot, index+1)
	copy(kept, ps.snapshots[:index+1])
	ps.snapshots = kept
	if ps.anchor > index {
		ps.anchor = index
	}
	ps.current.Store(kept[index])
	return nil
}

// NewPeriod starts a new period: the values of the carry keys are read from
// the current snapshot, the chain is rolled back to the period anchor, and
// a snapshot holding the carried values merged with updates becomes the new
// anchor.
func (ps *PeriodState) NewPeriod(carry []string, updates map[string]any) (*Snapshot, error) {
	if err := checkUpdates(updates); err != nil {
		return nil, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	cur := ps.snapshots[len(ps.snapshots)-1]
	merged := make(map[string]any, len(carry)+len(updates))
	for _, k := range carry {
		if v, ok := cur.Lookup(k); ok {
			merged[k] = v
		}
	}
	for k, v := range updates {
		merged[k] = v
	}

	if err := ps.rollbackLocked(ps.anchor); err != nil {
		return nil, err
	}
	snap := ps.extendLocked(merged)
	ps.anchor = snap.index
	return snap, nil
}

// Len returns the number of snapshots in the chain.
func (ps *PeriodState) Len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.snapshots)
}

func checkUpdates(updates map[string]any) error {
	for k, v := range updates {
		if err := CheckKey(k); err != nil {
			return err
		}
		switch v.(type) {
		case nil, string, int64, types.ParticipantSet:
		default:
			return fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidValue, k, v)
		}
	}
	return nil
}

// CheckKey verifies that key is namespaced as "<round>.<name>".
func CheckKey(key string) error {
	ns, name, ok := strings.Cut(key, ".")
	if !ok || ns == "" || name == "" {
		return fmt.Errorf("%w: %q is not namespaced", ErrInvalidKey, key)
	}
	return nil
}

// EncodeValue renders a stored value as a tagged string. It is the leaf
// encoding of the state hash and the body of state queries.
func EncodeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "n:"
	case string:
		return "s:" + val
	case int64:
		return "i:" + strconv.FormatInt(val, 10)
	case types.ParticipantSet:
		return "p:" + strings.Join(val, ",")
	default:
		return fmt.Sprintf("?:%v", val)
	}
}
