package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// LivenessStore tracks which position ids are currently live. It holds
// no position data beyond membership: an id that was claimed is
// indistinguishable from one that never existed.
//
// Not thread-safe. Owned and mutated only by the deterministic core.
type LivenessStore struct {
	live map[common.Hash]struct{}
}

func NewLivenessStore() *LivenessStore {
	return &LivenessStore{
		live: make(map[common.Hash]struct{}),
	}
}

// Contains reports whether the id is currently live.
func (ls *LivenessStore) Contains(id common.Hash) bool {
	_, ok := ls.live[id]
	return ok
}

// Add marks the id live.
func (ls *LivenessStore) Add(id common.Hash) {
	ls.live[id] = struct{}{}
}

// Remove marks the id absent. Removing an absent id is a no-op.
func (ls *LivenessStore) Remove(id common.Hash) {
	delete(ls.live, id)
}

// Count returns the number of live positions.
func (ls *LivenessStore) Count() int {
	return len(ls.live)
}

// SortedIDs returns every live id in ascending byte order. The state
// digest and snapshots rely on this ordering for determinism.
func (ls *LivenessStore) SortedIDs() []common.Hash {
	ids := make([]common.Hash, 0, len(ls.live))
	for id := range ls.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// Restore replaces the store contents with the given ids.
func (ls *LivenessStore) Restore(ids []common.Hash) {
	ls.live = make(map[common.Hash]struct{}, len(ids))
	for _, id := range ids {
		ls.live[id] = struct{}{}
	}
}
