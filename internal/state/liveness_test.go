package state_test

import (
	"bytes"
	"fmt"
	"testing"

	"DualLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func hashOf(n int) common.Hash {
	return common.HexToHash(fmt.Sprintf("0x%064x", n))
}

func TestLivenessStore_AddContainsRemove(t *testing.T) {
	ls := state.NewLivenessStore()
	id := hashOf(1)

	if ls.Contains(id) {
		t.Error("fresh store should not contain any id")
	}

	ls.Add(id)
	if !ls.Contains(id) {
		t.Error("id should be live after Add")
	}
	if ls.Count() != 1 {
		t.Errorf("count = %d, want 1", ls.Count())
	}

	ls.Remove(id)
	if ls.Contains(id) {
		t.Error("id should be absent after Remove")
	}
	if ls.Count() != 0 {
		t.Errorf("count = %d, want 0", ls.Count())
	}
}

func TestLivenessStore_RemoveAbsent_NoOp(t *testing.T) {
	ls := state.NewLivenessStore()
	ls.Remove(hashOf(42))

	if ls.Count() != 0 {
		t.Error("removing an absent id must not create state")
	}
}

func TestLivenessStore_ClaimedLooksLikeNeverCreated(t *testing.T) {
	ls := state.NewLivenessStore()

	claimed := hashOf(1)
	ls.Add(claimed)
	ls.Remove(claimed)

	never := hashOf(2)

	if ls.Contains(claimed) != ls.Contains(never) {
		t.Error("a removed id must be indistinguishable from one never added")
	}
}

func TestLivenessStore_SortedIDs_AscendingByteOrder(t *testing.T) {
	ls := state.NewLivenessStore()
	for _, n := range []int{9, 3, 7, 1, 5} {
		ls.Add(hashOf(n))
	}

	ids := ls.SortedIDs()
	if len(ids) != 5 {
		t.Fatalf("got %d ids, want 5", len(ids))
	}

	for i := 1; i < len(ids); i++ {
		if bytes.Compare(ids[i-1][:], ids[i][:]) >= 0 {
			t.Fatalf("ids not strictly ascending at index %d", i)
		}
	}
}

func TestLivenessStore_Restore(t *testing.T) {
	ls := state.NewLivenessStore()
	ls.Add(hashOf(1))

	ls.Restore([]common.Hash{hashOf(2), hashOf(3)})

	if ls.Contains(hashOf(1)) {
		t.Error("restore must discard prior contents")
	}
	if !ls.Contains(hashOf(2)) || !ls.Contains(hashOf(3)) {
		t.Error("restore must install the given ids")
	}
	if ls.Count() != 2 {
		t.Errorf("count = %d, want 2", ls.Count())
	}
}
