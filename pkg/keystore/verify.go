package keystore

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/KevoDB/diskcache/pkg/element"
)

// VerifyResult reports whether every block is claimed by at most one key.
type VerifyResult struct {
	OK     bool
	Keys   int
	Blocks uint64
	// Conflicts maps each shared block to the keys claiming it
	Conflicts map[uint32][]element.Key
}

// Verify checks that no block appears under more than one key, or twice
// under the same key.
func (s *KeyStore) Verify() VerifyResult {
	return verifyEntries(s.Entries())
}

// UsedBlocks returns the set of blocks referenced by the index.
func (s *KeyStore) UsedBlocks() *roaring.Bitmap {
	used := roaring.New()
	for _, e := range s.Entries() {
		used.AddMany(e.Blocks)
	}
	return used
}

func verifyEntries(entries []Entry) VerifyResult {
	seen := roaring.New()
	shared := roaring.New()
	for _, e := range entries {
		for _, b := range e.Blocks {
			if !seen.CheckedAdd(b) {
				shared.Add(b)
			}
		}
	}

	res := VerifyResult{
		OK:     shared.IsEmpty(),
		Keys:   len(entries),
		Blocks: seen.GetCardinality(),
	}
	if res.OK {
		return res
	}

	res.Conflicts = make(map[uint32][]element.Key, shared.GetCardinality())
	for _, e := range entries {
		for _, b := range e.Blocks {
			if shared.Contains(b) {
				res.Conflicts[b] = append(res.Conflicts[b], e.Key)
			}
		}
	}
	return res
}
