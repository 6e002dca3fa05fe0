package keystore

import "fmt"

// PolicyKind selects how the key store bounds itself.
type PolicyKind int

const (
	// PolicyUnbounded never evicts
	PolicyUnbounded PolicyKind = iota
	// PolicyCount evicts the least recently used key above a key count
	PolicyCount
	// PolicySize evicts the least recently used keys above an approximate
	// aggregate size in kilobytes
	PolicySize
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyUnbounded:
		return "unbounded"
	case PolicyCount:
		return "count"
	case PolicySize:
		return "size"
	default:
		return fmt.Sprintf("policy(%d)", int(k))
	}
}

// Policy is the eviction policy of a key store.
type Policy struct {
	Kind PolicyKind
	// Max is a key count for PolicyCount and kilobytes for PolicySize
	Max int
	// BlockSize is used to estimate entry sizes under PolicySize
	BlockSize int
}

// Unbounded returns a policy that never evicts.
func Unbounded() Policy {
	return Policy{Kind: PolicyUnbounded}
}

// CountLimited returns a policy keeping at most max keys. A non-positive max
// means unbounded.
func CountLimited(max int) Policy {
	if max <= 0 {
		return Unbounded()
	}
	return Policy{Kind: PolicyCount, Max: max}
}

// SizeLimited returns a policy keeping roughly maxKB kilobytes of blocks. A
// non-positive maxKB means unbounded.
func SizeLimited(maxKB, blockSize int) Policy {
	if maxKB <= 0 {
		return Unbounded()
	}
	return Policy{Kind: PolicySize, Max: maxKB, BlockSize: blockSize}
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyCount:
		return fmt.Sprintf("count(%d)", p.Max)
	case PolicySize:
		return fmt.Sprintf("size(%dKB)", p.Max)
	default:
		return p.Kind.String()
	}
}

// entrySizeKB over-counts by one kilobyte so eviction starts early rather
// than late.
func (p Policy) entrySizeKB(blocks int) int {
	if p.Kind != PolicySize {
		return 0
	}
	return (blocks*p.BlockSize+1023)/1024 + 1
}

// overLimit reports whether another entry must be evicted given the current
// entry count and content size.
func (p Policy) overLimit(count, contentKB int) bool {
	switch p.Kind {
	case PolicyCount:
		return count > p.Max
	case PolicySize:
		// The last entry is kept even if it alone exceeds the limit, otherwise
		// an oversized value would be evicted as soon as it is put.
		return contentKB > p.Max && count > 1
	default:
		return false
	}
}
