package ready

import "math/bits"

// BitsTraverser iterates over the set bits of a 64-bit word, least
// significant first. Used to turn a stalled readiness mask into a
// human-readable list of which ranks are still outstanding.
type BitsTraverser struct {
	word uint64
}

// NewBitsTraverser constructs a traverser over the given word.
func NewBitsTraverser(word uint64) BitsTraverser {
	return BitsTraverser{word: word}
}

// Traverse calls fn for each set bit, stopping early if fn returns false.
func (m BitsTraverser) Traverse(fn func(uint32) bool) bool {
	word := m.word

	for word > 0 {
		r := bits.TrailingZeros64(word)
		// "word & -word" isolates the lowest set bit; xor-ing it back out
		// compiles to a single blsr on amd64, faster than a shift loop.
		t := word & -word
		word ^= t

		if !fn(uint32(r)) {
			return false
		}
	}

	return true
}

// Missing returns the indices present in want but absent from got, i.e. the
// ranks a readiness word is still waiting on.
func Missing(want, got uint64) []uint32 {
	pending := want &^ got

	out := make([]uint32, 0, bits.OnesCount64(pending))
	NewBitsTraverser(pending).Traverse(func(idx uint32) bool {
		out = append(out, idx)
		return true
	})

	return out
}
