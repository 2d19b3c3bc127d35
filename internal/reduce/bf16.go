package reduce

import "math"

// BF16 is the top 16 bits of an IEEE 754 binary32 value (1 sign, 8
// exponent, 7 mantissa). No third-party library in the dependency graph
// this project draws from offers a bfloat16 type, so it's represented here
// directly as a truncated float32 bit pattern — there is no behavior beyond
// round-to-nearest-even truncation for a library to usefully add.
type BF16 uint16

// FromFloat32 rounds f to the nearest bf16, ties to even.
func FromFloat32(f float32) BF16 {
	bits := math.Float32bits(f)

	if bits&0x7fffffff > 0x7f800000 {
		// NaN: force the quiet bit on so truncation can't accidentally
		// produce an infinity.
		return BF16((bits >> 16) | 0x0040)
	}

	rounded := bits + 0x7fff + ((bits >> 16) & 1)
	return BF16(rounded >> 16)
}

// Float32 widens b to float32 (exact: bf16 is a strict prefix of float32).
func (b BF16) Float32() float32 {
	return math.Float32frombits(uint32(b) << 16)
}
