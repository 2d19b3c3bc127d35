package reduce

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/x448/float16"
)

func Test_ReduceF32AccumulatesInOrder(t *testing.T) {
	dst := make([]float32, 6)
	srcs := [][]float32{
		{1, 2, 3, 4, 5, 6},
		{1, 1, 1, 1, 1, 1},
		{10, 10, 10, 10, 10, 10},
	}
	ReduceF32(dst, srcs)
	assert.Equal(t, []float32{12, 13, 14, 15, 16, 17}, dst)
}

func Test_ReduceF32EmptySourcesLeavesDstUntouched(t *testing.T) {
	dst := []float32{9, 9}
	ReduceF32(dst, nil)
	assert.Equal(t, []float32{9, 9}, dst)
}

// Test_ReduceF16EightWide sums two 8-lane f16 vectors, [1,2,3,4,1,2,3,4]
// and [5,6,7,8,5,6,7,8], elementwise to [6,8,10,12,6,8,10,12] through the
// widen/reduce/narrow path.
func Test_ReduceF16EightWide(t *testing.T) {
	a := f16Vec(1, 2, 3, 4, 1, 2, 3, 4)
	b := f16Vec(5, 6, 7, 8, 5, 6, 7, 8)
	want := f16Vec(6, 8, 10, 12, 6, 8, 10, 12)

	dst := make([]float16.Float16, 8)
	scratch := NewScratch(8, 2)
	ReduceF16(dst, [][]float16.Float16{a, b}, scratch)

	if diff := cmp.Diff(want, dst); diff != "" {
		t.Fatalf("ReduceF16 mismatch (-want +got):\n%s", diff)
	}
}

func Test_ReduceF16ThreeSources(t *testing.T) {
	a := f16Vec(1, 1, 1, 1)
	b := f16Vec(2, 2, 2, 2)
	c := f16Vec(3, 3, 3, 3)
	want := f16Vec(6, 6, 6, 6)

	dst := make([]float16.Float16, 4)
	scratch := NewScratch(4, 3)
	ReduceF16(dst, [][]float16.Float16{a, b, c}, scratch)

	assert.Equal(t, want, dst)
}

func Test_ReduceBF16RoundTrip(t *testing.T) {
	a := []BF16{FromFloat32(1), FromFloat32(2)}
	b := []BF16{FromFloat32(3), FromFloat32(4)}

	dst := make([]BF16, 2)
	scratch := NewScratch(2, 2)
	ReduceBF16(dst, [][]BF16{a, b}, scratch)

	assert.InDelta(t, float32(4), dst[0].Float32(), 0.01)
	assert.InDelta(t, float32(6), dst[1].Float32(), 0.01)
}

func Test_BF16TruncatesTopSixteenBits(t *testing.T) {
	v := FromFloat32(3.14159)
	assert.InDelta(t, 3.14159, v.Float32(), 0.01)
}

func f16Vec(vs ...float32) []float16.Float16 {
	out := make([]float16.Float16, len(vs))
	for i, v := range vs {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}
