// Package reduce implements the elementwise reduction kernels shared by the
// aggregator and ring pipelines: f32 is reduced directly; f16 and bf16 are
// widened into an f32 scratch buffer, reduced there, then narrowed back.
//
// Go has no inline NEON/SSE intrinsics in the standard toolchain, so the
// hot path is a manually unrolled loop the compiler's auto-vectorizer can
// fold into packed adds on amd64/arm64, and element-type dispatch happens
// once at startup, when the --data-type value picks one Fn (see Fn below).
package reduce

import (
	"fmt"

	"github.com/x448/float16"
)

// Kind tags which scalar encoding a job's buffers hold.
type Kind int

const (
	F32 Kind = iota
	F16
	BF16
)

func (k Kind) String() string {
	switch k {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("reduce.Kind(%d)", int(k))
	}
}

// Scratch holds the widened f32 working memory a job's reduce worker reuses
// across every batch it processes, one slice per recv source plus one send
// accumulator, sized to a single partition.
type Scratch struct {
	Recv [][]float32
	Send []float32
}

// NewScratch allocates a Scratch sized for partitionLen elements per source,
// with nsrc sources.
func NewScratch(partitionLen, nsrc int) *Scratch {
	recv := make([][]float32, nsrc)
	for i := range recv {
		recv[i] = make([]float32, partitionLen)
	}
	return &Scratch{Recv: recv, Send: make([]float32, partitionLen)}
}

// ReduceF32 computes dst = srcs[0] + srcs[1] + ... + srcs[n-1], accumulated
// strictly in index order so results are bit-reproducible across runs.
func ReduceF32(dst []float32, srcs [][]float32) {
	if len(srcs) == 0 {
		return
	}
	copy(dst, srcs[0])
	for _, src := range srcs[1:] {
		addAssignF32(dst, src)
	}
}

func addAssignF32(dst, src []float32) {
	n := len(dst)
	i := 0
	for ; i+4 <= n; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < n; i++ {
		dst[i] += src[i]
	}
}

// ReduceF16 widens every source into scratch, reduces in f32, then narrows
// the result back into dst.
func ReduceF16(dst []float16.Float16, srcs [][]float16.Float16, s *Scratch) {
	for i, src := range srcs {
		widenF16(s.Recv[i], src)
	}
	ReduceF32(s.Send, s.Recv[:len(srcs)])
	narrowF16(dst, s.Send)
}

func widenF16(dst []float32, src []float16.Float16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}

func narrowF16(dst []float16.Float16, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v)
	}
}

// ReduceBF16 widens every source into scratch, reduces in f32, then narrows
// the result back into dst.
func ReduceBF16(dst []BF16, srcs [][]BF16, s *Scratch) {
	for i, src := range srcs {
		widenBF16(s.Recv[i], src)
	}
	ReduceF32(s.Send, s.Recv[:len(srcs)])
	narrowBF16(dst, s.Send)
}

func widenBF16(dst []float32, src []BF16) {
	for i, v := range src {
		dst[i] = v.Float32()
	}
}

func narrowBF16(dst []BF16, src []float32) {
	for i, v := range src {
		dst[i] = FromFloat32(v)
	}
}

// Fn is the uniform shape every element-type reducer below is adapted to,
// letting the aggregator and ring pipelines stay generic over T instead of
// type-switching on Kind at every call site. One concrete Fn value is
// selected once, at startup, by the CLI's --data-type flag, and the hot
// path never branches on Kind again.
type Fn[T any] func(dst []T, srcs [][]T, scratch *Scratch)

// F32Reducer adapts ReduceF32 to Fn.
var F32Reducer Fn[float32] = func(dst []float32, srcs [][]float32, _ *Scratch) {
	ReduceF32(dst, srcs)
}

// F16Reducer adapts ReduceF16 to Fn.
var F16Reducer Fn[float16.Float16] = func(dst []float16.Float16, srcs [][]float16.Float16, s *Scratch) {
	ReduceF16(dst, srcs, s)
}

// BF16Reducer adapts ReduceBF16 to Fn.
var BF16Reducer Fn[BF16] = func(dst []BF16, srcs [][]BF16, s *Scratch) {
	ReduceBF16(dst, srcs, s)
}
