// Package buffer implements the page-aligned, partitioned tensor buffer
// shared between the recv, reduce and send worker pools. Each partition is
// independently lockable so disjoint workers never contend on a mutex;
// locking the whole buffer acquires every partition lock in a fixed order.
package buffer

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Element is the set of scalar types a PartitionedBuffer may hold: IEEE 754
// binary32, and any 16-bit encoding (half-precision floats, bfloat16) whose
// underlying type is uint16.
type Element interface {
	~float32 | ~uint16
}

// Partition is one disjoint, independently-lockable slice of a
// PartitionedBuffer.
type Partition[T Element] struct {
	mu   sync.Mutex
	data []T
}

// Lock acquires the partition's mutex.
func (p *Partition[T]) Lock() { p.mu.Lock() }

// Unlock releases the partition's mutex.
func (p *Partition[T]) Unlock() { p.mu.Unlock() }

// Data returns the partition's backing slice. Callers must hold the lock.
func (p *Partition[T]) Data() []T { return p.data }

// PartitionedBuffer is a page-aligned buffer of count elements of type T,
// split into k disjoint, independently-lockable partitions.
type PartitionedBuffer[T Element] struct {
	mem        []byte
	partitions []Partition[T]
}

// ErrInvalidPartitionSize is returned when count is not evenly divisible by
// the number of partitions.
type ErrInvalidPartitionSize struct {
	Count int
	K     int
}

func (e ErrInvalidPartitionSize) Error() string {
	return fmt.Sprintf("buffer: count %d is not divisible by %d partitions", e.Count, e.K)
}

// New allocates a zero-valued partitioned buffer of count elements split
// into k partitions.
func New[T Element](count, k int) (*PartitionedBuffer[T], error) {
	var zero T
	return newBuffer[T](count, k, zero, false)
}

// FromValue allocates a partitioned buffer of count elements split into k
// partitions, every element initialized to v.
func FromValue[T Element](count, k int, v T) (*PartitionedBuffer[T], error) {
	return newBuffer[T](count, k, v, true)
}

func newBuffer[T Element](count, k int, v T, fill bool) (*PartitionedBuffer[T], error) {
	if count <= 0 || k <= 0 {
		return nil, fmt.Errorf("buffer: count and num partitions must be positive, got count=%d k=%d", count, k)
	}
	if count%k != 0 {
		return nil, ErrInvalidPartitionSize{Count: count, K: k}
	}

	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	size := count * elemSize

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("buffer: mmap %d bytes: %w", size, err)
	}

	data := unsafe.Slice((*T)(unsafe.Pointer(&mem[0])), count)
	if fill {
		for i := range data {
			data[i] = v
		}
	}

	per := count / k
	b := &PartitionedBuffer[T]{
		mem:        mem,
		partitions: make([]Partition[T], k),
	}
	for i := 0; i < k; i++ {
		b.partitions[i].data = data[i*per : (i+1)*per]
	}

	return b, nil
}

// NumPartitions returns k.
func (b *PartitionedBuffer[T]) NumPartitions() int { return len(b.partitions) }

// Len returns the total element count across all partitions.
func (b *PartitionedBuffer[T]) Len() int {
	total := 0
	for i := range b.partitions {
		total += len(b.partitions[i].data)
	}
	return total
}

// Partition returns the i-th partition.
func (b *PartitionedBuffer[T]) Partition(i int) *Partition[T] {
	return &b.partitions[i]
}

// Guard holds every partition lock of a buffer at once, acquired in
// ascending partition order.
type Guard[T Element] struct {
	buf *PartitionedBuffer[T]
}

// LockAll acquires every partition lock, ascending, and returns a Guard
// exposing the whole buffer contiguously.
func (b *PartitionedBuffer[T]) LockAll() *Guard[T] {
	for i := range b.partitions {
		b.partitions[i].Lock()
	}
	return &Guard[T]{buf: b}
}

// Data returns the entire buffer as one contiguous slice. Valid only while
// the Guard is held.
func (g *Guard[T]) Data() []T {
	if len(g.buf.partitions) == 0 {
		return nil
	}
	first := g.buf.partitions[0].data
	if len(first) == 0 {
		return nil
	}
	return unsafe.Slice(&first[0], g.buf.Len())
}

// Unlock releases every partition lock, descending (the reverse of the
// order LockAll acquired them in).
func (g *Guard[T]) Unlock() {
	for i := len(g.buf.partitions) - 1; i >= 0; i-- {
		g.buf.partitions[i].Unlock()
	}
}

// Bytes reinterprets a buffer data slice as raw bytes, for handing off to a
// transport.Plugin send/recv call. The caller must hold whatever lock
// guards data for the duration the returned slice is in use.
func Bytes[T Element](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero))
	return unsafe.Slice((*byte)(unsafe.Pointer(&data[0])), len(data)*sz)
}

// Close unmaps the buffer's backing memory. Callers must ensure no worker
// still references the buffer before calling Close.
func (b *PartitionedBuffer[T]) Close() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
