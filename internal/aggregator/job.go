package aggregator

import (
	"fmt"

	"github.com/netreduce/netreduce/internal/buffer"
	"github.com/netreduce/netreduce/internal/ready"
)

// job is one pipelined batch slot of the aggregator pipeline: a full-count
// send buffer and one full-count recv buffer per connected peer, each split
// into one partition per reduce worker, gated by the readiness words the
// recv/reduce/send/upstream pools hand off through. Successive client
// rounds land on successive jobs, so reduceJobs is the pipeline depth
// across rounds, not a spatial split of the tensor.
type job[T buffer.Element] struct {
	id int

	sendBuf  *buffer.PartitionedBuffer[T]
	recvBufs []*buffer.PartitionedBuffer[T]

	recvReady     ready.Word
	sendReady     ready.Word
	upstreamReady ready.Word

	// reduceDone collects one bit per reduce worker as it finishes its
	// partition of the round; the worker whose publish completes the mask
	// clears recvReady and arms the fan-out.
	reduceDone ready.Word
}

func newJob[T buffer.Element](id, count, partitions, nrank int) (*job[T], error) {
	sendBuf, err := buffer.New[T](count, partitions)
	if err != nil {
		return nil, fmt.Errorf("aggregator: send buffer: %w", err)
	}

	recvBufs := make([]*buffer.PartitionedBuffer[T], nrank)
	for i := range recvBufs {
		b, err := buffer.New[T](count, partitions)
		if err != nil {
			return nil, fmt.Errorf("aggregator: recv buffer %d: %w", i, err)
		}
		recvBufs[i] = b
	}

	return &job[T]{
		id:       id,
		sendBuf:  sendBuf,
		recvBufs: recvBufs,
	}, nil
}

func (j *job[T]) close() {
	j.sendBuf.Close()
	for _, b := range j.recvBufs {
		b.Close()
	}
}

func fullMask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}
