package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PartitionedBufferDisjointPartitionsDoNotRace(t *testing.T) {
	buf, err := New[float32](4, 4)
	require.NoError(t, err)
	defer buf.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := buf.Partition(i)
			for j := 0; j < 10; j++ {
				p.Lock()
				p.Data()[0]++
				p.Unlock()
			}
		}(i)
	}
	wg.Wait()

	g := buf.LockAll()
	defer g.Unlock()
	assert.Equal(t, []float32{10, 10, 10, 10}, g.Data())
}

func Test_NewRejectsIndivisibleCount(t *testing.T) {
	_, err := New[float32](10, 3)
	assert.ErrorAs(t, err, &ErrInvalidPartitionSize{})
}

func Test_FromValueFillsEveryElement(t *testing.T) {
	buf, err := FromValue[float32](8, 2, 2.0)
	require.NoError(t, err)
	defer buf.Close()

	g := buf.LockAll()
	defer g.Unlock()
	for _, v := range g.Data() {
		assert.Equal(t, float32(2.0), v)
	}
}

func Test_PartitionDataIsContiguousAcrossWholeBuffer(t *testing.T) {
	buf, err := New[float32](6, 3)
	require.NoError(t, err)
	defer buf.Close()

	for i := 0; i < 3; i++ {
		p := buf.Partition(i)
		p.Lock()
		p.Data()[0] = float32(i)
		p.Data()[1] = float32(i) + 0.5
		p.Unlock()
	}

	g := buf.LockAll()
	defer g.Unlock()
	assert.Equal(t, []float32{0, 0.5, 1, 1.5, 2, 2.5}, g.Data())
}
