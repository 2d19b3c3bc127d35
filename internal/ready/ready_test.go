package ready

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WordPublishIsIdempotent(t *testing.T) {
	var w Word
	w.Publish(3)
	w.Publish(3)
	assert.Equal(t, uint64(1<<3), w.Load())
}

func Test_WordPublishReturnsResultingValue(t *testing.T) {
	var w Word
	assert.Equal(t, uint64(0b01), w.Publish(0))
	assert.Equal(t, uint64(0b11), w.Publish(1))
	// Re-publishing a set bit reports the unchanged word.
	assert.Equal(t, uint64(0b11), w.Publish(0))
}

func Test_WordAwaitAllUnblocksOnceMaskSatisfied(t *testing.T) {
	var w Word
	var rank RankGauge
	rank.Inc()
	rank.Inc()

	done := make(chan error, 1)
	go func() {
		done <- w.AwaitAll(context.Background(), 0b11, &rank, 2)
	}()

	select {
	case <-done:
		t.Fatal("AwaitAll returned before mask was satisfied")
	case <-time.After(20 * time.Millisecond):
	}

	w.Publish(0)
	w.Publish(1)

	require.NoError(t, <-done)
}

func Test_WordAwaitAllFailsFastOnRankMismatch(t *testing.T) {
	var w Word
	var rank RankGauge
	rank.Inc()

	err := w.AwaitAll(context.Background(), 0b1, &rank, 2)
	assert.ErrorIs(t, err, ErrRankMismatch)
}

func Test_WordAwaitAllRespectsContextCancellation(t *testing.T) {
	var w Word
	var rank RankGauge
	rank.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := w.AwaitAll(ctx, 0b1, &rank, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_MissingReturnsOutstandingRanks(t *testing.T) {
	assert.Equal(t, []uint32{1, 3}, Missing(0b1011, 0b0001))
}

func Test_WordAwaitAllClearUnblocksOnceMaskDrained(t *testing.T) {
	var w Word
	w.Reset(0b11)

	done := make(chan error, 1)
	go func() {
		done <- w.AwaitAllClear(context.Background(), 0b11, nil, 0)
	}()

	select {
	case <-done:
		t.Fatal("AwaitAllClear returned before mask was drained")
	case <-time.After(20 * time.Millisecond):
	}

	w.ClearBit(0)
	w.ClearBit(1)

	require.NoError(t, <-done)
}

func Test_CounterAccumulatesTokens(t *testing.T) {
	var c Counter
	c.Add(1)
	c.Add(1)

	ok, err := c.Consume(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Consume(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), c.Load())
}

func Test_CounterConsumeAborts(t *testing.T) {
	var c Counter
	ok, err := c.Consume(context.Background(), func() bool { return true })
	require.NoError(t, err)
	assert.False(t, ok)
}
