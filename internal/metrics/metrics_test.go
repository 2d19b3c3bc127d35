package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RegistryObserveStageDoesNotPanic(t *testing.T) {
	r := New()
	r.ObserveStage("reduce", 2*time.Millisecond)
	r.ConnectedRanks.Set(4)
	r.JobsCompleted.Inc()
	r.BandwidthBytes.Set(1 << 20)

	count, err := testGather(r)
	require.NoError(t, err)
	assert.Greater(t, count, 0)
}

func testGather(r *Registry) (int, error) {
	mfs, err := r.reg.Gather()
	if err != nil {
		return 0, err
	}
	return len(mfs), nil
}
