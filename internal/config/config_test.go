package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseDataType(t *testing.T) {
	cases := map[string]DataType{"f32": F32, "F32": F32, "f16": F16, "bf16": BF16}
	for in, want := range cases {
		got, err := ParseDataType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseDataType("fp8")
	assert.Error(t, err)
}

func Test_ValidateRejectsIndivisibleCount(t *testing.T) {
	a := Default()
	a.Count = 10
	a.ReduceThreads = 3
	assert.Error(t, a.Validate())
}

func Test_ValidateRingModeRequiresMatchingAddressCount(t *testing.T) {
	a := Default()
	a.RingRank = 1
	a.NRank = 3
	a.Address = "host-a:8918,host-b:8918"
	assert.Error(t, a.Validate())

	a.Address = "host-a:8918,host-b:8918,host-c:8918"
	assert.NoError(t, a.Validate())
}

func Test_RecvSendThreadCountDefaultsToNRank(t *testing.T) {
	a := Default()
	a.NRank = 4
	assert.Equal(t, 4, a.RecvThreadCount())
	assert.Equal(t, 4, a.SendThreadCount())

	a.RecvThreads = 2
	assert.Equal(t, 2, a.RecvThreadCount())
}

func Test_TopologyApplyToFillsAddressFromPeers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peers:\n  - host-a:8918\n  - host-b:8918\nupstream: root:9000\n"), 0o644))

	topo, err := LoadTopology(path)
	require.NoError(t, err)

	a := Default()
	topo.ApplyTo(&a)
	assert.Equal(t, "host-a:8918,host-b:8918", a.Address)
	assert.Equal(t, "root:9000", a.Upstream)
}

func Test_BandwidthOfFormatsHumanReadable(t *testing.T) {
	assert.NotEmpty(t, BandwidthOf(1<<20, 1.0))
	assert.Equal(t, "n/a", BandwidthOf(100, 0))
}
