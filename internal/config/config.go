// Package config defines the CLI-driven run configuration shared by every
// netreduce role (server, client, bench, ring peer), and the optional YAML
// topology file that supplements it for multi-host deployments.
package config

import (
	"fmt"
	"strings"

	"github.com/c2h5oh/datasize"
)

// DataType selects the element encoding a run operates on.
type DataType int

const (
	F32 DataType = iota
	F16
	BF16
)

// ParseDataType parses the --data-type flag value.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "f32":
		return F32, nil
	case "f16":
		return F16, nil
	case "bf16":
		return BF16, nil
	default:
		return 0, fmt.Errorf("config: unknown data type %q, want one of f32, f16, bf16", s)
	}
}

func (d DataType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return "unknown"
	}
}

// Args mirrors the CLI flags one to one, unexpanded. Built by
// cmd/netreduce from cobra flag bindings.
type Args struct {
	Verbose bool

	Client bool
	Bench  bool

	RingRank int

	Address string
	Port    int

	Count    int
	TryCount int

	ReduceThreads int
	ReduceJobs    int
	RecvThreads   int
	SendThreads   int

	NChannel int
	NReq     int
	NRank    int

	DataType DataType

	Upstream string

	ConfigPath     string
	MetricsAddress string
}

// Default returns the stock flag defaults.
func Default() Args {
	return Args{
		Address:       "0.0.0.0",
		Port:          8918,
		Count:         1048576,
		TryCount:      100,
		ReduceThreads: 2,
		ReduceJobs:    2,
		NChannel:      1,
		NReq:          1,
		NRank:         1,
		DataType:      F32,
	}
}

// Validate checks the divisibility and consistency constraints the
// pipelines assume: count must divide across the reduce partitions, nrank
// must divide across the recv and send worker pools (a thread count of 0
// means "one per rank"), and ring mode requires one address per rank.
func (a Args) Validate() error {
	if a.Count <= 0 {
		return fmt.Errorf("config: --count must be positive, got %d", a.Count)
	}
	if a.NRank <= 0 {
		return fmt.Errorf("config: --nrank must be positive, got %d", a.NRank)
	}
	// Readiness words carry one bit per rank.
	if a.NRank > 64 {
		return fmt.Errorf("config: --nrank must not exceed 64, got %d", a.NRank)
	}
	if a.ReduceJobs <= 0 {
		return fmt.Errorf("config: --reduce-jobs must be positive, got %d", a.ReduceJobs)
	}
	if a.ReduceThreads <= 0 {
		return fmt.Errorf("config: --reduce-threads must be positive, got %d", a.ReduceThreads)
	}
	// Each reduce worker owns one partition of every job's buffers, and the
	// per-job completion word carries one bit per worker.
	if a.ReduceThreads > 64 {
		return fmt.Errorf("config: --reduce-threads must not exceed 64, got %d", a.ReduceThreads)
	}
	if a.Count%a.ReduceThreads != 0 {
		return fmt.Errorf("config: --count %d must be divisible by --reduce-threads %d", a.Count, a.ReduceThreads)
	}
	if a.NRank%a.RecvThreadCount() != 0 {
		return fmt.Errorf("config: --nrank %d must be divisible by --recv-threads %d", a.NRank, a.RecvThreadCount())
	}
	if a.NRank%a.SendThreadCount() != 0 {
		return fmt.Errorf("config: --nrank %d must be divisible by --send-threads %d", a.NRank, a.SendThreadCount())
	}
	if a.NReq <= 0 {
		return fmt.Errorf("config: --nreq must be positive, got %d", a.NReq)
	}
	if a.NChannel <= 0 {
		return fmt.Errorf("config: --nchannel must be positive, got %d", a.NChannel)
	}
	if a.RingRank > 0 {
		if a.Address == "" {
			return fmt.Errorf("config: ring mode requires --address to list peer addresses")
		}
		if len(strings.Split(a.Address, ",")) != a.NRank {
			return fmt.Errorf("config: ring mode requires one --address entry per rank (nrank=%d)", a.NRank)
		}
	}
	return nil
}

// RecvThreadCount resolves the effective recv worker pool size: 0 means one
// per connected rank.
func (a Args) RecvThreadCount() int {
	if a.RecvThreads == 0 {
		return a.NRank
	}
	return a.RecvThreads
}

// SendThreadCount resolves the effective send worker pool size: 0 means one
// per connected rank.
func (a Args) SendThreadCount() int {
	if a.SendThreads == 0 {
		return a.NRank
	}
	return a.SendThreads
}

// Addresses splits a comma-separated --address value into per-peer
// addresses, used by ring mode.
func (a Args) Addresses() []string {
	return strings.Split(a.Address, ",")
}

// BandwidthOf formats a byte count transferred over seconds as a human-readable
// rate, using c2h5oh/datasize so log lines and --bench output render
// "12.3 MB/s" instead of a raw float.
func BandwidthOf(bytesTransferred int64, seconds float64) string {
	if seconds <= 0 {
		return "n/a"
	}
	bps := datasize.ByteSize(uint64(float64(bytesTransferred) / seconds))
	return bps.HumanReadable() + "/s"
}
