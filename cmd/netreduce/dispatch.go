package main

import (
	"context"
	"fmt"

	"github.com/x448/float16"
	"go.uber.org/zap"

	"github.com/netreduce/netreduce/internal/aggregator"
	"github.com/netreduce/netreduce/internal/bench"
	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/metrics"
	"github.com/netreduce/netreduce/internal/reduce"
	"github.com/netreduce/netreduce/internal/ring"
	"github.com/netreduce/netreduce/internal/transport"
)

// runServer starts the centralized aggregator role, selecting the
// concrete element type the rest of the pipeline is generic over based on
// --data-type.
func runServer(ctx context.Context, args config.Args, plugin transport.Plugin, mr *metrics.Registry, log *zap.SugaredLogger) error {
	switch args.DataType {
	case config.F32:
		srv, err := aggregator.NewServer[float32](args, plugin, log, mr, reduce.F32Reducer)
		if err != nil {
			return err
		}
		defer srv.Close()
		return srv.Serve(ctx)
	case config.F16:
		srv, err := aggregator.NewServer[float16.Float16](args, plugin, log, mr, reduce.F16Reducer)
		if err != nil {
			return err
		}
		defer srv.Close()
		return srv.Serve(ctx)
	case config.BF16:
		srv, err := aggregator.NewServer[reduce.BF16](args, plugin, log, mr, reduce.BF16Reducer)
		if err != nil {
			return err
		}
		defer srv.Close()
		return srv.Serve(ctx)
	default:
		return fmt.Errorf("netreduce: unhandled data type %v", args.DataType)
	}
}

// runBench drives the --client/--bench role against a running aggregator
// server.
func runBench(ctx context.Context, args config.Args, plugin transport.Plugin, mr *metrics.Registry, log *zap.SugaredLogger) error {
	switch args.DataType {
	case config.F32:
		d := &bench.Driver[float32]{
			Args: args, Plugin: plugin, Log: log, Metrics: mr,
			InitialValue: float32(benchSeedValue),
			ToFloat64:    func(v float32) float64 { return float64(v) },
			Tolerance:    1e-6,
		}
		return d.Run(ctx)
	case config.F16:
		d := &bench.Driver[float16.Float16]{
			Args: args, Plugin: plugin, Log: log, Metrics: mr,
			InitialValue: float16.Fromfloat32(benchSeedValue),
			ToFloat64:    func(v float16.Float16) float64 { return float64(v.Float32()) },
			Tolerance:    1e-3,
		}
		return d.Run(ctx)
	case config.BF16:
		d := &bench.Driver[reduce.BF16]{
			Args: args, Plugin: plugin, Log: log, Metrics: mr,
			InitialValue: reduce.FromFloat32(benchSeedValue),
			ToFloat64:    func(v reduce.BF16) float64 { return float64(v.Float32()) },
			Tolerance:    1e-2,
		}
		return d.Run(ctx)
	default:
		return fmt.Errorf("netreduce: unhandled data type %v", args.DataType)
	}
}

// runRing drives the --ring-rank role. For benchmarking, each peer seeds
// its buffer with its own (1-indexed) ring rank as a constant fill, so an
// nrank-peer all-reduce converges to n(n+1)/2 everywhere.
func runRing(ctx context.Context, args config.Args, plugin transport.Plugin, mr *metrics.Registry, log *zap.SugaredLogger) error {
	switch args.DataType {
	case config.F32:
		p, err := ring.NewPeer[float32](args, args.RingRank, float32(args.RingRank), plugin, log, mr, reduce.F32Reducer)
		if err != nil {
			return err
		}
		return p.Run(ctx)
	case config.F16:
		p, err := ring.NewPeer[float16.Float16](args, args.RingRank, float16.Fromfloat32(float32(args.RingRank)), plugin, log, mr, reduce.F16Reducer)
		if err != nil {
			return err
		}
		return p.Run(ctx)
	case config.BF16:
		p, err := ring.NewPeer[reduce.BF16](args, args.RingRank, reduce.FromFloat32(float32(args.RingRank)), plugin, log, mr, reduce.BF16Reducer)
		if err != nil {
			return err
		}
		return p.Run(ctx)
	default:
		return fmt.Errorf("netreduce: unhandled data type %v", args.DataType)
	}
}
