// Command netreduce is the single binary for every netreduce role: the
// centralized aggregator server, the symmetric bench/client test driver,
// and a ring all-reduce peer. There are no distinct subcommands: the
// combination of --client/--bench/--ring-rank flags picks exactly one role.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/logging"
	"github.com/netreduce/netreduce/internal/metrics"
	"github.com/netreduce/netreduce/internal/transport"
	"github.com/netreduce/netreduce/internal/xcmd"
)

// benchSeedValue is the constant every bench/client round fills its send
// buffer with; a reduced round is valid when every element equals
// benchSeedValue * nrank.
const benchSeedValue = 2.0

var cli struct {
	args       config.Args
	dataType   string
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "netreduce",
	Short: "In-network gradient aggregation server for collective all-reduce",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cli.args, cli.dataType, cli.configPath)
	},
}

func init() {
	f := rootCmd.Flags()

	f.BoolVar(&cli.args.Client, "client", false, "run as a bench client connecting to --address:--port")
	f.BoolVar(&cli.args.Bench, "bench", false, "run as a bench client and report bandwidth")
	f.IntVar(&cli.args.RingRank, "ring-rank", 0, "run as ring peer N (1-indexed); 0 means aggregator server")

	f.StringVar(&cli.args.Address, "address", "0.0.0.0", "bind address (server) or comma-separated peer addresses (client/ring)")
	f.IntVar(&cli.args.Port, "port", 8918, "bootstrap TCP port")

	f.IntVar(&cli.args.Count, "count", 1048576, "tensor element count")
	f.IntVar(&cli.args.TryCount, "try-count", 100, "number of send/recv rounds")

	f.IntVar(&cli.args.ReduceThreads, "reduce-threads", 2, "reduce worker pool size")
	f.IntVar(&cli.args.ReduceJobs, "reduce-jobs", 2, "pipeline depth (concurrent jobs)")
	f.IntVar(&cli.args.RecvThreads, "recv-threads", 0, "recv worker pool size (0 = nrank)")
	f.IntVar(&cli.args.SendThreads, "send-threads", 0, "send worker pool size (0 = nrank)")

	f.IntVar(&cli.args.NChannel, "nchannel", 1, "number of parallel ring instances")
	f.IntVar(&cli.args.NReq, "nreq", 1, "ring pipeline depth (in-flight passes)")
	f.IntVar(&cli.args.NRank, "nrank", 1, "number of ranks in the collective")

	f.StringVar(&cli.dataType, "data-type", "f32", "tensor element type: f32, f16, bf16")

	f.StringVar(&cli.args.Upstream, "upstream", "", "hierarchical aggregator upstream address")

	f.BoolVar(&cli.args.Verbose, "verbose", false, "enable debug logging")

	f.StringVar(&cli.configPath, "config", "", "optional YAML topology file")
	f.StringVar(&cli.args.MetricsAddress, "metrics-address", "", "optional Prometheus listener address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args config.Args, dataTypeFlag, configPath string) error {
	dt, err := config.ParseDataType(dataTypeFlag)
	if err != nil {
		return err
	}
	args.DataType = dt

	if configPath != "" {
		topo, err := config.LoadTopology(configPath)
		if err != nil {
			return err
		}
		topo.ApplyTo(&args)
	}

	if err := args.Validate(); err != nil {
		return err
	}

	level := zapcore.InfoLevel
	if args.Verbose {
		level = zapcore.DebugLevel
	}
	level = logging.LevelFromEnv(level)

	log, _, err := logging.Init(&logging.Config{Level: level})
	if err != nil {
		return fmt.Errorf("netreduce: init logging: %w", err)
	}
	defer log.Sync()

	mr := metrics.New()

	ctx := context.Background()
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return dispatch(gctx, args, mr, log) })

	if args.MetricsAddress != "" {
		group.Go(func() error { return mr.Serve(gctx, args.MetricsAddress) })
	}

	group.Go(func() error {
		err := xcmd.WaitInterrupted(gctx)
		log.Infow("caught signal", "err", err)
		return err
	})

	err = group.Wait()
	var interrupted xcmd.Interrupted
	if errors.As(err, &interrupted) {
		return nil
	}
	return err
}

func dispatch(ctx context.Context, args config.Args, mr *metrics.Registry, log *zap.SugaredLogger) error {
	// NCCL_PLUGIN_P2P selects the transport backend; the socket plugin is
	// the only one shipped in-tree.
	if v, ok := os.LookupEnv("NCCL_PLUGIN_P2P"); ok && v != "socket" {
		return fmt.Errorf("netreduce: unsupported transport plugin %q (NCCL_PLUGIN_P2P), only socket is available", v)
	}

	plugin := transport.NewSocketPlugin()
	if err := plugin.Init(); err != nil {
		return fmt.Errorf("netreduce: init transport: %w", err)
	}

	switch {
	case args.Client || args.Bench:
		return runBench(ctx, args, plugin, mr, log)
	case args.RingRank > 0:
		return runRing(ctx, args, plugin, mr, log)
	default:
		return runServer(ctx, args, plugin, mr, log)
	}
}
