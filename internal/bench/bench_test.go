package bench

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netreduce/netreduce/internal/aggregator"
	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/reduce"
	"github.com/netreduce/netreduce/internal/transport"
)

// Test_DriverValidatesAggregatorReduction exercises the bench client
// against a real in-process aggregator server end to end, covering
// testable property 1 (correctness of reduction) from the client side.
func Test_DriverValidatesAggregatorReduction(t *testing.T) {
	args := config.Default()
	args.Address = "127.0.0.1"
	args.Port = 19301
	args.NRank = 2
	args.Count = 8
	args.ReduceJobs = 2
	args.ReduceThreads = 2
	args.TryCount = 3

	log := zap.NewNop().Sugar()
	srv, err := aggregator.NewServer[float32](args, transport.NewSocketPlugin(), log, nil, reduce.F32Reducer)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	// Every rank sends the same constant, so each driver's
	// initial*nrank validation holds: 2.0 * 2 = 4.0.
	results := make(chan error, args.NRank)
	for r := 0; r < args.NRank; r++ {
		go func() {
			d := &Driver[float32]{
				Args:         args,
				Plugin:       transport.NewSocketPlugin(),
				Log:          log,
				InitialValue: 2.0,
				ToFloat64:    func(v float32) float64 { return float64(v) },
				Tolerance:    1e-6,
			}
			results <- d.Run(ctx)
		}()
	}

	for i := 0; i < args.NRank; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for bench driver")
		}
	}

	cancel()
	<-serveErr
}
