package ring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/reduce"
	"github.com/netreduce/netreduce/internal/transport"
)

// Test_RingAllReduceSumsAllRanks is scenario S3: four peers seeded with
// ring_rank in {1,2,3,4} all-reduce to 1+2+3+4=10 on every partition of
// every peer.
func Test_RingAllReduceSumsAllRanks(t *testing.T) {
	addr := "127.0.0.1:20301,127.0.0.1:20302,127.0.0.1:20303,127.0.0.1:20304"

	args := config.Default()
	args.NRank = 4
	args.Address = addr
	args.Count = 4
	args.NChannel = 1
	args.NReq = 1
	args.TryCount = 1

	log := zap.NewNop().Sugar()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	peers := make([]*Peer[float32], 4)
	for i := 0; i < 4; i++ {
		p, err := NewPeer[float32](args, i+1, float32(i+1), transport.NewSocketPlugin(), log, nil, reduce.F32Reducer)
		require.NoError(t, err)
		peers[i] = p
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		group.Go(func() error { return p.Run(gctx) })
	}
	require.NoError(t, group.Wait())

	for i, p := range peers {
		results := p.Results()
		require.Len(t, results, 1)
		for _, v := range results[0] {
			require.InDelta(t, float32(10), v, 1e-6, "peer %d", i)
		}
	}
}
