package aggregator

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/netreduce/netreduce/internal/buffer"
	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/reduce"
	"github.com/netreduce/netreduce/internal/transport"
	"github.com/x448/float16"
)

// Test_ServerF32ReducesTwoPeers is scenario S1: two peers each send a
// constant-filled f32 buffer, the server sums them and fans the sum back
// out to both.
func Test_ServerF32ReducesTwoPeers(t *testing.T) {
	args := config.Default()
	args.Address = "127.0.0.1"
	args.Port = 19101
	args.NRank = 2
	args.Count = 8
	args.ReduceJobs = 1
	args.ReduceThreads = 1

	log := zap.NewNop().Sugar()
	srv, err := NewServer[float32](args, transport.NewSocketPlugin(), log, nil, reduce.F32Reducer)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	results := make(chan []float32, args.NRank)
	for r := 0; r < args.NRank; r++ {
		go func(r int) {
			sbuf := make([]float32, args.Count)
			for i := range sbuf {
				sbuf[i] = float32(r + 1)
			}
			results <- runFloat32Peer(t, ctx, args, sbuf)
		}(r)
	}

	want := []float32{3, 3, 3, 3, 3, 3, 3, 3}
	for i := 0; i < args.NRank; i++ {
		select {
		case got := <-results:
			require.Equal(t, want, got)
		case <-ctx.Done():
			t.Fatal("timed out waiting for peer result")
		}
	}

	cancel()
	<-serveErr
}

// Test_ServerF16ReducesTwoPeers is scenario S2: same as S1 but over
// half-precision buffers, exercising the widen/reduce/narrow path.
func Test_ServerF16ReducesTwoPeers(t *testing.T) {
	args := config.Default()
	args.Address = "127.0.0.1"
	args.Port = 19102
	args.NRank = 2
	args.Count = 8
	args.ReduceJobs = 1
	args.ReduceThreads = 1
	args.DataType = config.F16

	log := zap.NewNop().Sugar()
	srv, err := NewServer[float16.Float16](args, transport.NewSocketPlugin(), log, nil, reduce.F16Reducer)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	results := make(chan []float16.Float16, args.NRank)
	for r := 0; r < args.NRank; r++ {
		go func(r int) {
			sbuf := make([]float16.Float16, args.Count)
			for i := range sbuf {
				sbuf[i] = float16.Fromfloat32(float32(r + 1))
			}
			results <- runFloat16Peer(t, ctx, args, sbuf)
		}(r)
	}

	for i := 0; i < args.NRank; i++ {
		select {
		case got := <-results:
			for _, v := range got {
				require.InDelta(t, float32(3), v.Float32(), 0.01)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for peer result")
		}
	}

	cancel()
	<-serveErr
}

// Test_ServerPipelinesRoundsAcrossJobs drives the full pipeline shape:
// four peers, two reduce workers concurrently summing disjoint partitions
// of each job, two jobs pipelining successive rounds. Every rank sends a
// constant 2.0 tensor each round and must get 8.0 back every round.
func Test_ServerPipelinesRoundsAcrossJobs(t *testing.T) {
	const tryCount = 4

	args := config.Default()
	args.Address = "127.0.0.1"
	args.Port = 19103
	args.NRank = 4
	args.Count = 1024
	args.ReduceJobs = 2
	args.ReduceThreads = 2
	require.NoError(t, args.Validate())

	log := zap.NewNop().Sugar()
	srv, err := NewServer[float32](args, transport.NewSocketPlugin(), log, nil, reduce.F32Reducer)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	errs := make(chan error, args.NRank)
	for r := 0; r < args.NRank; r++ {
		go func() {
			errs <- runConstantPeer(ctx, args, 2.0, 8.0, tryCount)
		}()
	}

	for i := 0; i < args.NRank; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for peer rounds")
		}
	}

	cancel()
	<-serveErr
}

// runConstantPeer connects a peer, then performs rounds of
// send-constant/recv-reduced, checking every element of every round.
func runConstantPeer(ctx context.Context, args config.Args, fill, want float32, rounds int) error {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", args.Address, args.Port))
	if err != nil {
		return err
	}
	defer conn.Close()

	plugin := transport.NewSocketPlugin()
	sendEnd, recvEnd, err := handshakeClient(ctx, plugin, conn)
	if err != nil {
		return err
	}

	sbuf := make([]float32, args.Count)
	for i := range sbuf {
		sbuf[i] = fill
	}
	rbuf := make([]float32, args.Count)

	for round := 0; round < rounds; round++ {
		if err := exchangeErr(ctx, plugin, sendEnd, recvEnd, buffer.Bytes(sbuf), buffer.Bytes(rbuf)); err != nil {
			return fmt.Errorf("round %d: %w", round, err)
		}
		for i, v := range rbuf {
			if v != want {
				return fmt.Errorf("round %d element %d: got %v, want %v", round, i, v, want)
			}
		}
	}
	return nil
}

func runFloat32Peer(t *testing.T, ctx context.Context, args config.Args, sbuf []float32) []float32 {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", args.Address, args.Port))
	require.NoError(t, err)
	defer conn.Close()

	plugin := transport.NewSocketPlugin()
	sendEnd, recvEnd, err := handshakeClient(ctx, plugin, conn)
	require.NoError(t, err)

	rbuf := make([]float32, len(sbuf))
	exchange(t, ctx, plugin, sendEnd, recvEnd, buffer.Bytes(sbuf), buffer.Bytes(rbuf))
	return rbuf
}

func runFloat16Peer(t *testing.T, ctx context.Context, args config.Args, sbuf []float16.Float16) []float16.Float16 {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", args.Address, args.Port))
	require.NoError(t, err)
	defer conn.Close()

	plugin := transport.NewSocketPlugin()
	sendEnd, recvEnd, err := handshakeClient(ctx, plugin, conn)
	require.NoError(t, err)

	rbuf := make([]float16.Float16, len(sbuf))
	exchange(t, ctx, plugin, sendEnd, recvEnd, buffer.Bytes(sbuf), buffer.Bytes(rbuf))
	return rbuf
}

func exchange(t *testing.T, ctx context.Context, plugin transport.Plugin, sendEnd transport.SendEndpoint, recvEnd transport.RecvEndpoint, sendBytes, recvBytes []byte) {
	t.Helper()
	require.NoError(t, exchangeErr(ctx, plugin, sendEnd, recvEnd, sendBytes, recvBytes))
}

func exchangeErr(ctx context.Context, plugin transport.Plugin, sendEnd transport.SendEndpoint, recvEnd transport.RecvEndpoint, sendBytes, recvBytes []byte) error {
	mr, err := plugin.RegMR(sendEnd, sendBytes)
	if err != nil {
		return err
	}

	sendReq, err := plugin.ISend(sendEnd, mr, sendBytes, transport.Tag)
	if err != nil {
		return err
	}
	if err := pollDone(ctx, plugin, sendReq); err != nil {
		return err
	}

	recvReq, err := plugin.IRecv(recvEnd, mr, recvBytes, transport.Tag)
	if err != nil {
		return err
	}
	return pollDone(ctx, plugin, recvReq)
}
