// Package bench implements the symmetric echo test driver: a client that
// connects to an aggregator server, sends a constant-filled
// buffer, receives the reduced result back, validates it against the
// expected nrank-scaled constant, and reports throughput. Used both as the
// --client correctness check and the --bench profiling loop; both roles
// run this same driver with the same behavior and logging.
package bench

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/netreduce/netreduce/internal/buffer"
	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/metrics"
	"github.com/netreduce/netreduce/internal/transport"
)

// Driver runs the bench/client role for one element type T.
type Driver[T buffer.Element] struct {
	Args    config.Args
	Plugin  transport.Plugin
	Log     *zap.SugaredLogger
	Metrics *metrics.Registry

	// InitialValue is the constant every send buffer is filled with.
	InitialValue T

	// ToFloat64 widens a result element for tolerance comparison against
	// InitialValue*nrank.
	ToFloat64 func(T) float64

	// Tolerance is the maximum acceptable |got - want| per element.
	Tolerance float64
}

// Run connects to args.Address:args.Port, then performs args.TryCount
// rounds of send-constant/recv-reduced, validating each round and
// accumulating a bandwidth estimate it reports at the end.
func (d *Driver[T]) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", d.Args.Address, d.Args.Port)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("bench: dial %s: %w", addr, err)
	}
	defer conn.Close()

	sendEnd, recvEnd, err := handshakeClient(ctx, d.Plugin, conn)
	if err != nil {
		return fmt.Errorf("bench: handshake with %s: %w", addr, err)
	}

	sbuf := make([]T, d.Args.Count)
	for i := range sbuf {
		sbuf[i] = d.InitialValue
	}
	rbuf := make([]T, d.Args.Count)

	want := d.ToFloat64(d.InitialValue) * float64(d.Args.NRank)

	sendBytes := buffer.Bytes(sbuf)
	recvBytes := buffer.Bytes(rbuf)

	var totalBytes int64
	start := time.Now()

	for try := 0; try < d.Args.TryCount; try++ {
		tryStart := time.Now()

		mr, err := d.Plugin.RegMR(sendEnd, sendBytes)
		if err != nil {
			return fmt.Errorf("bench: reg_mr: %w", err)
		}

		sendReq, err := d.Plugin.ISend(sendEnd, mr, sendBytes, transport.Tag)
		if err != nil {
			return fmt.Errorf("bench: isend: %w", err)
		}
		if err := pollDone(ctx, d.Plugin, sendReq); err != nil {
			return fmt.Errorf("bench: isend wait: %w", err)
		}

		recvReq, err := d.Plugin.IRecv(recvEnd, mr, recvBytes, transport.Tag)
		if err != nil {
			return fmt.Errorf("bench: irecv: %w", err)
		}
		if err := pollDone(ctx, d.Plugin, recvReq); err != nil {
			return fmt.Errorf("bench: irecv wait: %w", err)
		}
		d.Plugin.DeregMR(mr)

		for i, v := range rbuf {
			got := d.ToFloat64(v)
			if diff := got - want; diff < -d.Tolerance || diff > d.Tolerance {
				return fmt.Errorf("bench: round %d element %d: got %v, want %v (tolerance %v)", try, i, got, want, d.Tolerance)
			}
		}

		totalBytes += int64(len(sendBytes) + len(recvBytes))

		if d.Metrics != nil {
			d.Metrics.ObserveStage("bench_round", time.Since(tryStart))
		}
		if d.Log != nil {
			d.Log.Debugw("bench round complete", "round", try, "elapsed", time.Since(tryStart))
		}
	}

	elapsed := time.Since(start).Seconds()
	bw := config.BandwidthOf(totalBytes, elapsed)

	if d.Metrics != nil && elapsed > 0 {
		d.Metrics.BandwidthBytes.Set(float64(totalBytes) / elapsed)
	}
	if d.Log != nil {
		d.Log.Infow("bench complete", "rounds", d.Args.TryCount, "bandwidth", bw, "elapsed", elapsed)
	}

	return nil
}
