package ring

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netreduce/netreduce/internal/buffer"
	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/metrics"
	"github.com/netreduce/netreduce/internal/reduce"
	"github.com/netreduce/netreduce/internal/transport"
)

// Peer runs one rank's participation in the ring topology: nchannel
// independent ring instances, each a disjoint shard of the tensor driven
// over its own TCP port pair (so the rank-to-rank links never collide on
// a single socket).
type Peer[T buffer.Element] struct {
	instances []*instance[T]
}

// NewPeer builds every per-channel instance for this rank. addrs
// must list exactly nrank entries, one "host:port" per ring position
// (ring_rank 1 at index 0); ringRank is the 1-indexed --ring-rank value.
func NewPeer[T buffer.Element](args config.Args, ringRank int, initialValue T, plugin transport.Plugin, log *zap.SugaredLogger, mr *metrics.Registry, reduceFn reduce.Fn[T]) (*Peer[T], error) {
	if args.NRank < 2 {
		return nil, fmt.Errorf("ring: need at least 2 ranks, got %d", args.NRank)
	}
	addrs := splitAddresses(args.Address)
	if len(addrs) != args.NRank {
		return nil, fmt.Errorf("ring: --address must list %d peer addresses, got %d", args.NRank, len(addrs))
	}
	if ringRank < 1 || ringRank > args.NRank {
		return nil, fmt.Errorf("ring: --ring-rank %d out of range [1,%d]", ringRank, args.NRank)
	}
	ringRank0 := ringRank - 1

	nInstances := args.NChannel
	if args.Count%nInstances != 0 {
		return nil, fmt.Errorf("ring: --count %d not divisible across %d --nchannel instances", args.Count, nInstances)
	}
	chunkLen := args.Count / nInstances

	instances := make([]*instance[T], 0, nInstances)
	for ch := 0; ch < args.NChannel; ch++ {
		label := fmt.Sprintf("ch%d", ch)
		ins, err := newInstance[T](label, ringRank0, args.NRank, chunkLen, args.NReq, args.TryCount, initialValue, plugin, log, mr, reduceFn)
		if err != nil {
			return nil, err
		}

		ownAddr, err := offsetPort(addrs[ringRank0], ch)
		if err != nil {
			return nil, err
		}
		// Data flows down the ring: each peer dials the PREVIOUS rank to
		// send and accepts the NEXT rank dialing in to receive, which is
		// the direction the step-index arithmetic in steps.go assumes
		// (rank r+1's send index (r+1)+s-1 lands on rank r's recv index
		// r+s).
		sendAddr, err := offsetPort(addrs[(ringRank0-1+args.NRank)%args.NRank], ch)
		if err != nil {
			return nil, err
		}
		ins.ownAddr, ins.sendAddr = ownAddr, sendAddr

		instances = append(instances, ins)
	}

	return &Peer[T]{instances: instances}, nil
}

// Run bootstraps every instance's neighbor links and drives them
// concurrently until each has completed its share of --try-count passes.
func (p *Peer[T]) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, ins := range p.instances {
		ins := ins
		group.Go(func() error {
			if err := ins.connect(gctx, ins.ownAddr, ins.sendAddr); err != nil {
				return err
			}
			return ins.Run(gctx)
		})
	}

	return group.Wait()
}

// Results returns the final all-reduced tensor for each instance, in
// channel order, for validation by the bench driver or tests.
func (p *Peer[T]) Results() [][]T {
	out := make([][]T, len(p.instances))
	for i, ins := range p.instances {
		out[i] = ins.Result()
	}
	return out
}
