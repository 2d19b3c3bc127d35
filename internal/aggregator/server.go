// Package aggregator implements the centralized in-network gradient
// aggregation topology: nrank peers connect to one server, the server
// reduces every peer's tensor partition each round and fans the sum back
// out, optionally forwarding the locally reduced result one level up a
// hierarchy first (Upstream) and waiting for the globally reduced result
// before fan-out.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/netreduce/netreduce/internal/buffer"
	"github.com/netreduce/netreduce/internal/config"
	"github.com/netreduce/netreduce/internal/metrics"
	"github.com/netreduce/netreduce/internal/reduce"
	"github.com/netreduce/netreduce/internal/ready"
	"github.com/netreduce/netreduce/internal/transport"
)

// Server runs the aggregator pipeline for one element type T.
type Server[T buffer.Element] struct {
	args     config.Args
	plugin   transport.Plugin
	log      *zap.SugaredLogger
	metrics  *metrics.Registry
	reduceFn reduce.Fn[T]

	rank ready.RankGauge
	jobs []*job[T]

	peers map[int]peerEndpoints
}

type peerEndpoints struct {
	recv transport.RecvEndpoint
	send transport.SendEndpoint
}

// NewServer allocates every job's send/recv buffers and returns a Server
// ready to Serve.
func NewServer[T buffer.Element](args config.Args, plugin transport.Plugin, log *zap.SugaredLogger, mr *metrics.Registry, reduceFn reduce.Fn[T]) (*Server[T], error) {
	jobs := make([]*job[T], args.ReduceJobs)
	for i := range jobs {
		j, err := newJob[T](i, args.Count, args.ReduceThreads, args.NRank)
		if err != nil {
			return nil, fmt.Errorf("aggregator: build job %d: %w", i, err)
		}
		jobs[i] = j
	}

	return &Server[T]{
		args:     args,
		plugin:   plugin,
		log:      log,
		metrics:  mr,
		reduceFn: reduceFn,
		jobs:     jobs,
		peers:    make(map[int]peerEndpoints, args.NRank),
	}, nil
}

// Close releases every job's buffers. Must only be called after Serve has
// returned.
func (s *Server[T]) Close() {
	for _, j := range s.jobs {
		j.close()
	}
}

// Serve accepts args.NRank peers over a bootstrap TCP listener, exchanges
// length-prefixed transport handles, then drives the recv/reduce/send (and
// optional upstream) worker pools until ctx is canceled or a worker
// returns a fatal error.
func (s *Server[T]) Serve(ctx context.Context) error {
	if err := s.plugin.Init(); err != nil {
		return fmt.Errorf("aggregator: init transport: %w", err)
	}

	ln, handle, err := s.plugin.Listen()
	if err != nil {
		return fmt.Errorf("aggregator: listen: %w", err)
	}
	defer s.plugin.CloseListen(ln)

	addr := fmt.Sprintf("%s:%d", s.args.Address, s.args.Port)
	bootLn, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("aggregator: bootstrap listen %s: %w", addr, err)
	}
	defer bootLn.Close()

	s.log.Infow("aggregator listening", "address", addr, "nrank", s.args.NRank, "data_type", fmt.Sprintf("%T", *new(T)))

	bootConns := make([]net.Conn, 0, s.args.NRank)
	defer func() {
		for _, c := range bootConns {
			c.Close()
		}
	}()

	for rankIdx := 0; rankIdx < s.args.NRank; rankIdx++ {
		conn, err := bootLn.Accept()
		if err != nil {
			return fmt.Errorf("aggregator: bootstrap accept: %w", err)
		}
		bootConns = append(bootConns, conn)
		connID := xid.New().String()

		recvEnd, sendEnd, err := handshakeServer(ctx, s.plugin, ln, conn, handle)
		if err != nil {
			return fmt.Errorf("aggregator: bootstrap handshake with rank %d (conn %s): %w", rankIdx, connID, err)
		}

		s.peers[rankIdx] = peerEndpoints{recv: recvEnd, send: sendEnd}
		s.rank.Inc()
		s.log.Infow("peer connected", "rank", rankIdx, "conn_id", connID, "remote", conn.RemoteAddr())

		// The bootstrap stream stays open for the peer's lifetime; a read
		// completing means the peer closed it and has departed.
		go s.watchPeer(conn, rankIdx, connID)
	}

	if s.metrics != nil {
		s.metrics.ConnectedRanks.Set(float64(s.rank.Load()))
	}

	group, gctx := errgroup.WithContext(ctx)

	recvThreads := s.args.RecvThreadCount()
	for w := 0; w < recvThreads; w++ {
		w := w
		group.Go(func() error { return s.recvLoop(gctx, w, recvThreads) })
	}

	for w := 0; w < s.args.ReduceThreads; w++ {
		w := w
		group.Go(func() error { return s.reduceLoop(gctx, w) })
	}

	sendThreads := s.args.SendThreadCount()
	for w := 0; w < sendThreads; w++ {
		w := w
		group.Go(func() error { return s.sendLoop(gctx, w, sendThreads) })
	}

	if s.args.Upstream != "" {
		group.Go(func() error { return s.upstreamLoop(gctx) })
	}

	err = group.Wait()
	if errors.Is(err, ready.ErrRankMismatch) {
		s.log.Warnw("peer departed, stopping pipeline", "connected", s.rank.Load(), "nrank", s.args.NRank)
		return nil
	}
	return err
}

// watchPeer blocks on the peer's bootstrap stream until it closes, then
// drops the rank gauge so every spinning worker fails fast out of its loop.
func (s *Server[T]) watchPeer(conn net.Conn, rankIdx int, connID string) {
	var b [1]byte
	conn.Read(b[:])

	remaining := s.rank.Dec()
	if s.metrics != nil {
		s.metrics.ConnectedRanks.Set(float64(remaining))
	}
	s.log.Warnw("peer departed", "rank", rankIdx, "conn_id", connID, "connected", remaining)
}

func (s *Server[T]) ranksFor(workerIdx, poolSize int) []int {
	var assigned []int
	for r := 0; r < s.args.NRank; r++ {
		if r%poolSize == workerIdx {
			assigned = append(assigned, r)
		}
	}
	return assigned
}

// inflight tracks one issued transfer until its completion is observed.
type inflight[T buffer.Element] struct {
	rank  int
	guard *buffer.Guard[T]
	mr    transport.MemoryRegion
	req   *transport.Request
}

// recvLoop owns a subset of peers and walks the job slots in round-robin
// order: for each job it waits until every owned slot is free (the previous
// round consumed by reduce), issues one receive per owned peer, polls them
// all to completion, and publishes each peer's bit as its tensor lands.
func (s *Server[T]) recvLoop(ctx context.Context, workerIdx, poolSize int) error {
	assigned := s.ranksFor(workerIdx, poolSize)
	if len(assigned) == 0 {
		return nil
	}

	jobIdx := 0
	for {
		job := s.jobs[jobIdx]

		for _, rank := range assigned {
			if err := job.recvReady.AwaitClearBit(ctx, rank, &s.rank, s.args.NRank); err != nil {
				return fmt.Errorf("aggregator: recv worker %d: %w", workerIdx, err)
			}
		}

		start := time.Now()

		pending := make([]inflight[T], 0, len(assigned))
		for _, rank := range assigned {
			g := job.recvBufs[rank].LockAll()
			data := buffer.Bytes(g.Data())

			mr, err := s.plugin.RegMR(s.peers[rank].recv, data)
			if err != nil {
				unlockAll(pending, g)
				return fmt.Errorf("aggregator: recv worker %d: reg_mr: %w", workerIdx, err)
			}
			req, err := s.plugin.IRecv(s.peers[rank].recv, mr, data, transport.Tag)
			if err != nil {
				unlockAll(pending, g)
				return fmt.Errorf("aggregator: recv worker %d: irecv: %w", workerIdx, err)
			}
			pending = append(pending, inflight[T]{rank: rank, guard: g, mr: mr, req: req})
		}

		for i, p := range pending {
			if err := pollDone(ctx, s.plugin, p.req); err != nil {
				unlockAll(pending[i:], nil)
				return fmt.Errorf("aggregator: recv worker %d: %w", workerIdx, err)
			}
			s.plugin.DeregMR(p.mr)
			p.guard.Unlock()
			job.recvReady.Publish(p.rank)
		}

		if s.metrics != nil {
			s.metrics.ObserveStage("recv", time.Since(start))
		}

		jobIdx = (jobIdx + 1) % len(s.jobs)
	}
}

func unlockAll[T buffer.Element](pending []inflight[T], extra *buffer.Guard[T]) {
	for _, p := range pending {
		p.guard.Unlock()
	}
	if extra != nil {
		extra.Unlock()
	}
}

// reduceLoop is one of reduceThreads workers that all walk every job slot
// in round-robin order. Worker i sums partition i of every peer's recv
// buffer into partition i of the job's send buffer, so the full reduce
// worker pool runs concurrently on disjoint partitions of the same job.
// The worker whose reduceDone publish completes the mask performs the
// round's transition: clear recvReady so the recv pool refills, then hand
// the result to the send pool (or, in hierarchical mode, to the upstream
// worker).
func (s *Server[T]) reduceLoop(ctx context.Context, workerIdx int) error {
	fullRanks := fullMask(s.args.NRank)
	fullWorkers := fullMask(s.args.ReduceThreads)
	scratch := reduce.NewScratch(s.args.Count/s.args.ReduceThreads, s.args.NRank)

	jobIdx := 0
	for {
		job := s.jobs[jobIdx]

		// Wait out this job's previous round: our own done bit clears only
		// once every worker finished its partition and the electee ran the
		// round transition, so crossing this gate means the whole pool is
		// on the same round of this job.
		if err := job.reduceDone.AwaitClearBit(ctx, workerIdx, &s.rank, s.args.NRank); err != nil {
			return fmt.Errorf("aggregator: reduce worker %d: %w", workerIdx, err)
		}
		if err := job.recvReady.AwaitAll(ctx, fullRanks, &s.rank, s.args.NRank); err != nil {
			return fmt.Errorf("aggregator: reduce worker %d: %w", workerIdx, err)
		}
		// Drain the previous round's fan-out (and, in hierarchical mode,
		// the upstream round-trip) before refilling the send buffer.
		if err := job.sendReady.AwaitAllClear(ctx, fullRanks, &s.rank, s.args.NRank); err != nil {
			return fmt.Errorf("aggregator: reduce worker %d: %w", workerIdx, err)
		}
		if s.args.Upstream != "" {
			if err := job.upstreamReady.AwaitClearBit(ctx, 0, &s.rank, s.args.NRank); err != nil {
				return fmt.Errorf("aggregator: reduce worker %d: %w", workerIdx, err)
			}
		}

		start := time.Now()

		srcs := make([][]T, len(job.recvBufs))
		parts := make([]*buffer.Partition[T], len(job.recvBufs))
		for p, rb := range job.recvBufs {
			part := rb.Partition(workerIdx)
			part.Lock()
			parts[p] = part
			srcs[p] = part.Data()
		}

		dst := job.sendBuf.Partition(workerIdx)
		dst.Lock()
		s.reduceFn(dst.Data(), srcs, scratch)
		dst.Unlock()

		for _, p := range parts {
			p.Unlock()
		}

		if job.reduceDone.Publish(workerIdx) == fullWorkers {
			job.recvReady.Clear()
			if s.args.Upstream != "" {
				job.upstreamReady.Publish(0)
			} else {
				job.sendReady.Reset(fullRanks)
			}
			// Release the pool into this job's next round last, so a worker
			// passing the gate above always sees the transition complete.
			job.reduceDone.Clear()

			if s.metrics != nil {
				s.metrics.JobsCompleted.Inc()
			}
		}

		if s.metrics != nil {
			s.metrics.ObserveStage("reduce", time.Since(start))
		}

		jobIdx = (jobIdx + 1) % len(s.jobs)
	}
}

// sendLoop owns a subset of peers and walks the job slots in round-robin
// order, fanning each job's reduced buffer out to every owned peer once
// reduceLoop (or, in hierarchical mode, upstreamLoop) marks it ready, and
// clearing each peer's bit as its send completes.
func (s *Server[T]) sendLoop(ctx context.Context, workerIdx, poolSize int) error {
	assigned := s.ranksFor(workerIdx, poolSize)
	if len(assigned) == 0 {
		return nil
	}

	jobIdx := 0
	for {
		job := s.jobs[jobIdx]

		for _, rank := range assigned {
			if err := job.sendReady.AwaitBit(ctx, rank, &s.rank, s.args.NRank); err != nil {
				return fmt.Errorf("aggregator: send worker %d: %w", workerIdx, err)
			}
		}

		start := time.Now()

		g := job.sendBuf.LockAll()
		data := buffer.Bytes(g.Data())

		reqs := make([]inflight[T], 0, len(assigned))
		for _, rank := range assigned {
			mr, err := s.plugin.RegMR(s.peers[rank].send, data)
			if err != nil {
				g.Unlock()
				return fmt.Errorf("aggregator: send worker %d: reg_mr: %w", workerIdx, err)
			}
			req, err := s.plugin.ISend(s.peers[rank].send, mr, data, transport.Tag)
			if err != nil {
				g.Unlock()
				return fmt.Errorf("aggregator: send worker %d: isend: %w", workerIdx, err)
			}
			reqs = append(reqs, inflight[T]{rank: rank, mr: mr, req: req})
		}

		for _, p := range reqs {
			if err := pollDone(ctx, s.plugin, p.req); err != nil {
				g.Unlock()
				return fmt.Errorf("aggregator: send worker %d: %w", workerIdx, err)
			}
			s.plugin.DeregMR(p.mr)
			job.sendReady.ClearBit(p.rank)
		}
		g.Unlock()

		if s.metrics != nil {
			s.metrics.ObserveStage("send", time.Since(start))
		}

		jobIdx = (jobIdx + 1) % len(s.jobs)
	}
}

// upstreamLoop forwards each job's locally-reduced buffer one level up the
// hierarchy, waits for the globally-reduced result to come back into the
// same buffer, and only then releases it to the send pool for fan-out.
func (s *Server[T]) upstreamLoop(ctx context.Context) error {
	conn, err := net.Dial("tcp", s.args.Upstream)
	if err != nil {
		return fmt.Errorf("aggregator: upstream dial %s: %w", s.args.Upstream, err)
	}
	defer conn.Close()

	sendEnd, recvEnd, err := handshakeClient(ctx, s.plugin, conn)
	if err != nil {
		return fmt.Errorf("aggregator: upstream handshake: %w", err)
	}

	full := fullMask(s.args.NRank)
	jobIdx := 0
	for {
		job := s.jobs[jobIdx]

		if err := job.upstreamReady.AwaitBit(ctx, 0, &s.rank, s.args.NRank); err != nil {
			return fmt.Errorf("aggregator: upstream: %w", err)
		}

		start := time.Now()

		g := job.sendBuf.LockAll()
		data := buffer.Bytes(g.Data())

		mr, err := s.plugin.RegMR(sendEnd, data)
		if err != nil {
			g.Unlock()
			return fmt.Errorf("aggregator: upstream: reg_mr: %w", err)
		}

		sendReq, err := s.plugin.ISend(sendEnd, mr, data, transport.Tag)
		if err != nil {
			g.Unlock()
			return fmt.Errorf("aggregator: upstream: isend: %w", err)
		}
		if err := pollDone(ctx, s.plugin, sendReq); err != nil {
			g.Unlock()
			return fmt.Errorf("aggregator: upstream: %w", err)
		}

		recvReq, err := s.plugin.IRecv(recvEnd, mr, data, transport.Tag)
		if err != nil {
			g.Unlock()
			return fmt.Errorf("aggregator: upstream: irecv: %w", err)
		}
		if err := pollDone(ctx, s.plugin, recvReq); err != nil {
			g.Unlock()
			return fmt.Errorf("aggregator: upstream: %w", err)
		}
		s.plugin.DeregMR(mr)
		g.Unlock()

		// Arm the fan-out before releasing the upstream slot: the reducer's
		// drain check treats a clear upstreamReady as "round-trip done", so
		// sendReady must already be set by then.
		job.sendReady.Reset(full)
		job.upstreamReady.ClearBit(0)

		if s.metrics != nil {
			s.metrics.ObserveStage("upstream", time.Since(start))
		}

		jobIdx = (jobIdx + 1) % len(s.jobs)
	}
}
