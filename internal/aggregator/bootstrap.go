package aggregator

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/netreduce/netreduce/internal/transport"
)

// handshakeServer performs the server side of the bootstrap handshake for a
// single newly-accepted bootstrap connection: exchange Listen handles over
// bootConn, then connect/accept the real data-transfer endpoints
// concurrently so neither side's blocking Accept starves the other's
// Connect.
func handshakeServer(ctx context.Context, plugin transport.Plugin, ln transport.ListenEndpoint, bootConn net.Conn, ourHandle transport.Handle) (transport.RecvEndpoint, transport.SendEndpoint, error) {
	if err := transport.WriteHandle(bootConn, ourHandle); err != nil {
		return nil, nil, err
	}
	peerHandle, err := transport.ReadHandle(bootConn)
	if err != nil {
		return nil, nil, err
	}

	var recvEnd transport.RecvEndpoint
	var sendEnd transport.SendEndpoint

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		e, err := plugin.Accept(gctx, ln)
		recvEnd = e
		return err
	})
	group.Go(func() error {
		e, err := plugin.Connect(gctx, peerHandle)
		sendEnd = e
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return recvEnd, sendEnd, nil
}

// handshakeClient is the child side of a hierarchical aggregator's upstream
// link: it listens for the parent's return channel while connecting to the
// parent's advertised handle.
func handshakeClient(ctx context.Context, plugin transport.Plugin, bootConn net.Conn) (transport.SendEndpoint, transport.RecvEndpoint, error) {
	ln, ourHandle, err := plugin.Listen()
	if err != nil {
		return nil, nil, err
	}
	defer plugin.CloseListen(ln)

	if err := transport.WriteHandle(bootConn, ourHandle); err != nil {
		return nil, nil, err
	}
	peerHandle, err := transport.ReadHandle(bootConn)
	if err != nil {
		return nil, nil, err
	}

	var sendEnd transport.SendEndpoint
	var recvEnd transport.RecvEndpoint

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		e, err := plugin.Connect(gctx, peerHandle)
		sendEnd = e
		return err
	})
	group.Go(func() error {
		e, err := plugin.Accept(gctx, ln)
		recvEnd = e
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return sendEnd, recvEnd, nil
}

// pollDone blocks (via a tight, non-yielding poll of Test) until req
// completes or ctx is canceled.
func pollDone(ctx context.Context, p transport.Plugin, req *transport.Request) error {
	for {
		done, _, err := p.Test(req)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
