package bench

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/netreduce/netreduce/internal/transport"
)

// handshakeClient is the client side of the bootstrap handshake: a peer
// connecting to an aggregator server opens its own Listen endpoint,
// exchanges length-prefixed handles with the server over bootConn, then
// connects/accepts the real data endpoints.
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
