package ring

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/netreduce/netreduce/internal/transport"
)

// offsetPort adds instanceIdx to addr's port number, giving each channel its
// own disjoint port so nchannel ring instances can run concurrently over
// plain TCP without colliding.
func offsetPort(addr string, instanceIdx int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("ring: invalid peer address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("ring: invalid port in address %q: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+instanceIdx)), nil
}

// splitAddresses parses the comma-separated --address flag into one entry
// per rank.
func splitAddresses(raw string) []string {
	return strings.Split(raw, ",")
}

// bootstrap establishes this instance's two neighbor links: accept one
// inbound connection on ownAddr (the next ring neighbor dialing in, the
// peer this rank receives from) and dial sendAddr (the previous ring
// neighbor, the peer this rank sends to), racing the two so neither side's
// blocking half starves the other.
func bootstrap(ctx context.Context, ownAddr, sendAddr string) (transport.SendEndpoint, transport.RecvEndpoint, error) {
	ln, err := net.Listen("tcp", ownAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("ring: listen %s: %w", ownAddr, err)
	}
	defer ln.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- acceptResult{conn: conn, err: err}
	}()

	dialFn := func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", sendAddr)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second

	dialCh := make(chan acceptResult, 1)
	go func() {
		conn, err := backoff.Retry(ctx, dialFn, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(2*time.Minute))
		dialCh <- acceptResult{conn: conn, err: err}
	}()

	var acceptRes, dialRes acceptResult
	var haveAccept, haveDial bool
	for !haveAccept || !haveDial {
		select {
		case acceptRes = <-acceptCh:
			if acceptRes.err != nil {
				return nil, nil, fmt.Errorf("ring: accept on %s: %w", ownAddr, acceptRes.err)
			}
			haveAccept = true
		case dialRes = <-dialCh:
			if dialRes.err != nil {
				return nil, nil, fmt.Errorf("ring: dial %s: %w", sendAddr, dialRes.err)
			}
			haveDial = true
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	return transport.SendEndpointFromConn(dialRes.conn), transport.RecvEndpointFromConn(acceptRes.conn), nil
}
