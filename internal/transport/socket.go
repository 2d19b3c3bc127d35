package transport

import (
	"context"
	"fmt"
	"net"
)

// SocketPlugin implements Plugin over plain TCP sockets. It is the only
// concrete transport netreduce ships; selected unconditionally today since
// it is the sole implementation, but gated behind NCCL_PLUGIN_P2P=socket at
// the CLI layer so a future RDMA plugin slots in without touching callers.
type SocketPlugin struct{}

// NewSocketPlugin constructs a ready-to-use socket plugin.
func NewSocketPlugin() *SocketPlugin { return &SocketPlugin{} }

func (p *SocketPlugin) Init() error { return nil }

type socketListenEndpoint struct {
	ln net.Listener
}

func (*socketListenEndpoint) endpoint()       {}
func (*socketListenEndpoint) listenEndpoint() {}

type socketConnEndpoint struct {
	conn net.Conn
}

func (*socketConnEndpoint) endpoint()     {}
func (*socketConnEndpoint) sendEndpoint() {}
func (*socketConnEndpoint) recvEndpoint() {}

type socketMemoryRegion struct{}

func (*socketMemoryRegion) memoryRegion() {}

// SendEndpointFromConn wraps an already-established net.Conn (e.g. one
// dialed directly by a caller that needs a fixed local or remote address,
// such as the ring pipeline's neighbor links) as a SendEndpoint.
func SendEndpointFromConn(conn net.Conn) SendEndpoint {
	return &socketConnEndpoint{conn: conn}
}

// RecvEndpointFromConn wraps an already-established net.Conn as a
// RecvEndpoint. See SendEndpointFromConn.
func RecvEndpointFromConn(conn net.Conn) RecvEndpoint {
	return &socketConnEndpoint{conn: conn}
}

func (p *SocketPlugin) Listen() (ListenEndpoint, Handle, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &socketListenEndpoint{ln: ln}, Handle(ln.Addr().String()), nil
}

func (p *SocketPlugin) Connect(ctx context.Context, handle Handle) (SendEndpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", string(handle))
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", handle, err)
	}
	return &socketConnEndpoint{conn: conn}, nil
}

func (p *SocketPlugin) Accept(ctx context.Context, l ListenEndpoint) (RecvEndpoint, error) {
	le, ok := l.(*socketListenEndpoint)
	if !ok {
		return nil, fmt.Errorf("transport: accept: not a socket listen endpoint")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := le.ln.Accept()
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("transport: accept: %w", r.err)
		}
		return &socketConnEndpoint{conn: r.conn}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *SocketPlugin) RegMR(e Endpoint, buf []byte) (MemoryRegion, error) {
	// Sockets need no memory registration; retained only to satisfy the
	// facade so a future RDMA plugin is a drop-in replacement.
	return &socketMemoryRegion{}, nil
}

func (p *SocketPlugin) DeregMR(mr MemoryRegion) error { return nil }

func (p *SocketPlugin) ISend(e SendEndpoint, mr MemoryRegion, buf []byte, tag int) (*Request, error) {
	ce, ok := e.(*socketConnEndpoint)
	if !ok {
		return nil, fmt.Errorf("transport: isend: not a socket endpoint")
	}

	req := newRequest()
	go func() {
		n, err := writeFull(ce.conn, buf)
		if err != nil {
			req.complete(n, fmt.Errorf("transport: isend: %w", err))
			return
		}
		req.complete(n, nil)
	}()
	return req, nil
}

func (p *SocketPlugin) IRecv(e RecvEndpoint, mr MemoryRegion, buf []byte, tag int) (*Request, error) {
	ce, ok := e.(*socketConnEndpoint)
	if !ok {
		return nil, fmt.Errorf("transport: irecv: not a socket endpoint")
	}

	req := newRequest()
	go func() {
		n, err := readFull(ce.conn, buf)
		if err != nil {
			req.complete(n, fmt.Errorf("transport: irecv: %w", err))
			return
		}
		req.complete(n, nil)
	}()
	return req, nil
}

func (p *SocketPlugin) Test(req *Request) (bool, int, error) {
	return req.poll()
}

func (p *SocketPlugin) CloseListen(l ListenEndpoint) error {
	le, ok := l.(*socketListenEndpoint)
	if !ok {
		return fmt.Errorf("transport: close: not a socket listen endpoint")
	}
	return le.ln.Close()
}

func (p *SocketPlugin) CloseSend(e SendEndpoint) error {
	ce, ok := e.(*socketConnEndpoint)
	if !ok {
		return fmt.Errorf("transport: close: not a socket endpoint")
	}
	return ce.conn.Close()
}

func (p *SocketPlugin) CloseRecv(e RecvEndpoint) error {
	ce, ok := e.(*socketConnEndpoint)
	if !ok {
		return fmt.Errorf("transport: close: not a socket endpoint")
	}
	return ce.conn.Close()
}

func writeFull(w net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
