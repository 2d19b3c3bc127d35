// Package transport defines the facade over the network plugin netreduce
// moves tensor partitions through. The real RDMA/verbs backend a production
// deployment would use is an external black box reached through this
// interface; this package ships one concrete implementation, a TCP socket
// plugin, selected via NCCL_PLUGIN_P2P=socket.
package transport

import "context"

// Tag is the single wire tag used for every transfer; senders and
// receivers agree on it by construction, so there is no demultiplexing.
const Tag = 0x69

// Handle is the opaque, serializable address a Listen call hands out for a
// remote peer to Connect to. The bootstrap handshake (see
// internal/aggregator and internal/bench) frames this with a length prefix
// when exchanging it over the wire.
type Handle []byte

// Endpoint is the common marker for any connected transport endpoint.
type Endpoint interface {
	endpoint()
}

// ListenEndpoint is a passive endpoint accepting inbound connections.
type ListenEndpoint interface {
	Endpoint
	listenEndpoint()
}

// SendEndpoint is an active, connected endpoint that can issue sends.
type SendEndpoint interface {
	Endpoint
	sendEndpoint()
}

// RecvEndpoint is an active, connected endpoint that can issue receives.
type RecvEndpoint interface {
	Endpoint
	recvEndpoint()
}

// MemoryRegion is an opaque, plugin-specific registration of a buffer for
// zero-copy transfer. The socket plugin's registration is a no-op retained
// only so a future RDMA plugin is a drop-in replacement.
type MemoryRegion interface {
	memoryRegion()
}

// Request is a handle to an in-flight, non-blocking send or receive.
type Request struct {
	done chan requestResult
	res  requestResult
	got  bool
}

type requestResult struct {
	size int
	err  error
}

func newRequest() *Request {
	return &Request{done: make(chan requestResult, 1)}
}

func (r *Request) complete(size int, err error) {
	r.done <- requestResult{size: size, err: err}
}

// poll returns (done, size, err) without blocking.
func (r *Request) poll() (bool, int, error) {
	if r.got {
		return true, r.res.size, r.res.err
	}
	select {
	case res := <-r.done:
		r.res = res
		r.got = true
		return true, res.size, res.err
	default:
		return false, 0, nil
	}
}

// Plugin is the facade every netreduce worker drives tensor transfers
// through, the verb surface of an nccl_net-style plugin ABI: init, listen,
// connect, accept, memory registration, non-blocking isend/irecv/test, and
// close.
type Plugin interface {
	// Init performs one-time plugin setup.
	Init() error

	// Listen opens a passive endpoint and returns a Handle remote peers can
	// Connect to.
	Listen() (ListenEndpoint, Handle, error)

	// Connect dials the peer advertising handle. The socket plugin blocks
	// until the connection is up or ctx is canceled and never returns a nil
	// endpoint with a nil error; the handshake callers in this tree call
	// Connect once and do not retry on a nil endpoint.
	Connect(ctx context.Context, handle Handle) (SendEndpoint, error)

	// Accept blocks for the next inbound connection on a listen endpoint.
	Accept(ctx context.Context, l ListenEndpoint) (RecvEndpoint, error)

	// RegMR registers buf for transfer over e.
	RegMR(e Endpoint, buf []byte) (MemoryRegion, error)

	// DeregMR releases a registration made by RegMR.
	DeregMR(mr MemoryRegion) error

	// ISend issues a non-blocking send of buf tagged with tag.
	ISend(e SendEndpoint, mr MemoryRegion, buf []byte, tag int) (*Request, error)

	// IRecv issues a non-blocking receive into buf tagged with tag.
	IRecv(e RecvEndpoint, mr MemoryRegion, buf []byte, tag int) (*Request, error)

	// Test polls an in-flight request without blocking.
	Test(req *Request) (done bool, size int, err error)

	// CloseListen, CloseSend, CloseRecv release an endpoint of the
	// corresponding kind.
	CloseListen(l ListenEndpoint) error
	CloseSend(e SendEndpoint) error
	CloseRecv(e RecvEndpoint) error
}
