package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnsupportedProto is returned when no transport handles an endpoint.
	ErrUnsupportedProto = errors.New("unsupported transport")
	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("listener closed")
	// ErrConnClosed is returned by reads and writes after Close.
	ErrConnClosed = errors.New("connection closed")
)

// DefaultMaxBatch bounds a single batch on transports without their own limit.
const DefaultMaxBatch = 1 << 16

// Conn moves whole batches between two processes. Stream transports frame
// each batch with its length; message transports map one batch to one
// message or datagram. Batches returned by ReadBatch are never reused by the
// transport. WriteBatch is called from one goroutine at a time.
type Conn interface {
	ReadBatch() ([]byte, error)
	WriteBatch(b []byte) error
	Close() error
	LocalEndpoint() Endpoint
	RemoteEndpoint() Endpoint
	// MaxBatch is the largest batch the transport can carry.
	MaxBatch() int
}

// Listener accepts inbound connections.
type Listener interface {
	Accept() (Conn, error)
	// Endpoint is the bound endpoint, with any wildcard port resolved.
	Endpoint() Endpoint
	Close() error
}

// Transport dials and listens for one protocol.
type Transport interface {
	Proto() string
	Dial(ctx context.Context, addr string) (Conn, error)
	Listen(ctx context.Context, addr string) (Listener, error)
}

// Registry maps protocol names to transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry returns a registry holding ts.
func NewRegistry(ts ...Transport) *Registry {
	r := &Registry{transports: make(map[string]Transport)}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// DefaultRegistry returns a registry with every network transport.
func DefaultRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewRegistry(
		NewTCP(),
		NewUDP(logger),
		NewQUIC(),
		NewWebSocket(logger),
		NewGRPC(logger),
	)
}

// Register adds t, replacing any transport with the same protocol.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Proto()] = t
}

func (r *Registry) lookup(proto string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[proto]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProto, proto)
	}
	return t, nil
}

// Dial connects to ep.
func (r *Registry) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	t, err := r.lookup(ep.Proto)
	if err != nil {
		return nil, err
	}
	conn, err := t.Dial(ctx, ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	return conn, nil
}

// Listen binds ep.
func (r *Registry) Listen(ctx context.Context, ep Endpoint) (Listener, error) {
	t, err := r.lookup(ep.Proto)
	if err != nil {
		return nil, err
	}
	ln, err := t.Listen(ctx, ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ep, err)
	}
	return ln, nil
}

// Protos lists the registered protocols in sorted order.
func (r *Registry) Protos() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transports))
	for p := range r.transports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// acceptQueue is the channel-backed Accept used by transports whose
// connections are produced by a server goroutine.
type acceptQueue struct {
	conns     chan Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{conns: make(chan Conn, 16), closed: make(chan struct{})}
}

func (q *acceptQueue) push(c Conn) bool {
	select {
	case q.conns <- c:
		return true
	case <-q.closed:
		return false
	}
}

func (q *acceptQueue) accept() (Conn, error) {
	select {
	case c := <-q.conns:
		return c, nil
	case <-q.closed:
		return nil, ErrListenerClosed
	}
}

func (q *acceptQueue) close() {
	q.closeOnce.Do(func() { close(q.closed) })
}
