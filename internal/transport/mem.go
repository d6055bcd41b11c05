package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemOptions injects faults into in-memory connections. Faults never touch
// the first batch in each direction so link handshakes complete.
type MemOptions struct {
	// DropEvery drops every Nth batch when N > 1.
	DropEvery int
	// Reorder swaps each pair of consecutive batches.
	Reorder bool
	// Buffer is the per-direction queue length.
	Buffer int
}

// MemNetwork is an in-process network of named listeners. Tests use it to
// connect runtimes without sockets.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	opts      MemOptions
}

// NewMemNetwork returns an empty network whose connections apply opts.
func NewMemNetwork(opts MemOptions) *MemNetwork {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	return &MemNetwork{listeners: make(map[string]*memListener), opts: opts}
}

// Transport returns the "mem" transport bound to this network.
func (n *MemNetwork) Transport() Transport {
	return &memTransport{net: n}
}

// SetOptions changes the faults applied to connections dialed afterwards.
func (n *MemNetwork) SetOptions(opts MemOptions) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if opts.Buffer <= 0 {
		opts.Buffer = n.opts.Buffer
	}
	n.opts = opts
}

type memTransport struct {
	net *MemNetwork
}

func (t *memTransport) Proto() string { return "mem" }

func (t *memTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.net.mu.Lock()
	l, ok := t.net.listeners[addr]
	opts := t.net.opts
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mem: no listener at %q", addr)
	}

	a2b := newMemPipe(opts)
	b2a := newMemPipe(opts)
	dialer := &memConn{in: b2a, out: a2b, local: Endpoint{Proto: "mem", Addr: addr + "#dialer"}, remote: Endpoint{Proto: "mem", Addr: addr}}
	acceptor := &memConn{in: a2b, out: b2a, local: Endpoint{Proto: "mem", Addr: addr}, remote: dialer.local}

	select {
	case l.queue.conns <- acceptor:
		return dialer, nil
	case <-l.queue.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *memTransport) Listen(_ context.Context, addr string) (Listener, error) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.listeners[addr]; ok {
		return nil, fmt.Errorf("mem: address %q in use", addr)
	}
	l := &memListener{net: t.net, addr: addr, queue: newAcceptQueue()}
	t.net.listeners[addr] = l
	return l, nil
}

type memListener struct {
	net   *MemNetwork
	addr  string
	queue *acceptQueue
}

func (l *memListener) Accept() (Conn, error) { return l.queue.accept() }

func (l *memListener) Endpoint() Endpoint { return Endpoint{Proto: "mem", Addr: l.addr} }

func (l *memListener) Close() error {
	l.net.mu.Lock()
	if l.net.listeners[l.addr] == l {
		delete(l.net.listeners, l.addr)
	}
	l.net.mu.Unlock()
	l.queue.close()
	return nil
}

// memPipe is one direction of a connection.
type memPipe struct {
	ch        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	opts      MemOptions

	mu      sync.Mutex
	count   int
	held    []byte
	holding bool
}

func newMemPipe(opts MemOptions) *memPipe {
	return &memPipe{ch: make(chan []byte, opts.Buffer), closed: make(chan struct{}), opts: opts}
}

func (p *memPipe) send(b []byte) error {
	p.mu.Lock()
	p.count++
	n := p.count
	var out [][]byte
	switch {
	case n == 1:
		out = append(out, b)
	case p.opts.DropEvery > 1 && n%p.opts.DropEvery == 0:
	case p.opts.Reorder && !p.holding:
		p.held, p.holding = b, true
	case p.opts.Reorder:
		out = append(out, b, p.held)
		p.held, p.holding = nil, false
	default:
		out = append(out, b)
	}
	p.mu.Unlock()

	for _, m := range out {
		select {
		case p.ch <- m:
		case <-p.closed:
			return ErrConnClosed
		}
	}
	return nil
}

func (p *memPipe) recv() ([]byte, error) {
	select {
	case b := <-p.ch:
		return b, nil
	case <-p.closed:
		return nil, ErrConnClosed
	}
}

func (p *memPipe) close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

type memConn struct {
	in, out *memPipe
	local   Endpoint
	remote  Endpoint
}

func (c *memConn) ReadBatch() ([]byte, error) { return c.in.recv() }

func (c *memConn) WriteBatch(b []byte) error {
	select {
	case <-c.out.closed:
		return ErrConnClosed
	default:
	}
	return c.out.send(append([]byte(nil), b...))
}

func (c *memConn) Close() error {
	c.in.close()
	c.out.close()
	return nil
}

func (c *memConn) LocalEndpoint() Endpoint  { return c.local }
func (c *memConn) RemoteEndpoint() Endpoint { return c.remote }
func (c *memConn) MaxBatch() int            { return DefaultMaxBatch }
