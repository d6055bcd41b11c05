package transport

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
)

// udpMaxBatch keeps a batch inside one datagram on common paths. Larger
// messages are fragmented by the link.
const udpMaxBatch = 8192

// UDP carries one batch per datagram. Delivery is neither reliable nor
// ordered; the link's reliable channel recovers both.
type UDP struct {
	logger *zap.Logger
}

// NewUDP returns the udp transport.
func NewUDP(logger *zap.Logger) *UDP {
	return &UDP{logger: logger.Named("udp")}
}

func (t *UDP) Proto() string { return "udp" }

func (t *UDP) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpDialConn{
		c:      c,
		local:  Endpoint{Proto: "udp", Addr: c.LocalAddr().String()},
		remote: Endpoint{Proto: "udp", Addr: c.RemoteAddr().String()},
	}, nil
}

func (t *UDP) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	l := &udpListener{
		pc:     pc,
		queue:  newAcceptQueue(),
		conns:  make(map[string]*udpServerConn),
		logger: t.logger,
	}
	go l.readLoop()
	return l, nil
}

type udpDialConn struct {
	c      net.Conn
	local  Endpoint
	remote Endpoint
}

func (c *udpDialConn) ReadBatch() ([]byte, error) {
	buf := make([]byte, udpMaxBatch+1)
	n, err := c.c.Read(buf)
	if err != nil {
		if isClosedErr(err) {
			return nil, ErrConnClosed
		}
		return nil, err
	}
	return buf[:n:n], nil
}

func (c *udpDialConn) WriteBatch(b []byte) error {
	_, err := c.c.Write(b)
	if err != nil && isClosedErr(err) {
		return ErrConnClosed
	}
	return err
}

func (c *udpDialConn) Close() error             { return c.c.Close() }
func (c *udpDialConn) LocalEndpoint() Endpoint  { return c.local }
func (c *udpDialConn) RemoteEndpoint() Endpoint { return c.remote }
func (c *udpDialConn) MaxBatch() int            { return udpMaxBatch }

// udpListener demultiplexes datagrams from one socket into per-sender
// connections.
type udpListener struct {
	pc     net.PacketConn
	queue  *acceptQueue
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*udpServerConn
}

func (l *udpListener) readLoop() {
	defer l.queue.close()
	for {
		buf := make([]byte, udpMaxBatch+1)
		n, from, err := l.pc.ReadFrom(buf)
		if err != nil {
			if !isClosedErr(err) {
				l.logger.Warn("udp read failed", zap.Error(err))
			}
			l.closeAll()
			return
		}
		key := from.String()

		l.mu.Lock()
		c, ok := l.conns[key]
		if !ok {
			c = &udpServerConn{
				l:      l,
				addr:   from,
				key:    key,
				inbox:  make(chan []byte, 256),
				closed: make(chan struct{}),
			}
			l.conns[key] = c
		}
		l.mu.Unlock()

		if !ok && !l.queue.push(c) {
			return
		}
		select {
		case c.inbox <- buf[:n:n]:
		default:
			l.logger.Debug("udp inbox full, dropping datagram", zap.String("from", key))
		}
	}
}

func (l *udpListener) Accept() (Conn, error) {
	return l.queue.accept()
}

func (l *udpListener) Endpoint() Endpoint {
	return Endpoint{Proto: "udp", Addr: l.pc.LocalAddr().String()}
}

func (l *udpListener) Close() error {
	l.queue.close()
	return l.pc.Close()
}

func (l *udpListener) remove(key string) {
	l.mu.Lock()
	delete(l.conns, key)
	l.mu.Unlock()
}

func (l *udpListener) closeAll() {
	l.mu.Lock()
	conns := make([]*udpServerConn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

type udpServerConn struct {
	l         *udpListener
	addr      net.Addr
	key       string
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *udpServerConn) ReadBatch() ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

func (c *udpServerConn) WriteBatch(b []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	_, err := c.l.pc.WriteTo(b, c.addr)
	return err
}

func (c *udpServerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.l.remove(c.key)
	})
	return nil
}

func (c *udpServerConn) LocalEndpoint() Endpoint  { return c.l.Endpoint() }
func (c *udpServerConn) RemoteEndpoint() Endpoint { return Endpoint{Proto: "udp", Addr: c.key} }
func (c *udpServerConn) MaxBatch() int            { return udpMaxBatch }
