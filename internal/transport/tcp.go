package transport

import (
	"context"
	"net"
)

// TCP carries batches over TCP streams.
type TCP struct {
	dialer net.Dialer
	lc     net.ListenConfig
}

// NewTCP returns the tcp transport.
func NewTCP() *TCP {
	return &TCP{}
}

func (t *TCP) Proto() string { return "tcp" }

func (t *TCP) Dial(ctx context.Context, addr string) (Conn, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return wrapTCP(c), nil
}

func (t *TCP) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := t.lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func wrapTCP(c net.Conn) Conn {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return newStreamConn(c,
		Endpoint{Proto: "tcp", Addr: c.LocalAddr().String()},
		Endpoint{Proto: "tcp", Addr: c.RemoteAddr().String()},
		nil)
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if isClosedErr(err) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return wrapTCP(c), nil
}

func (l *tcpListener) Endpoint() Endpoint {
	return Endpoint{Proto: "tcp", Addr: l.ln.Addr().String()}
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}
