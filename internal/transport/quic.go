package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC runs each link over a single bidirectional stream of a QUIC
// connection. The dialer opens the stream; its first batch makes the stream
// visible to the acceptor.
type QUIC struct {
	config *quic.Config
}

// NewQUIC returns the quic transport.
func NewQUIC() *QUIC {
	return &QUIC{
		config: &quic.Config{
			MaxIdleTimeout:     30 * time.Second,
			KeepAlivePeriod:    10 * time.Second,
			MaxIncomingStreams: 16,
		},
	}
}

func (t *QUIC) Proto() string { return "quic" }

func (t *QUIC) Dial(ctx context.Context, addr string) (Conn, error) {
	_, clientTLS, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}
	qc, err := quic.DialAddr(ctx, addr, clientTLS, t.config)
	if err != nil {
		return nil, err
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return wrapQUIC(qc, stream), nil
}

func (t *QUIC) Listen(ctx context.Context, addr string) (Listener, error) {
	serverTLS, _, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, serverTLS, t.config)
	if err != nil {
		return nil, err
	}
	l := &quicListener{ql: ql, queue: newAcceptQueue()}
	go l.acceptLoop()
	return l, nil
}

func wrapQUIC(qc *quic.Conn, stream *quic.Stream) Conn {
	return newStreamConn(stream,
		Endpoint{Proto: "quic", Addr: qc.LocalAddr().String()},
		Endpoint{Proto: "quic", Addr: qc.RemoteAddr().String()},
		func() error { return qc.CloseWithError(0, "link closed") })
}

type quicListener struct {
	ql    *quic.Listener
	queue *acceptQueue
}

func (l *quicListener) acceptLoop() {
	defer l.queue.close()
	for {
		qc, err := l.ql.Accept(context.Background())
		if err != nil {
			return
		}
		go l.awaitStream(qc)
	}
}

// awaitStream waits for the dialer's stream so a connection that never
// opens one does not block other accepts.
func (l *quicListener) awaitStream(qc *quic.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return
	}
	if !l.queue.push(wrapQUIC(qc, stream)) {
		_ = qc.CloseWithError(0, "listener closed")
	}
}

func (l *quicListener) Accept() (Conn, error) {
	return l.queue.accept()
}

func (l *quicListener) Endpoint() Endpoint {
	return Endpoint{Proto: "quic", Addr: l.ql.Addr().String()}
}

func (l *quicListener) Close() error {
	l.queue.close()
	return l.ql.Close()
}
