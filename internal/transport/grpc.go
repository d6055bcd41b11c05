package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	grpcService = "keymesh.transport.Link"
	grpcMethod  = "/" + grpcService + "/Stream"
)

// linkServiceDesc describes a single bidirectional streaming method whose
// messages are raw batches wrapped in BytesValue.
var linkServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcService,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Stream",
		ServerStreams: true,
		ClientStreams: true,
	}},
}

// GRPC carries each link over one bidirectional gRPC stream.
type GRPC struct {
	logger *zap.Logger
}

// NewGRPC returns the grpc transport.
func NewGRPC(logger *zap.Logger) *GRPC {
	return &GRPC{logger: logger.Named("grpc")}
}

func (t *GRPC) Proto() string { return "grpc" }

func (t *GRPC) Dial(ctx context.Context, addr string) (Conn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(DefaultMaxBatch+64),
			grpc.MaxCallSendMsgSize(DefaultMaxBatch+64),
		))
	if err != nil {
		return nil, err
	}

	// The stream outlives the dial context; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &linkServiceDesc.Streams[0], grpcMethod)
	stop()
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, err
	}
	if ctx.Err() != nil {
		cancel()
		_ = cc.Close()
		return nil, ctx.Err()
	}

	return &grpcConn{
		stream: stream,
		local:  Endpoint{Proto: "grpc"},
		remote: Endpoint{Proto: "grpc", Addr: addr},
		closeFn: func() error {
			_ = stream.CloseSend()
			cancel()
			return cc.Close()
		},
		done: make(chan struct{}),
	}, nil
}

func (t *GRPC) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &grpcListener{
		ln:    ln,
		queue: newAcceptQueue(),
	}
	l.srv = grpc.NewServer(
		grpc.MaxRecvMsgSize(DefaultMaxBatch+64),
		grpc.MaxSendMsgSize(DefaultMaxBatch+64),
	)
	l.srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: linkServiceDesc.ServiceName,
		HandlerType: linkServiceDesc.HandlerType,
		Streams: []grpc.StreamDesc{{
			StreamName:    "Stream",
			Handler:       l.handleStream,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, struct{}{})

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Warn("grpc server stopped", zap.Error(err))
		}
		l.queue.close()
	}()
	return l, nil
}

type grpcListener struct {
	ln    net.Listener
	srv   *grpc.Server
	queue *acceptQueue
}

// handleStream hands the stream to Accept and holds the RPC open until the
// link closes it.
func (l *grpcListener) handleStream(_ any, stream grpc.ServerStream) error {
	remote := Endpoint{Proto: "grpc"}
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		remote.Addr = p.Addr.String()
	}
	c := &grpcConn{
		stream: stream,
		local:  l.Endpoint(),
		remote: remote,
		done:   make(chan struct{}),
	}
	if !l.queue.push(c) {
		return status.Error(codes.Unavailable, "listener closed")
	}
	select {
	case <-c.done:
		return nil
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
}

func (l *grpcListener) Accept() (Conn, error) {
	return l.queue.accept()
}

func (l *grpcListener) Endpoint() Endpoint {
	return Endpoint{Proto: "grpc", Addr: l.ln.Addr().String()}
}

func (l *grpcListener) Close() error {
	l.queue.close()
	l.srv.Stop()
	return nil
}

// grpcStream is the subset shared by client and server streams.
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type grpcConn struct {
	stream  grpcStream
	local   Endpoint
	remote  Endpoint
	closeFn func() error

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (c *grpcConn) ReadBatch() ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := c.stream.RecvMsg(&msg); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, ErrConnClosed
		}
		select {
		case <-c.done:
			return nil, ErrConnClosed
		default:
		}
		return nil, err
	}
	return msg.GetValue(), nil
}

func (c *grpcConn) WriteBatch(b []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if err := c.stream.SendMsg(wrapperspb.Bytes(b)); err != nil {
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return ErrConnClosed
		}
		return err
	}
	return nil
}

func (c *grpcConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closeFn != nil {
			c.closeErr = c.closeFn()
		}
	})
	return c.closeErr
}

func (c *grpcConn) LocalEndpoint() Endpoint  { return c.local }
func (c *grpcConn) RemoteEndpoint() Endpoint { return c.remote }
func (c *grpcConn) MaxBatch() int            { return DefaultMaxBatch }
