package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsPath is the HTTP path links upgrade on.
const wsPath = "/keymesh"

// WebSocket carries one batch per binary message.
type WebSocket struct {
	logger   *zap.Logger
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
}

// NewWebSocket returns the ws transport.
func NewWebSocket(logger *zap.Logger) *WebSocket {
	return &WebSocket{
		logger: logger.Named("ws"),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (t *WebSocket) Proto() string { return "ws" }

func (t *WebSocket) Dial(ctx context.Context, addr string) (Conn, error) {
	c, _, err := t.dialer.DialContext(ctx, "ws://"+addr+wsPath, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(c), nil
}

func (t *WebSocket) Listen(ctx context.Context, addr string) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{ln: ln, queue: newAcceptQueue()}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		c, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		if !l.queue.push(newWSConn(c)) {
			_ = c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("websocket server stopped", zap.Error(err))
		}
		l.queue.close()
	}()
	return l, nil
}

type wsConn struct {
	c       *websocket.Conn
	local   Endpoint
	remote  Endpoint
	writeMu sync.Mutex
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(DefaultMaxBatch + 1)
	return &wsConn{
		c:      c,
		local:  Endpoint{Proto: "ws", Addr: c.LocalAddr().String()},
		remote: Endpoint{Proto: "ws", Addr: c.RemoteAddr().String()},
	}
}

func (c *wsConn) ReadBatch() ([]byte, error) {
	for {
		typ, b, err := c.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || isClosedErr(err) {
				return nil, ErrConnClosed
			}
			return nil, err
		}
		if typ == websocket.BinaryMessage {
			return b, nil
		}
	}
}

func (c *wsConn) WriteBatch(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.c.WriteMessage(websocket.BinaryMessage, b)
	if err != nil && (errors.Is(err, websocket.ErrCloseSent) || isClosedErr(err)) {
		return ErrConnClosed
	}
	return err
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.c.Close()
}

func (c *wsConn) LocalEndpoint() Endpoint  { return c.local }
func (c *wsConn) RemoteEndpoint() Endpoint { return c.remote }
func (c *wsConn) MaxBatch() int            { return DefaultMaxBatch }

type wsListener struct {
	ln    net.Listener
	srv   *http.Server
	queue *acceptQueue
}

func (l *wsListener) Accept() (Conn, error) {
	return l.queue.accept()
}

func (l *wsListener) Endpoint() Endpoint {
	return Endpoint{Proto: "ws", Addr: l.ln.Addr().String()}
}

func (l *wsListener) Close() error {
	l.queue.close()
	return l.srv.Close()
}
