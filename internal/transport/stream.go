package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
)

// streamConn frames batches over a byte stream with a varint length prefix.
type streamConn struct {
	rw      io.ReadWriteCloser
	r       *bufio.Reader
	local   Endpoint
	remote  Endpoint
	max     int
	onClose func() error

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(rw io.ReadWriteCloser, local, remote Endpoint, onClose func() error) *streamConn {
	return &streamConn{
		rw:      rw,
		r:       bufio.NewReaderSize(rw, 32*1024),
		local:   local,
		remote:  remote,
		max:     DefaultMaxBatch,
		onClose: onClose,
	}
}

func (c *streamConn) ReadBatch() ([]byte, error) {
	b, err := wire.ReadStreamBatch(c.r, c.max)
	if err != nil && isClosedErr(err) {
		return nil, ErrConnClosed
	}
	return b, err
}

func (c *streamConn) WriteBatch(b []byte) error {
	err := wire.WriteStreamBatch(c.rw, b)
	if err != nil && isClosedErr(err) {
		return ErrConnClosed
	}
	return err
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

func (c *streamConn) LocalEndpoint() Endpoint  { return c.local }
func (c *streamConn) RemoteEndpoint() Endpoint { return c.remote }
func (c *streamConn) MaxBatch() int            { return c.max }

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
