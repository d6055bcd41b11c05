package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/multiformats/go-varint"
)

const batchCompressed byte = 0x01

// ErrBatchTooLarge is returned when a batch exceeds the negotiated size.
var ErrBatchTooLarge = errors.New("batch exceeds negotiated size")

// Batch packs length-prefixed encoded messages into one transport write.
// The first byte holds batch flags. A Batch is not safe for concurrent use.
type Batch struct {
	buf   []byte
	limit int
	count int
}

// NewBatch returns an empty batch holding at most limit bytes.
func NewBatch(limit int) *Batch {
	return &Batch{limit: limit, buf: make([]byte, 1, limit)}
}

// Fits reports whether an encoded message of n bytes still fits.
func (b *Batch) Fits(n int) bool {
	return len(b.buf)+varint.UvarintSize(uint64(n))+n <= b.limit
}

// Add appends msg. It returns false, leaving the batch unchanged, when msg
// does not fit.
func (b *Batch) Add(msg []byte) bool {
	if !b.Fits(len(msg)) {
		return false
	}
	var tmp [varint.MaxLenUvarint63]byte
	n := varint.PutUvarint(tmp[:], uint64(len(msg)))
	b.buf = append(b.buf, tmp[:n]...)
	b.buf = append(b.buf, msg...)
	b.count++
	return true
}

// Len returns the number of messages in the batch.
func (b *Batch) Len() int {
	return b.count
}

// Bytes returns the serialized batch. With compress set the message region
// is s2-compressed when that makes it smaller. The returned slice is owned
// by the caller.
func (b *Batch) Bytes(compress bool) []byte {
	body := b.buf[1:]
	if compress && len(body) > 64 {
		packed := s2.Encode(nil, body)
		if len(packed) < len(body) {
			out := make([]byte, 1+len(packed))
			out[0] = batchCompressed
			copy(out[1:], packed)
			return out
		}
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	out[0] = 0
	return out
}

// Reset empties the batch for reuse.
func (b *Batch) Reset() {
	b.buf = b.buf[:1]
	b.count = 0
}

// SplitBatch undoes Bytes and returns the encoded messages. maxSize bounds
// the decompressed size.
func SplitBatch(batch []byte, maxSize int) ([][]byte, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformedMessage)
	}
	body := batch[1:]
	if batch[0]&batchCompressed != 0 {
		n, err := s2.DecodedLen(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if n > maxSize {
			return nil, ErrBatchTooLarge
		}
		body, err = s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	var msgs [][]byte
	for len(body) > 0 {
		n, used, err := varint.FromUvarint(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		body = body[used:]
		if n > uint64(len(body)) {
			return nil, fmt.Errorf("%w: message length %d exceeds batch", ErrMalformedMessage, n)
		}
		msgs = append(msgs, body[:n:n])
		body = body[n:]
	}
	return msgs, nil
}

// WriteStreamBatch writes batch to a byte stream behind its varint length.
func WriteStreamBatch(w io.Writer, batch []byte) error {
	var tmp [varint.MaxLenUvarint63]byte
	n := varint.PutUvarint(tmp[:], uint64(len(batch)))
	buf := make([]byte, 0, n+len(batch))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, batch...)
	_, err := w.Write(buf)
	return err
}

// ReadStreamBatch reads one length-prefixed batch from r. The returned slice
// is freshly allocated.
func ReadStreamBatch(r *bufio.Reader, maxSize int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrBatchTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
