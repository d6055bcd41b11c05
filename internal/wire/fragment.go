package wire

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrFragmentTimeout is reported when a fragmented message is not
	// completed within the reassembly window. The partial buffer is dropped.
	ErrFragmentTimeout = errors.New("fragment reassembly timed out")
	// ErrFragmentSequence is returned for a fragment that does not continue
	// the message being reassembled.
	ErrFragmentSequence = errors.New("fragment out of sequence")
	// ErrFragmentTooLarge is returned when a message grows past the limit.
	ErrFragmentTooLarge = errors.New("fragmented message too large")
)

// Split cuts an encoded message into chunks of at most size bytes.
func Split(msg []byte, size int) [][]byte {
	if size <= 0 {
		size = 1
	}
	chunks := make([][]byte, 0, (len(msg)+size-1)/size)
	for len(msg) > size {
		chunks = append(chunks, msg[:size:size])
		msg = msg[size:]
	}
	return append(chunks, msg)
}

// Fragments builds the Fragment messages for one encoded message. sn is the
// sequence number of the first fragment; each fragment takes the next one.
func Fragments(msg []byte, size int, reliable bool, msgID, sn uint64) []*Fragment {
	chunks := Split(msg, size)
	out := make([]*Fragment, len(chunks))
	for i, c := range chunks {
		out[i] = &Fragment{
			Reliable: reliable,
			SN:       sn + uint64(i),
			MsgID:    msgID,
			Index:    uint32(i),
			Final:    i == len(chunks)-1,
			Data:     c,
		}
	}
	out[0].Total = uint32(len(msg))
	return out
}

type partialKey struct {
	reliable bool
	msgID    uint64
}

type partial struct {
	next  uint32
	total uint32
	buf   []byte
	timer *clock.Timer
}

// Reassembler rebuilds fragmented messages. Fragments of one message must
// arrive in index order; the link's channels guarantee that for reliable
// traffic, and best-effort gaps surface as ErrFragmentSequence or
// ErrFragmentTimeout. A broken message is reported once: its remaining
// fragments are discarded silently until its final fragment arrives or the
// reassembly window passes.
type Reassembler struct {
	mu        sync.Mutex
	clock     clock.Clock
	timeout   time.Duration
	maxSize   int
	partials  map[partialKey]*partial
	abandoned map[partialKey]time.Time
	onTimeout func(error)
}

// NewReassembler returns a reassembler that drops partial messages after
// timeout and reports each drop through onTimeout, which may be nil.
func NewReassembler(clk clock.Clock, timeout time.Duration, maxSize int, onTimeout func(error)) *Reassembler {
	return &Reassembler{
		clock:     clk,
		timeout:   timeout,
		maxSize:   maxSize,
		partials:  make(map[partialKey]*partial),
		abandoned: make(map[partialKey]time.Time),
		onTimeout: onTimeout,
	}
}

// Add feeds one fragment. It returns the complete encoded message when f
// was the final fragment, or nil while more are expected.
func (r *Reassembler) Add(f *Fragment) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := partialKey{reliable: f.Reliable, msgID: f.MsgID}
	if r.skipLocked(key, f) {
		return nil, nil
	}
	p, ok := r.partials[key]
	if !ok {
		if f.Index != 0 {
			r.abandonLocked(key, f)
			return nil, fmt.Errorf("%w: message %d starts at index %d", ErrFragmentSequence, f.MsgID, f.Index)
		}
		if int(f.Total) > r.maxSize {
			r.abandonLocked(key, f)
			return nil, fmt.Errorf("%w: %d bytes announced", ErrFragmentTooLarge, f.Total)
		}
		p = &partial{total: f.Total, buf: make([]byte, 0, f.Total)}
		p.timer = r.clock.AfterFunc(r.timeout, func() { r.expire(key, p) })
		r.partials[key] = p
	} else if f.Index != p.next {
		r.dropLocked(key, p)
		r.abandonLocked(key, f)
		return nil, fmt.Errorf("%w: message %d expected index %d got %d", ErrFragmentSequence, f.MsgID, p.next, f.Index)
	}

	if len(p.buf)+len(f.Data) > r.maxSize {
		r.dropLocked(key, p)
		r.abandonLocked(key, f)
		return nil, fmt.Errorf("%w: message %d", ErrFragmentTooLarge, f.MsgID)
	}
	p.buf = append(p.buf, f.Data...)
	p.next++

	if !f.Final {
		return nil, nil
	}
	r.dropLocked(key, p)
	if p.total != 0 && int(p.total) != len(p.buf) {
		return nil, fmt.Errorf("%w: message %d is %d bytes, announced %d", ErrFragmentSequence, f.MsgID, len(p.buf), p.total)
	}
	return p.buf, nil
}

// Pending returns the number of messages being reassembled.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partials)
}

// Close drops every partial message and stops their timers.
func (r *Reassembler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.partials {
		r.dropLocked(key, p)
	}
	clear(r.abandoned)
}

func (r *Reassembler) expire(key partialKey, p *partial) {
	r.mu.Lock()
	current, ok := r.partials[key]
	if !ok || current != p {
		r.mu.Unlock()
		return
	}
	delete(r.partials, key)
	r.abandoned[key] = r.clock.Now().Add(r.timeout)
	r.mu.Unlock()

	if r.onTimeout != nil {
		r.onTimeout(fmt.Errorf("%w: message %d after %d fragments", ErrFragmentTimeout, key.msgID, p.next))
	}
}

func (r *Reassembler) dropLocked(key partialKey, p *partial) {
	p.timer.Stop()
	delete(r.partials, key)
}

// skipLocked reports whether f belongs to a message that was already
// dropped, forgetting the message once its final fragment goes by.
func (r *Reassembler) skipLocked(key partialKey, f *Fragment) bool {
	until, ok := r.abandoned[key]
	if !ok {
		return false
	}
	switch {
	case f.Final:
		delete(r.abandoned, key)
		return true
	case !r.clock.Now().Before(until):
		delete(r.abandoned, key)
		return false
	}
	return true
}

// abandonLocked remembers a dropped message so the rest of its fragments
// are not reported again. Expired entries are swept on the way.
func (r *Reassembler) abandonLocked(key partialKey, f *Fragment) {
	if f.Final {
		return
	}
	now := r.clock.Now()
	for k, until := range r.abandoned {
		if !now.Before(until) {
			delete(r.abandoned, k)
		}
	}
	r.abandoned[key] = now.Add(r.timeout)
}
