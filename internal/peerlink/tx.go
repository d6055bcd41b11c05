package peerlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

const (
	// frameHeader bounds the bytes a Frame adds around its body.
	frameHeader = 12
	// fragmentOverhead bounds the bytes a Fragment adds around its data.
	fragmentOverhead = 48
)

// reliableTx is the sending half of the reliable channel.
type reliableTx struct {
	mu     sync.Mutex
	log    *txLog
	cursor uint64 // next sequence number to put on the wire
	rto    time.Duration
	timer  *clock.Timer
	armed  bool
	gen    uint64
}

// outbound holds control state and the best-effort queue.
type outbound struct {
	mu        sync.Mutex
	ackNext   uint64
	ackDirty  bool
	probe     bool
	keepAlive bool
	closing   bool

	be       [][][]byte // queued messages, each one or more encoded frames
	beFrames int
	beSN     uint64
	msgID    uint64
}

// frames wraps m for the wire, fragmenting it when it does not fit a batch.
// Sequence numbers are assigned later.
func (l *Link) frames(m wire.Message, body []byte, reliable bool, msgID uint64) []wire.Message {
	if len(body)+frameHeader <= l.maxFrame {
		return []wire.Message{&wire.Frame{Reliable: reliable, Body: m}}
	}
	frags := wire.Fragments(body, l.chunkSize, reliable, msgID, 0)
	out := make([]wire.Message, len(frags))
	for i, f := range frags {
		out[i] = f
	}
	return out
}

func setSN(m wire.Message, sn uint64) {
	switch m := m.(type) {
	case *wire.Frame:
		m.SN = sn
	case *wire.Fragment:
		m.SN = sn
	}
}

func (l *Link) nextMsgID() uint64 {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.msgID++
	return l.out.msgID
}

func (l *Link) sendReliable(ctx context.Context, m wire.Message, body []byte, cc routingtable.CongestionControl) error {
	frames := l.frames(m, body, true, l.nextMsgID())
	n := len(frames)
	window := l.cfg.ReliableWindow

	if cc == routingtable.Drop {
		if n > window || !l.window.TryAcquire(int64(n)) {
			l.metrics.Dropped.WithLabelValues("window_full").Inc()
			return nil
		}
		return l.appendReliable(frames)
	}

	wait, cancel := l.clock.WithTimeout(ctx, l.cfg.SendTimeout)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	// Messages that fit the window go out contiguously. Larger ones take
	// window one fragment at a time.
	step := n
	if n > window {
		step = 1
	}
	for len(frames) > 0 {
		if err := l.window.Acquire(wait, int64(step)); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case l.ctx.Err() != nil:
				return peerlink.ErrLinkClosed
			}
			e := failure("send timeout", fmt.Errorf("no reliable window within %s", l.cfg.SendTimeout))
			l.stop(e)
			return e
		}
		if err := l.appendReliable(frames[:step]); err != nil {
			return err
		}
		frames = frames[step:]
	}
	return nil
}

// appendReliable numbers frames, logs them for retransmission and wakes the
// writer. The caller holds one window permit per frame.
func (l *Link) appendReliable(frames []wire.Message) error {
	l.rel.mu.Lock()
	if l.ctx.Err() != nil {
		l.rel.mu.Unlock()
		return peerlink.ErrLinkClosed
	}
	for _, f := range frames {
		sn := l.rel.log.endSN()
		setSN(f, sn)
		if err := l.rel.log.append(sn, wire.Encode(f)); err != nil {
			l.rel.mu.Unlock()
			return err
		}
	}
	l.rel.mu.Unlock()
	l.kick()
	return nil
}

func (l *Link) sendBestEffort(m wire.Message, body []byte) {
	frames := l.frames(m, body, false, l.nextMsgID())
	limit := l.cfg.SendQueueSize

	l.out.mu.Lock()
	if l.out.beFrames+len(frames) > limit {
		if l.cfg.DropPolicy == DropNewest || len(frames) > limit {
			l.out.mu.Unlock()
			l.metrics.Dropped.WithLabelValues("queue_full").Inc()
			return
		}
		for l.out.beFrames+len(frames) > limit && len(l.out.be) > 0 {
			l.out.beFrames -= len(l.out.be[0])
			l.out.be[0] = nil
			l.out.be = l.out.be[1:]
			l.metrics.Dropped.WithLabelValues("queue_full").Inc()
		}
	}
	encoded := make([][]byte, len(frames))
	for i, f := range frames {
		setSN(f, l.out.beSN)
		l.out.beSN++
		encoded[i] = wire.Encode(f)
	}
	l.out.be = append(l.out.be, encoded)
	l.out.beFrames += len(encoded)
	l.out.mu.Unlock()
	l.kick()
}

func (l *Link) writeLoop(ctx context.Context) error {
	b := wire.NewBatch(l.info.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
		for {
			closing := l.fill(b)
			if b.Len() == 0 {
				break
			}
			if err := l.conn.WriteBatch(b.Bytes(l.info.Compression)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return failure("io", err)
			}
			l.lastTx.Store(l.now())
			l.metrics.BatchesSent.Inc()
			b.Reset()
			if closing {
				return errLocalClose
			}
		}
	}
}

// fill packs the next batch: control first, then reliable frames, then
// best-effort frames. It reports whether the batch carries the final Close.
func (l *Link) fill(b *wire.Batch) bool {
	l.out.mu.Lock()
	if l.out.ackDirty && b.Add(wire.Encode(&wire.Ack{Next: l.out.ackNext})) {
		l.out.ackDirty = false
	}
	if l.out.probe && b.Add(wire.Encode(&wire.KeepAlive{Probe: true})) {
		l.out.probe = false
	}
	if l.out.keepAlive && b.Add(wire.Encode(&wire.KeepAlive{})) {
		l.out.keepAlive = false
	}
	l.out.mu.Unlock()

	l.rel.mu.Lock()
	sent := 0
	for _, e := range l.rel.log.readFrom(l.rel.cursor) {
		if !b.Add(e.data) {
			break
		}
		l.rel.cursor = e.sn + 1
		sent++
	}
	if sent > 0 && !l.rel.armed {
		l.armRetransmitLocked()
	}
	relIdle := l.rel.log.len() == 0
	l.rel.mu.Unlock()
	if sent > 0 {
		l.metrics.FramesSent.WithLabelValues("reliable").Add(float64(sent))
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	sent = 0
	for len(l.out.be) > 0 {
		group := l.out.be[0]
		for len(group) > 0 && b.Add(group[0]) {
			group = group[1:]
			l.out.beFrames--
			sent++
		}
		if len(group) > 0 {
			l.out.be[0] = group
			break
		}
		l.out.be[0] = nil
		l.out.be = l.out.be[1:]
	}
	if sent > 0 {
		l.metrics.FramesSent.WithLabelValues("best_effort").Add(float64(sent))
	}

	// Close goes out once every reliable frame is acknowledged.
	if l.out.closing && relIdle && len(l.out.be) == 0 {
		return b.Add(wire.Encode(&wire.Close{Reason: wire.CloseGeneric}))
	}
	return false
}

func (l *Link) armRetransmitLocked() {
	l.rel.armed = true
	l.rel.gen++
	gen := l.rel.gen
	l.rel.timer = l.clock.AfterFunc(l.rel.rto, func() { l.onRetransmitTimeout(gen) })
}

// onRetransmitTimeout rewinds the cursor to the oldest unacknowledged frame
// (go-back-N) and doubles the timeout up to RetransmitMax.
func (l *Link) onRetransmitTimeout(gen uint64) {
	l.rel.mu.Lock()
	if gen != l.rel.gen || l.ctx.Err() != nil {
		l.rel.mu.Unlock()
		return
	}
	l.rel.armed = false
	first, ok := l.rel.log.first()
	if ok {
		if l.rel.cursor > first {
			l.metrics.Retransmissions.Add(float64(l.rel.cursor - first))
			l.rel.cursor = first
		}
		l.rel.rto = min(l.rel.rto*2, l.cfg.RetransmitMax)
	}
	l.rel.mu.Unlock()
	if ok {
		l.kick()
	}
}

func (l *Link) onAck(next uint64) {
	l.rel.mu.Lock()
	if next > l.rel.log.endSN() {
		end := l.rel.log.endSN()
		l.rel.mu.Unlock()
		l.reportError("protocol", fmt.Errorf("ack %d beyond last sent %d", next, end))
		return
	}
	n := l.rel.log.compact(next)
	if l.rel.cursor < next {
		l.rel.cursor = next
	}
	if n > 0 {
		l.rel.rto = l.cfg.RetransmitInitial
		if l.rel.timer != nil {
			l.rel.timer.Stop()
		}
		l.rel.armed = false
		l.rel.gen++
		if first, ok := l.rel.log.first(); ok && l.rel.cursor > first {
			l.armRetransmitLocked()
		}
	}
	l.rel.mu.Unlock()

	if n > 0 {
		l.window.Release(int64(n))
		l.kick()
	}
}

// keepAliveLoop probes a silent peer and fails the link when nothing has
// been heard for the probe timeout.
func (l *Link) keepAliveLoop(ctx context.Context) error {
	ticker := l.clock.Ticker(l.keepAlive / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := l.clock.Now()
		rxIdle := now.Sub(time.Unix(0, l.lastRx.Load()))
		if rxIdle >= l.probeTimeout {
			return failure("keepalive", fmt.Errorf("nothing received for %s", rxIdle))
		}
		txIdle := now.Sub(time.Unix(0, l.lastTx.Load()))

		l.out.mu.Lock()
		switch {
		case rxIdle >= l.keepAlive:
			l.out.probe = true
		case txIdle >= l.keepAlive:
			l.out.keepAlive = true
		}
		wake := l.out.probe || l.out.keepAlive
		l.out.mu.Unlock()
		if wake {
			l.kick()
		}
	}
}
