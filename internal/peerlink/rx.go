package peerlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
)

// inboundItem is one frame or fragment handed from the reader to the
// dispatcher.
type inboundItem struct {
	reliable bool
	sn       uint64
	msg      wire.Message
	frag     *wire.Fragment
}

// reliableRx is the receiving half of the reliable channel.
type reliableRx struct {
	mu       sync.Mutex
	next     uint64 // next sequence number to hand to the dispatcher
	reorder  map[uint64]inboundItem
	gapTimer *clock.Timer
	gapGen   uint64
}

// bestEffortRx tracks the best-effort channel. Only the reader touches it
// apart from queued, which the dispatcher decrements.
type bestEffortRx struct {
	last   uint64
	seen   bool
	queued atomic.Int64
}

func (l *Link) readLoop(ctx context.Context) error {
	defer close(l.inbox)
	for {
		raw, err := l.conn.ReadBatch()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return failure("io", err)
		}
		l.lastRx.Store(l.now())

		msgs, err := wire.SplitBatch(raw, l.cfg.MaxMessageSize)
		if err != nil {
			l.reportError("decode", err)
			continue
		}
		for _, b := range msgs {
			m, err := wire.Decode(b)
			if err != nil {
				l.reportError("decode", err)
				continue
			}
			if err := l.handleInbound(m); err != nil {
				return err
			}
		}
	}
}

func (l *Link) handleInbound(m wire.Message) error {
	switch m := m.(type) {
	case *wire.Frame:
		return l.onFrame(inboundItem{reliable: m.Reliable, sn: m.SN, msg: m.Body})
	case *wire.Fragment:
		return l.onFrame(inboundItem{reliable: m.Reliable, sn: m.SN, frag: m})
	case *wire.Ack:
		l.onAck(m.Next)
	case *wire.KeepAlive:
		if m.Probe {
			l.out.mu.Lock()
			l.out.keepAlive = true
			l.out.mu.Unlock()
			l.kick()
		}
	case *wire.Close:
		return fmt.Errorf("%w: %s: %s", errRemoteClose, m.Reason, m.Message)
	case *wire.Init:
		l.reportError("protocol", errors.New("init on an open link"))
	default:
		l.reportError("protocol", fmt.Errorf("unframed %s message", m.Kind()))
	}
	return nil
}

func (l *Link) onFrame(it inboundItem) error {
	if !it.reliable {
		if !l.info.BestEffort {
			l.reportError("protocol", errors.New("best-effort frame on a link without that channel"))
			return nil
		}
		l.metrics.FramesReceived.WithLabelValues("best_effort").Inc()
		l.onBestEffort(it)
		return nil
	}
	l.metrics.FramesReceived.WithLabelValues("reliable").Inc()

	l.rx.mu.Lock()
	defer l.rx.mu.Unlock()

	switch {
	case it.sn < l.rx.next:
		// A retransmission of something already delivered. Repeat the ack so
		// the sender stops resending.
		l.out.mu.Lock()
		l.out.ackDirty = true
		l.out.mu.Unlock()
		l.kick()
		return nil
	case it.sn > l.rx.next:
		if _, ok := l.rx.reorder[it.sn]; !ok {
			if len(l.rx.reorder) >= l.cfg.ReliableWindow {
				return failure("protocol", fmt.Errorf("reorder buffer overflow at %d", it.sn))
			}
			l.rx.reorder[it.sn] = it
		}
		if l.rx.gapTimer == nil {
			l.startGapTimerLocked()
		}
		return nil
	}

	if err := l.enqueueReliable(it); err != nil {
		return err
	}
	l.rx.next++
	for {
		buffered, ok := l.rx.reorder[l.rx.next]
		if !ok {
			break
		}
		delete(l.rx.reorder, l.rx.next)
		if err := l.enqueueReliable(buffered); err != nil {
			return err
		}
		l.rx.next++
	}

	if l.rx.gapTimer != nil {
		l.rx.gapTimer.Stop()
		l.rx.gapTimer = nil
		l.rx.gapGen++
	}
	if len(l.rx.reorder) > 0 {
		l.startGapTimerLocked()
	}
	return nil
}

// startGapTimerLocked fails the link if the hole at rx.next is still open
// after GapTimeout.
func (l *Link) startGapTimerLocked() {
	l.rx.gapGen++
	gen := l.rx.gapGen
	l.rx.gapTimer = l.clock.AfterFunc(l.cfg.GapTimeout, func() {
		l.rx.mu.Lock()
		stale := gen != l.rx.gapGen
		missing := l.rx.next
		l.rx.mu.Unlock()
		if !stale {
			l.stop(failure("gap", fmt.Errorf("sequence %d missing after %s", missing, l.cfg.GapTimeout)))
		}
	})
}

// enqueueReliable never blocks: the sender's window bounds what can be
// outstanding, so a full inbox means the peer broke the protocol.
func (l *Link) enqueueReliable(it inboundItem) error {
	select {
	case l.inbox <- it:
		return nil
	default:
		return failure("protocol", errors.New("reliable window exceeded"))
	}
}

func (l *Link) onBestEffort(it inboundItem) {
	if l.be.seen && it.sn <= l.be.last {
		l.metrics.Dropped.WithLabelValues("stale").Inc()
		return
	}
	l.be.seen, l.be.last = true, it.sn
	if l.be.queued.Load() >= int64(l.cfg.SendQueueSize) {
		l.metrics.Dropped.WithLabelValues("inbox_full").Inc()
		return
	}
	l.be.queued.Add(1)
	l.inbox <- it
}

func (l *Link) dispatchLoop(ctx context.Context, h Handler) error {
	for {
		select {
		case it, ok := <-l.inbox:
			if !ok {
				return nil
			}
			l.dispatch(h, it)
		case <-ctx.Done():
			// After an orderly remote close, deliver what already arrived.
			if errors.Is(context.Cause(ctx), errRemoteClose) {
				for it := range l.inbox {
					l.dispatch(h, it)
				}
			}
			return nil
		}
	}
}

func (l *Link) dispatch(h Handler, it inboundItem) {
	if !it.reliable {
		l.be.queued.Add(-1)
	}

	m := it.msg
	if it.frag != nil {
		m = nil
		data, err := l.reasm.Add(it.frag)
		switch {
		case err != nil:
			l.reportError("fragment", err)
		case data != nil:
			decoded, err := wire.Decode(data)
			if err != nil || !wire.IsNetwork(decoded) {
				l.reportError("decode", fmt.Errorf("reassembled message: %v", err))
			} else {
				m = decoded
			}
		}
	}
	if m != nil {
		h.HandleMessage(m)
	}

	// Acknowledge only after delivery so a slow handler throttles the sender.
	if it.reliable {
		l.out.mu.Lock()
		if it.sn+1 > l.out.ackNext {
			l.out.ackNext = it.sn + 1
			l.out.ackDirty = true
		}
		l.out.mu.Unlock()
		l.kick()
	}
}
