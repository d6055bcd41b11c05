// Package peerlink runs the link state machine on top of a transport
// connection: handshake, batching, the reliable and best-effort channels,
// fragmentation and keep-alive.
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/rmacdonaldsmith/keymesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// ErrMessageTooLarge is returned by Send for messages above MaxMessageSize.
var ErrMessageTooLarge = errors.New("message too large")

var (
	errLocalClose  = errors.New("closed locally")
	errRemoteClose = errors.New("closed by remote")
)

// linkError is a failure of an open link. It matches peerlink.ErrLinkFailed.
type linkError struct {
	cause string
	err   error
}

func failure(cause string, err error) error {
	return &linkError{cause: cause, err: err}
}

func (e *linkError) Error() string {
	if e.err == nil {
		return "link failed: " + e.cause
	}
	return "link failed: " + e.cause + ": " + e.err.Error()
}

func (e *linkError) Is(target error) bool { return target == peerlink.ErrLinkFailed }
func (e *linkError) Unwrap() error        { return e.err }

// Handler receives what a link delivers. HandleMessage is called from a
// single goroutine in channel order. HandleClosed is called exactly once,
// after the last HandleMessage.
type Handler interface {
	HandleMessage(m wire.Message)
	HandleClosed(err error)
}

// Info describes an open link.
type Info struct {
	Remote      peerlink.PeerInfo
	Local       transport.Endpoint
	Version     uint8
	BatchSize   int
	Compression bool
	// BestEffort reports whether both sides accepted the best-effort
	// channel.
	BestEffort bool
	Lease      time.Duration
}

// Link is one established connection to a remote runtime.
type Link struct {
	cfg     Config
	conn    transport.Conn
	info    Info
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	state atomic.Int32
	ctx   context.Context
	stop  context.CancelCauseFunc
	group errgroup.Group
	done  chan struct{}
	err   error

	startOnce sync.Once
	closeOnce sync.Once

	keepAlive    time.Duration
	probeTimeout time.Duration
	lastRx       atomic.Int64
	lastTx       atomic.Int64
	errBudget    *rate.Limiter

	// outbound
	wake      chan struct{}
	maxFrame  int
	chunkSize int
	window    *semaphore.Weighted
	rel       reliableTx
	out       outbound

	// inbound
	inbox chan inboundItem
	rx    reliableRx
	be    bestEffortRx
	reasm *wire.Reassembler
}

// Establish runs the handshake over conn and returns an open link. The
// initiator is the side that dialed. On error conn is closed.
func Establish(ctx context.Context, conn transport.Conn, cfg Config, initiator bool) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	cfg.SetDefaults()

	l := &Link{
		cfg:     cfg,
		conn:    conn,
		logger:  cfg.Logger.Named("peerlink"),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	l.state.Store(int32(peerlink.StateHandshaking))

	n, err := l.handshake(ctx, initiator)
	if err != nil {
		_ = conn.Close()
		l.state.Store(int32(peerlink.StateFailed))
		return nil, err
	}
	l.setup(n)
	l.state.Store(int32(peerlink.StateOpen))
	l.metrics.LinksOpen.Inc()
	l.logger.Info("link open",
		zap.String("remote", peerlink.Short(l.info.Remote.ID)),
		zap.Stringer("mode", l.info.Remote.Mode),
		zap.Stringer("endpoint", conn.RemoteEndpoint()),
		zap.Int("batch", l.info.BatchSize),
		zap.Bool("compression", l.info.Compression))
	return l, nil
}

func (l *Link) setup(n *negotiated) {
	l.info = Info{
		Remote: peerlink.PeerInfo{
			ID:        n.remote.PeerID,
			Mode:      n.remote.Mode,
			Endpoints: []string{l.conn.RemoteEndpoint().String()},
		},
		Local:       l.conn.LocalEndpoint(),
		Version:     n.version,
		BatchSize:   n.batchSize,
		Compression: n.compression,
		BestEffort:  n.bestEffort,
		Lease:       n.remote.Lease,
	}
	l.logger = l.logger.With(zap.String("peer", peerlink.Short(n.remote.PeerID)))

	l.keepAlive = l.cfg.KeepAliveInterval
	l.probeTimeout = max(l.cfg.ProbeTimeout, n.remote.Lease)
	now := l.clock.Now().UnixNano()
	l.lastRx.Store(now)
	l.lastTx.Store(now)
	l.errBudget = rate.NewLimiter(l.cfg.ErrorRate, l.cfg.ErrorBurst)

	// Batch flag byte and the stream length prefix of one message.
	l.maxFrame = n.batchSize - 1 - 3
	l.chunkSize = l.maxFrame - fragmentOverhead
	l.window = semaphore.NewWeighted(int64(l.cfg.ReliableWindow))
	l.rel.log = newTxLog(n.localSN)
	l.rel.cursor = n.localSN
	l.rel.rto = l.cfg.RetransmitInitial
	l.out.beSN = n.localSN

	l.inbox = make(chan inboundItem, l.cfg.ReliableWindow+l.cfg.SendQueueSize)
	l.rx.next = n.remote.InitialSN
	l.rx.reorder = make(map[uint64]inboundItem)
	l.out.ackNext = n.remote.InitialSN
	l.reasm = wire.NewReassembler(l.clock, l.cfg.FragmentTimeout, l.cfg.MaxMessageSize, func(err error) {
		l.reportError("fragment", err)
	})

	l.ctx, l.stop = context.WithCancelCause(context.Background())
}

// Start launches the link goroutines. Messages received before Start are
// held by the transport.
func (l *Link) Start(h Handler) {
	l.startOnce.Do(func() {
		l.run("reader", l.readLoop)
		l.run("dispatcher", func(ctx context.Context) error { return l.dispatchLoop(ctx, h) })
		l.run("writer", l.writeLoop)
		l.run("keepalive", l.keepAliveLoop)
		l.group.Go(func() error {
			<-l.ctx.Done()
			return l.conn.Close()
		})
		go l.supervise(h)
	})
}

func (l *Link) run(name string, loop func(ctx context.Context) error) {
	l.group.Go(func() error {
		err := loop(l.ctx)
		if err != nil {
			l.stop(err)
			l.logger.Debug("link goroutine stopped", zap.String("goroutine", name), zap.Error(err))
		}
		return err
	})
}

// supervise waits for every goroutine and reports the terminal error once.
func (l *Link) supervise(h Handler) {
	_ = l.group.Wait()
	cause := context.Cause(l.ctx)

	var err error
	switch {
	case errors.Is(cause, errLocalClose):
		err = peerlink.ErrLinkClosed
		l.state.Store(int32(peerlink.StateClosed))
	case errors.Is(cause, errRemoteClose):
		err = fmt.Errorf("%w: %v", peerlink.ErrLinkClosed, cause)
		l.state.Store(int32(peerlink.StateClosed))
	default:
		var le *linkError
		if !errors.As(cause, &le) {
			cause = failure("io", cause)
			errors.As(cause, &le)
		}
		err = cause
		l.state.Store(int32(peerlink.StateFailed))
		l.metrics.LinkFailures.WithLabelValues(le.cause).Inc()
	}
	l.err = err

	l.rel.mu.Lock()
	if l.rel.timer != nil {
		l.rel.timer.Stop()
	}
	l.rel.log.reset()
	l.rel.mu.Unlock()
	l.rx.mu.Lock()
	if l.rx.gapTimer != nil {
		l.rx.gapTimer.Stop()
	}
	l.rx.mu.Unlock()
	l.reasm.Close()
	l.metrics.LinksOpen.Dec()

	if errors.Is(err, peerlink.ErrLinkFailed) {
		l.logger.Warn("link failed", zap.Error(err))
	} else {
		l.logger.Info("link closed", zap.Error(err))
	}
	h.HandleClosed(err)
	close(l.done)
}

// Close ends the link in an orderly way: queued frames are flushed, then a
// Close message is sent. Close does not wait; use Done.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		started := true
		l.startOnce.Do(func() { started = false })
		if !started {
			l.stop(errLocalClose)
			l.state.Store(int32(peerlink.StateClosed))
			l.metrics.LinksOpen.Dec()
			l.err = peerlink.ErrLinkClosed
			_ = l.conn.Close()
			close(l.done)
			return
		}
		if !l.state.CompareAndSwap(int32(peerlink.StateOpen), int32(peerlink.StateClosing)) {
			return
		}
		l.out.mu.Lock()
		l.out.closing = true
		l.out.mu.Unlock()
		l.kick()

		// A writer stuck on a dead transport must not hold the link open.
		l.clock.AfterFunc(time.Second, func() { l.stop(errLocalClose) })
	})
	return nil
}

// Done is closed once the link has terminated and HandleClosed returned.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err returns the terminal error once Done is closed.
func (l *Link) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// State returns the current lifecycle state.
func (l *Link) State() peerlink.LinkState {
	return peerlink.LinkState(l.state.Load())
}

// Remote returns the identity negotiated in the handshake.
func (l *Link) Remote() peerlink.PeerInfo {
	return l.info.Remote
}

// Info returns the negotiated link parameters.
func (l *Link) Info() Info {
	return l.info
}

// ReportError charges a malformed or unroutable inbound message to the
// link's error budget. The link fails once the budget is exhausted.
func (l *Link) ReportError(err error) {
	l.reportError("session", err)
}

func (l *Link) reportError(class string, err error) {
	l.metrics.MessageErrors.WithLabelValues(class).Inc()
	l.logger.Debug("dropping inbound message", zap.String("class", class), zap.Error(err))
	if !l.errBudget.AllowN(l.clock.Now(), 1) {
		l.stop(failure("error budget", err))
	}
}

// Send queues m on the channel selected by rel. Reliable sends with Block
// congestion control wait for window up to SendTimeout and fail the link
// when it does not open. Best-effort and Drop sends never block. On a link
// without a best-effort channel, best-effort sends take the reliable
// channel as Drop sends.
func (l *Link) Send(ctx context.Context, m wire.Message, rel routingtable.Reliability, cc routingtable.CongestionControl) error {
	if s := l.State(); s != peerlink.StateOpen {
		if s.Terminal() && l.Err() != nil {
			return l.Err()
		}
		return peerlink.ErrLinkClosed
	}
	body := wire.Encode(m)
	if len(body) > l.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body))
	}
	if rel == routingtable.Reliable {
		return l.sendReliable(ctx, m, body, cc)
	}
	if !l.info.BestEffort {
		return l.sendReliable(ctx, m, body, routingtable.Drop)
	}
	l.sendBestEffort(m, body)
	return nil
}

// kick wakes the writer.
func (l *Link) kick() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) now() int64 {
	return l.clock.Now().UnixNano()
}
