package peerlink

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// minBatchSize leaves room for a fragment header and a useful payload.
const minBatchSize = 512

// negotiated holds the outcome of a handshake.
type negotiated struct {
	remote      *wire.Init
	version     uint8
	batchSize   int
	compression bool
	bestEffort  bool
	localSN     uint64
}

func (l *Link) handshake(ctx context.Context, initiator bool) (*negotiated, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
	defer cancel()

	// The transport cannot be interrupted directly, so a cancelled handshake
	// closes the connection to release a blocked read.
	stop := context.AfterFunc(ctx, func() { _ = l.conn.Close() })
	defer stop()

	batch := l.cfg.BatchSize
	if limit := l.conn.MaxBatch(); limit < batch {
		batch = limit
	}
	local := &wire.Init{
		VersionMin:  l.cfg.MinVersion,
		VersionMax:  l.cfg.MaxVersion,
		PeerID:      l.cfg.PeerID,
		Mode:        l.cfg.Mode,
		Reliable:    true,
		BestEffort:  !l.cfg.DisableBestEffort,
		Compression: l.cfg.Compression,
		BatchSize:   uint32(batch),
		Lease:       l.cfg.ProbeTimeout,
		InitialSN:   uint64(rand.Uint32()),
		Token:       l.cfg.Token,
	}

	n, err := l.exchangeInit(ctx, local, initiator)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", peerlink.ErrHandshakeFailed, ctx.Err())
		}
		return nil, err
	}
	if n.batchSize < minBatchSize {
		return nil, fmt.Errorf("%w: batch size %d too small", peerlink.ErrHandshakeFailed, n.batchSize)
	}
	return n, nil
}

func (l *Link) exchangeInit(ctx context.Context, local *wire.Init, initiator bool) (*negotiated, error) {
	if initiator {
		if err := l.writeSingle(local); err != nil {
			return nil, fmt.Errorf("%w: send init: %v", peerlink.ErrHandshakeFailed, err)
		}
		reply, err := l.readInit()
		if err != nil {
			return nil, err
		}
		if !reply.Ack {
			return nil, fmt.Errorf("%w: expected init ack", peerlink.ErrHandshakeFailed)
		}
		if reply.VersionMax < local.VersionMin || reply.VersionMax > local.VersionMax {
			return nil, fmt.Errorf("%w: acceptor chose version %d", peerlink.ErrVersionMismatch, reply.VersionMax)
		}
		if !reply.Reliable {
			err := fmt.Errorf("%w: acceptor refused the reliable channel", peerlink.ErrHandshakeFailed)
			l.reject(wire.CloseRejected, err)
			return nil, err
		}
		if err := l.verify(reply); err != nil {
			l.reject(wire.CloseUnauthorized, err)
			return nil, err
		}
		return &negotiated{
			remote:      reply,
			version:     reply.VersionMax,
			batchSize:   int(reply.BatchSize),
			compression: reply.Compression,
			bestEffort:  local.BestEffort && reply.BestEffort,
			localSN:     local.InitialSN,
		}, nil
	}

	offer, err := l.readInit()
	if err != nil {
		return nil, err
	}
	if offer.Ack {
		return nil, fmt.Errorf("%w: unexpected init ack", peerlink.ErrHandshakeFailed)
	}

	lo, hi := max(offer.VersionMin, local.VersionMin), min(offer.VersionMax, local.VersionMax)
	if lo > hi {
		err := fmt.Errorf("%w: local %d-%d, remote %d-%d", peerlink.ErrVersionMismatch,
			local.VersionMin, local.VersionMax, offer.VersionMin, offer.VersionMax)
		l.reject(wire.CloseVersionMismatch, err)
		return nil, err
	}
	if !offer.Reliable {
		err := fmt.Errorf("%w: initiator refused the reliable channel", peerlink.ErrHandshakeFailed)
		l.reject(wire.CloseRejected, err)
		return nil, err
	}
	if err := l.verify(offer); err != nil {
		l.reject(wire.CloseUnauthorized, err)
		return nil, err
	}
	if l.cfg.Accept != nil {
		info := peerlink.PeerInfo{ID: offer.PeerID, Mode: offer.Mode, Endpoints: []string{l.conn.RemoteEndpoint().String()}}
		if err := l.cfg.Accept(info); err != nil {
			l.reject(wire.CloseRejected, err)
			return nil, fmt.Errorf("%w: %v", peerlink.ErrHandshakeFailed, err)
		}
	}

	ack := *local
	ack.Ack = true
	ack.VersionMin, ack.VersionMax = hi, hi
	ack.BatchSize = min(local.BatchSize, offer.BatchSize)
	ack.Compression = local.Compression && offer.Compression
	ack.BestEffort = local.BestEffort && offer.BestEffort
	if err := l.writeSingle(&ack); err != nil {
		return nil, fmt.Errorf("%w: send init ack: %v", peerlink.ErrHandshakeFailed, err)
	}
	return &negotiated{
		remote:      offer,
		version:     hi,
		batchSize:   int(ack.BatchSize),
		compression: ack.Compression,
		bestEffort:  ack.BestEffort,
		localSN:     local.InitialSN,
	}, nil
}

func (l *Link) verify(remote *wire.Init) error {
	if l.cfg.Verify == nil {
		return nil
	}
	if err := l.cfg.Verify([]byte(remote.Token), remote.PeerID, remote.Mode); err != nil {
		return fmt.Errorf("%w: %v", peerlink.ErrHandshakeFailed, err)
	}
	return nil
}

// reject tells the remote side why the handshake ends. Errors are ignored,
// the connection is discarded either way.
func (l *Link) reject(reason wire.CloseReason, cause error) {
	_ = l.writeSingle(&wire.Close{Reason: reason, Message: cause.Error()})
}

func (l *Link) writeSingle(m wire.Message) error {
	b := wire.NewBatch(transport.DefaultMaxBatch)
	if !b.Add(wire.Encode(m)) {
		return wire.ErrBatchTooLarge
	}
	return l.conn.WriteBatch(b.Bytes(false))
}

// readInit reads the peer's handshake message. A Close is mapped back to
// the error the peer reported.
func (l *Link) readInit() (*wire.Init, error) {
	raw, err := l.conn.ReadBatch()
	if err != nil {
		return nil, fmt.Errorf("%w: read init: %v", peerlink.ErrHandshakeFailed, err)
	}
	msgs, err := wire.SplitBatch(raw, transport.DefaultMaxBatch)
	if err != nil || len(msgs) != 1 {
		return nil, fmt.Errorf("%w: malformed handshake batch", peerlink.ErrHandshakeFailed)
	}
	m, err := wire.Decode(msgs[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", peerlink.ErrHandshakeFailed, err)
	}
	switch m := m.(type) {
	case *wire.Init:
		return m, nil
	case *wire.Close:
		if m.Reason == wire.CloseVersionMismatch {
			return nil, fmt.Errorf("%w: %s", peerlink.ErrVersionMismatch, m.Message)
		}
		return nil, fmt.Errorf("%w: remote %s: %s", peerlink.ErrHandshakeFailed, m.Reason, m.Message)
	default:
		return nil, fmt.Errorf("%w: unexpected %s during handshake", peerlink.ErrHandshakeFailed, m.Kind())
	}
}
