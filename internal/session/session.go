// Package session binds one peer link to a face in the routing tables. It
// turns routing-table output into wire messages on the link and inbound
// wire messages into routing-table operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/internal/routingtable"
	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	peerlinkpkg "github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	routingtablepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// Link is the part of a peer link a session drives. *peerlink.Link
// implements it.
type Link interface {
	Start(h peerlink.Handler)
	Send(ctx context.Context, m wire.Message, rel routingtablepkg.Reliability, cc routingtablepkg.CongestionControl) error
	ReportError(err error)
	Remote() peerlinkpkg.PeerInfo
	Close() error
	Done() <-chan struct{}
}

// Config holds the collaborators of one session.
type Config struct {
	Tables *routingtable.Tables
	Link   Link

	// AliasCacheSize bounds the outbound key aliases. The least recently
	// used alias is withdrawn from the remote side when the cache is full.
	// Negative disables aliasing.
	AliasCacheSize int

	// OnLinkState receives link-state advertisements from the remote side.
	OnLinkState func(from peerlinkpkg.PeerID, ls *wire.LinkState)
	// OnClosed is called once, after the face has been removed.
	OnClosed func(s *Session, err error)

	Logger *zap.Logger
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Tables == nil {
		return errors.New("routing tables cannot be nil")
	}
	if c.Link == nil {
		return errors.New("link cannot be nil")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.AliasCacheSize == 0 {
		c.AliasCacheSize = 256
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session is the face of one remote runtime.
type Session struct {
	cfg    Config
	link   Link
	tables *routingtable.Tables
	remote peerlinkpkg.PeerInfo
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	face  routingtablepkg.FaceID
	ready chan struct{}
	done  chan struct{}
	err   error

	// Outbound. txMu orders alias declarations before their first use on
	// the reliable channel.
	txMu      sync.Mutex
	aliases   *lru.Cache[string, uint64]
	nextAlias uint64
	evicted   []uint64

	// Inbound, owned by the link's dispatcher goroutine.
	inAliases *wire.AliasTable
	subs      map[string]routingtablepkg.Reliability
	qabls     map[string]struct{}
}

// New creates a session for an established link. Call Start to attach it
// to the routing tables.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()

	remote := cfg.Link.Remote()
	s := &Session{
		cfg:       cfg,
		link:      cfg.Link,
		tables:    cfg.Tables,
		remote:    remote,
		logger:    cfg.Logger.Named("session").With(zap.String("remote", peerlinkpkg.Short(remote.ID))),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		inAliases: wire.NewAliasTable(),
		subs:      make(map[string]routingtablepkg.Reliability),
		qabls:     make(map[string]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.AliasCacheSize > 0 {
		cache, err := lru.NewWithEvict(cfg.AliasCacheSize, func(_ string, id uint64) {
			s.evicted = append(s.evicted, id)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create alias cache: %w", err)
		}
		s.aliases = cache
	}
	return s, nil
}

// Start runs the link and adds the session's face to the routing tables.
// The face learns every existing declaration it is eligible for before
// Start returns.
func (s *Session) Start() error {
	s.link.Start(s)

	face, err := s.tables.AddFace(routingtablepkg.FaceInfo{Peer: s.remote.ID, Mode: s.remote.Mode}, s)
	if err != nil {
		close(s.ready)
		_ = s.link.Close()
		return fmt.Errorf("failed to add face: %w", err)
	}
	s.face = face
	close(s.ready)
	s.logger.Debug("session started", zap.Uint64("face", uint64(face)), zap.Stringer("mode", s.remote.Mode))
	return nil
}

// Face returns the session's face id. It is valid once Start returned nil.
func (s *Session) Face() routingtablepkg.FaceID {
	return s.face
}

// Remote returns the identity of the remote runtime.
func (s *Session) Remote() peerlinkpkg.PeerInfo {
	return s.remote
}

// Close closes the link. The face is removed once the link has terminated;
// wait on Done.
func (s *Session) Close() error {
	return s.link.Close()
}

// Done is closed once the face has been removed from the routing tables.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session ended once Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// HandleClosed implements peerlink.Handler. Every declaration made through
// the session is retracted before it returns.
func (s *Session) HandleClosed(err error) {
	<-s.ready
	s.cancel()
	if s.face != 0 {
		if rerr := s.tables.RemoveFace(s.face); rerr != nil && !errors.Is(rerr, routingtable.ErrClosed) {
			s.logger.Warn("failed to remove face", zap.Error(rerr))
		}
	}
	s.err = err
	s.logger.Debug("session ended", zap.Error(err))
	if s.cfg.OnClosed != nil {
		s.cfg.OnClosed(s, err)
	}
	close(s.done)
}
