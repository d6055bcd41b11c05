package meshnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/keymesh-go/internal/auth"
	"github.com/rmacdonaldsmith/keymesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/keymesh-go/internal/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/internal/routingtable"
	"github.com/rmacdonaldsmith/keymesh-go/internal/session"
	"github.com/rmacdonaldsmith/keymesh-go/internal/topology"
	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	peerlinkpkg "github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	routingtablepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

var (
	errDuplicatePeer = errors.New("already linked to peer")
	errSelfLink      = errors.New("link to self")
	errClientLinked  = errors.New("client already linked")
)

// Runtime implements the meshnode.Runtime interface. It owns the routing
// tables and binds every link, local session and discovery source to them.
type Runtime struct {
	cfg     *Config
	id      peerlinkpkg.PeerID
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock
	tables  *routingtable.Tables
	// topo is nil unless the runtime is a router.
	topo *topology.Topology
	auth *auth.Authenticator
	mask uint8

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu        sync.RWMutex
	started   bool
	closed    bool
	listeners []transport.Listener
	scouts    []io.Closer
	peers     map[peerlinkpkg.PeerID]*session.Session
	// viaEndpoint remembers which peer a configured endpoint reached, so
	// the endpoint is only redialed once that link is gone.
	viaEndpoint map[string]peerlinkpkg.PeerID
	dialing     map[string]bool
	locals      map[*LocalSession]struct{}

	// def is the session the runtime's own Session methods act on.
	def *LocalSession
}

var (
	_ meshnode.Runtime = (*Runtime)(nil)
	_ meshnode.Session = (*LocalSession)(nil)
)

// New creates a runtime. It routes between local sessions right away; call
// Start to accept and open links.
func New(config *Config) (*Runtime, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.SetDefaults()

	id := peerlinkpkg.NewPeerID()
	if config.ID != "" {
		id, _ = peerlinkpkg.ParsePeerID(config.ID)
	}
	mask, _ := config.autoconnectMask()

	r := &Runtime{
		cfg:         config,
		id:          id,
		logger:      config.Logger.Named("runtime").With(zap.String("id", peerlinkpkg.Short(id)), zap.Stringer("mode", config.Mode)),
		metrics:     config.Metrics,
		clock:       config.Clock,
		mask:        mask,
		peers:       make(map[peerlinkpkg.PeerID]*session.Session),
		viaEndpoint: make(map[string]peerlinkpkg.PeerID),
		dialing:     make(map[string]bool),
		locals:      make(map[*LocalSession]struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	tables, err := routingtable.New(routingtable.Config{
		Self:           id,
		Mode:           config.Mode,
		QueryTimeout:   config.Routing.QueryTimeout,
		DedupWindow:    config.Routing.DedupWindow,
		DedupSize:      config.Routing.DedupSize,
		MatchCacheSize: config.Routing.MatchCacheSize,
		ReportNoRoute:  config.Routing.ReportNoRoute,
		Logger:         config.Logger,
		Metrics:        config.Metrics,
		Clock:          config.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create routing tables: %w", err)
	}
	r.tables = tables

	if config.Mode == peerlinkpkg.ModeRouter {
		topo, err := topology.New(topology.Config{
			Self:   id,
			Send:   r.sendLinkState,
			OnTree: tables.SetTreeNeighbors,
			Logger: config.Logger,
		})
		if err != nil {
			_ = tables.Close()
			return nil, fmt.Errorf("failed to create topology: %w", err)
		}
		r.topo = topo
	}
	if config.Auth.Secret != "" {
		r.auth = auth.New(config.Auth.Secret)
	}

	def, err := r.openSession()
	if err != nil {
		_ = tables.Close()
		return nil, err
	}
	r.def = def
	return r, nil
}

// ID returns the runtime's peer id.
func (r *Runtime) ID() peerlinkpkg.PeerID { return r.id }

// Mode returns the runtime's mode.
func (r *Runtime) Mode() peerlinkpkg.Mode { return r.cfg.Mode }

// Start listens on the configured endpoints and starts discovery. Dialing
// the configured and discovered runtimes happens in the background.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("cannot start closed runtime")
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	eps, _ := transport.ParseEndpoints(r.cfg.Listen)
	for _, ep := range eps {
		l, err := r.cfg.Registry.Listen(ctx, ep)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", ep, err)
		}
		r.mu.Lock()
		r.listeners = append(r.listeners, l)
		r.mu.Unlock()
		r.logger.Info("listening", zap.Stringer("endpoint", l.Endpoint()))
		r.group.Go(func() error {
			r.acceptLoop(l)
			return nil
		})
	}

	disc, err := r.discovery(ctx)
	if err != nil {
		return err
	}
	r.group.Go(func() error {
		r.autoconnect(disc)
		return nil
	})

	r.logger.Info("runtime started", zap.Int("listeners", len(eps)), zap.Int("connect", len(r.cfg.Connect)))
	return nil
}

// linkConfig returns the settings of the next link. Tokens issued from the
// shared secret are fresh for every link.
func (r *Runtime) linkConfig() (peerlink.Config, error) {
	cfg := r.cfg.linkConfig(r.id)
	cfg.Accept = r.accept
	if r.auth == nil {
		return cfg, nil
	}
	cfg.Verify = r.auth.VerifyPeer
	if cfg.Token == "" {
		token, _, err := r.auth.Issue(r.id.String(), auth.IssueOptions{Peer: &r.id, Modes: []peerlinkpkg.Mode{r.cfg.Mode}})
		if err != nil {
			return cfg, fmt.Errorf("failed to issue token: %w", err)
		}
		cfg.Token = token
	}
	return cfg, nil
}

// accept vets the identity of a runtime that dialed us.
func (r *Runtime) accept(remote peerlinkpkg.PeerInfo) error {
	if r.cfg.Mode == peerlinkpkg.ModeClient {
		return ErrClientListens
	}
	if remote.ID == r.id {
		return errSelfLink
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.peers[remote.ID]; ok {
		return fmt.Errorf("%w %s", errDuplicatePeer, peerlinkpkg.Short(remote.ID))
	}
	return nil
}

// establish runs the handshake on conn and binds the link to a new session.
// endpoint is the configured endpoint that was dialed, if any.
func (r *Runtime) establish(ctx context.Context, conn transport.Conn, initiator bool, endpoint string) (peerlinkpkg.PeerInfo, error) {
	cfg, err := r.linkConfig()
	if err != nil {
		_ = conn.Close()
		return peerlinkpkg.PeerInfo{}, err
	}
	link, err := peerlink.Establish(ctx, conn, cfg, initiator)
	if err != nil {
		return peerlinkpkg.PeerInfo{}, err
	}
	remote := link.Remote()

	r.mu.Lock()
	if err := r.admitLocked(remote); err != nil {
		if endpoint != "" && errors.Is(err, errDuplicatePeer) {
			r.viaEndpoint[endpoint] = remote.ID
		}
		r.mu.Unlock()
		_ = link.Close()
		return remote, err
	}
	sess, err := session.New(session.Config{
		Tables:         r.tables,
		Link:           link,
		AliasCacheSize: r.cfg.Link.AliasCacheSize,
		OnLinkState:    r.onLinkState,
		OnClosed:       r.onSessionClosed,
		Logger:         r.cfg.Logger,
	})
	if err != nil {
		r.mu.Unlock()
		_ = link.Close()
		return remote, fmt.Errorf("failed to create session: %w", err)
	}
	r.peers[remote.ID] = sess
	if endpoint != "" {
		r.viaEndpoint[endpoint] = remote.ID
	}
	r.mu.Unlock()

	if err := sess.Start(); err != nil {
		return remote, err
	}
	if r.topo != nil && remote.Mode == peerlinkpkg.ModeRouter {
		r.topo.LinkUp(remote.ID)
		// The link may have ended before LinkUp; onSessionClosed ran first.
		select {
		case <-sess.Done():
			r.topo.LinkDown(remote.ID)
		default:
		}
	}
	r.logger.Info("peer connected",
		zap.String("peer", peerlinkpkg.Short(remote.ID)),
		zap.Stringer("peer_mode", remote.Mode),
		zap.Bool("initiator", initiator))
	return remote, nil
}

func (r *Runtime) admitLocked(remote peerlinkpkg.PeerInfo) error {
	switch {
	case r.closed:
		return meshnode.ErrSessionClosed
	case remote.ID == r.id:
		return errSelfLink
	case r.cfg.Mode == peerlinkpkg.ModeClient && len(r.peers) > 0:
		return errClientLinked
	}
	if _, ok := r.peers[remote.ID]; ok {
		return fmt.Errorf("%w %s", errDuplicatePeer, peerlinkpkg.Short(remote.ID))
	}
	return nil
}

func (r *Runtime) onSessionClosed(s *session.Session, err error) {
	id := s.Remote().ID
	r.mu.Lock()
	if r.peers[id] == s {
		delete(r.peers, id)
		for ep, via := range r.viaEndpoint {
			if via == id {
				delete(r.viaEndpoint, ep)
			}
		}
	}
	r.mu.Unlock()

	if r.topo != nil && s.Remote().Mode == peerlinkpkg.ModeRouter {
		r.topo.LinkDown(id)
	}
	r.logger.Info("peer disconnected", zap.String("peer", peerlinkpkg.Short(id)), zap.Error(err))
}

func (r *Runtime) onLinkState(from peerlinkpkg.PeerID, ls *wire.LinkState) {
	if r.topo != nil {
		r.topo.Receive(from, ls)
	}
}

func (r *Runtime) sendLinkState(to peerlinkpkg.PeerID, ls *wire.LinkState) {
	r.mu.RLock()
	s := r.peers[to]
	r.mu.RUnlock()
	if s == nil {
		return
	}
	if err := s.SendLinkState(ls); err != nil {
		r.logger.Debug("failed to send link state", zap.String("peer", peerlinkpkg.Short(to)), zap.Error(err))
	}
}

// NewSession opens an additional local session.
func (r *Runtime) NewSession() (meshnode.Session, error) {
	return r.openSession()
}

func (r *Runtime) openSession() (*LocalSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, meshnode.ErrSessionClosed
	}
	s, err := newLocalSession(r.tables, r.clock, r.cfg.Logger, r.forgetSession)
	if err != nil {
		return nil, err
	}
	r.locals[s] = struct{}{}
	return s, nil
}

func (r *Runtime) forgetSession(s *LocalSession) {
	r.mu.Lock()
	delete(r.locals, s)
	r.mu.Unlock()
}

// Peers returns the runtimes with an open link, ordered by id.
func (r *Runtime) Peers() []peerlinkpkg.PeerInfo {
	r.mu.RLock()
	out := make([]peerlinkpkg.PeerInfo, 0, len(r.peers))
	for _, s := range r.peers {
		out = append(out, s.Remote())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b peerlinkpkg.PeerInfo) int {
		switch {
		case peerlinkpkg.Less(a.ID, b.ID):
			return -1
		case peerlinkpkg.Less(b.ID, a.ID):
			return 1
		}
		return 0
	})
	return out
}

// Routes returns the resources of the routing tables.
func (r *Runtime) Routes() []meshnode.Route {
	routes := r.tables.Routes()
	out := make([]meshnode.Route, len(routes))
	for i, rt := range routes {
		out[i] = meshnode.Route{Key: rt.Key, Subscribers: rt.Subscribers, Queryables: rt.Queryables}
	}
	return out
}

// Endpoints returns the bound endpoints of the listeners.
func (r *Runtime) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.listeners))
	for i, l := range r.listeners {
		out[i] = l.Endpoint().String()
	}
	return out
}

// GetHealth returns the overall health status of the runtime.
func (r *Runtime) GetHealth(ctx context.Context) (meshnode.HealthStatus, error) {
	if err := ctx.Err(); err != nil {
		return meshnode.HealthStatus{}, err
	}
	r.mu.RLock()
	status := meshnode.HealthStatus{
		Healthy:        r.started && !r.closed,
		ID:             r.id.String(),
		Mode:           r.cfg.Mode.String(),
		Listeners:      len(r.listeners),
		ConnectedPeers: len(r.peers),
		LocalSessions:  len(r.locals),
	}
	started, closed := r.started, r.closed
	r.mu.RUnlock()

	switch {
	case closed:
		status.Message = "runtime is closed"
		return status, nil
	case !started:
		status.Message = "runtime not started"
		return status, nil
	}
	status.Resources = r.tables.ResourceCount()
	status.PendingQueries = r.tables.PendingQueries()
	if status.ConnectedPeers == 0 && len(r.cfg.Connect) > 0 {
		status.Message = "no configured peer reachable"
	}
	return status, nil
}

// DeclareSubscriber declares a subscriber on the runtime's default session.
func (r *Runtime) DeclareSubscriber(ctx context.Context, key string, handler func(*routingtablepkg.Sample), opts meshnode.SubscriberOptions) (meshnode.Subscriber, error) {
	return r.def.DeclareSubscriber(ctx, key, handler, opts)
}

// DeclareQueryable declares a queryable on the runtime's default session.
func (r *Runtime) DeclareQueryable(ctx context.Context, key string, handler func(meshnode.Query), opts meshnode.QueryableOptions) (meshnode.Queryable, error) {
	return r.def.DeclareQueryable(ctx, key, handler, opts)
}

func (r *Runtime) Publish(ctx context.Context, key string, payload []byte, opts meshnode.PublishOptions) error {
	return r.def.Publish(ctx, key, payload, opts)
}

func (r *Runtime) Delete(ctx context.Context, key string, opts meshnode.PublishOptions) error {
	return r.def.Delete(ctx, key, opts)
}

func (r *Runtime) Query(ctx context.Context, selector string, opts meshnode.QueryOptions) (meshnode.ReplyStream, error) {
	return r.def.Query(ctx, selector, opts)
}

func (r *Runtime) Reply(queryID uint64, key string, payload []byte, opts meshnode.ReplyOptions) error {
	return r.def.Reply(queryID, key, payload, opts)
}

func (r *Runtime) Finalize(queryID uint64) error {
	return r.def.Finalize(queryID)
}

// Close stops discovery, closes every link and local session, then the
// routing tables.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	listeners := r.listeners
	scouts := r.scouts
	sessions := make([]*session.Session, 0, len(r.peers))
	for _, s := range r.peers {
		sessions = append(sessions, s)
	}
	locals := make([]*LocalSession, 0, len(r.locals))
	for s := range r.locals {
		locals = append(locals, s)
	}
	r.mu.Unlock()

	r.cancel()
	var err error
	for _, l := range listeners {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, transport.ErrListenerClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, sc := range scouts {
		err = multierr.Append(err, sc.Close())
	}
	for _, s := range sessions {
		_ = s.Close()
	}
	for _, s := range sessions {
		<-s.Done()
	}
	_ = r.group.Wait()
	for _, s := range locals {
		err = multierr.Append(err, s.Close())
	}
	err = multierr.Append(err, r.tables.Close())

	r.logger.Info("runtime closed")
	return err
}
