package routingtable

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("routing tables closed")

// Config holds the settings of the routing tables.
type Config struct {
	// Self is the identity stamped on samples and queries published by local
	// faces.
	Self peerlink.PeerID
	// Mode decides which pairs of faces traffic may cross.
	Mode peerlink.Mode

	// QueryTimeout applies to queries that carry no timeout of their own.
	QueryTimeout time.Duration
	// DedupWindow is how long a (source, sequence) pair is remembered.
	DedupWindow time.Duration
	DedupSize   int
	// MatchCacheSize bounds the number of published keys whose matching
	// resources are cached.
	MatchCacheSize int
	// ReportNoRoute makes Publish from a local face fail with ErrNoRoute
	// when nothing is interested.
	ReportNoRoute bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Self == (peerlink.PeerID{}) {
		return errors.New("self peer ID cannot be empty")
	}
	if c.Mode > peerlink.ModeRouter {
		return fmt.Errorf("unknown mode %d", c.Mode)
	}
	if c.QueryTimeout < 0 || c.DedupWindow < 0 {
		return errors.New("timeouts cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 5 * time.Second
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 1 << 16
	}
	if c.MatchCacheSize <= 0 {
		c.MatchCacheSize = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewUnregistered()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// registration counts the declarations one face made on one key, split by
// requested reliability.
type registration struct {
	reliable   int
	bestEffort int
}

func (r *registration) add(rel routingtable.Reliability, delta int) {
	if rel == routingtable.Reliable {
		r.reliable += delta
	} else {
		r.bestEffort += delta
	}
}

func (r *registration) has(rel routingtable.Reliability) bool {
	if rel == routingtable.Reliable {
		return r.reliable > 0
	}
	return r.bestEffort > 0
}

func (r *registration) empty() bool {
	return r.reliable <= 0 && r.bestEffort <= 0
}

func (r *registration) strongest() routingtable.Reliability {
	if r.reliable > 0 {
		return routingtable.Reliable
	}
	return routingtable.BestEffort
}

// resource is the table entry of one declared key expression.
type resource struct {
	key   keyexpr.KeyExpr
	subs  map[routingtable.FaceID]*registration
	qabls map[routingtable.FaceID]*registration
}

func (r *resource) regs(kind routingtable.DeclKind) map[routingtable.FaceID]*registration {
	if kind == routingtable.DeclQueryable {
		return r.qabls
	}
	return r.subs
}

func (r *resource) unused() bool {
	return len(r.subs) == 0 && len(r.qabls) == 0
}

// face is the tables' record of one session. The tables do not own the
// session; sink is only called, never closed.
type face struct {
	id   routingtable.FaceID
	info routingtable.FaceInfo
	sink routingtable.Sink

	// declared holds the keys this face declared, per kind.
	declared map[routingtable.DeclKind]map[string]*resource
	// announced is what the tables have declared toward this face.
	announced map[routingtable.DeclKind]map[string]routingtable.Declaration

	nextQueryID uint64
}

func (f *face) remote() bool {
	return !f.info.Local
}

// Tables are the routing tables of one runtime. They are the only state
// shared by every session, guarded by mu. propMu orders outbound
// declarations so each face sees them in decision order; it is always taken
// before mu and sinks are only called with mu released.
type Tables struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	propMu sync.Mutex
	mu     sync.RWMutex
	closed bool

	faces     map[routingtable.FaceID]*face
	resources map[string]*resource
	nextFace  routingtable.FaceID
	// tree holds the router neighbours on the spanning tree. Nil means every
	// router face is eligible.
	tree map[peerlink.PeerID]bool

	matches *lru.Cache[matchKey, []*resource]
	dedup   *dedupWindow

	queries map[queryRoute]*pendingQuery
	origins map[queryRoute]*pendingQuery
	// localSN numbers local samples and queries. It starts at a random
	// point so a restarted runtime with the same id does not replay
	// sequence numbers its neighbours still hold in their dedup windows.
	localSN atomic.Uint64
}

// New creates empty routing tables.
func New(cfg Config) (*Tables, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()

	matches, err := lru.New[matchKey, []*resource](cfg.MatchCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create match cache: %w", err)
	}

	t := &Tables{
		cfg:       cfg,
		logger:    cfg.Logger.Named("routing"),
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		faces:     make(map[routingtable.FaceID]*face),
		resources: make(map[string]*resource),
		matches:   matches,
		dedup:     newDedupWindow(cfg.DedupSize, cfg.DedupWindow),
		queries:   make(map[queryRoute]*pendingQuery),
		origins:   make(map[queryRoute]*pendingQuery),
	}
	t.localSN.Store(rand.Uint64() >> 1)
	return t, nil
}

// Self returns the identity stamped on locally published samples.
func (t *Tables) Self() peerlink.PeerID {
	return t.cfg.Self
}

// Mode returns the mode the tables forward for.
func (t *Tables) Mode() peerlink.Mode {
	return t.cfg.Mode
}

// AddFace registers a session and announces the current declarations it is
// eligible to see.
func (t *Tables) AddFace(info routingtable.FaceInfo, sink routingtable.Sink) (routingtable.FaceID, error) {
	if sink == nil {
		return 0, errors.New("sink cannot be nil")
	}

	t.propMu.Lock()
	defer t.propMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	t.nextFace++
	f := &face{
		id:   t.nextFace,
		info: info,
		sink: sink,
		declared: map[routingtable.DeclKind]map[string]*resource{
			routingtable.DeclSubscriber: {},
			routingtable.DeclQueryable:  {},
		},
		announced: map[routingtable.DeclKind]map[string]routingtable.Declaration{
			routingtable.DeclSubscriber: {},
			routingtable.DeclQueryable:  {},
		},
	}
	t.faces[f.id] = f
	t.metrics.Faces.Set(float64(len(t.faces)))
	updates := t.propagateLocked()
	t.mu.Unlock()

	t.logger.Debug("face added", zap.Uint64("face", uint64(f.id)), zap.Stringer("info", info))
	t.emit(updates)
	return f.id, nil
}

// RemoveFace retracts every declaration the face made, cancels the queries
// it originated and forgets it. The face's sink is not called again once
// RemoveFace returns.
func (t *Tables) RemoveFace(id routingtable.FaceID) error {
	t.propMu.Lock()

	t.mu.Lock()
	f, ok := t.faces[id]
	if !ok {
		t.mu.Unlock()
		t.propMu.Unlock()
		return fmt.Errorf("%w: %d", routingtable.ErrUnknownFace, id)
	}
	for kind, keys := range f.declared {
		for k, r := range keys {
			delete(r.regs(kind), id)
			t.dropIfUnusedLocked(k, r)
		}
	}
	delete(t.faces, id)
	t.metrics.Faces.Set(float64(len(t.faces)))
	originated, targeted := t.detachQueriesLocked(id)
	updates := t.propagateLocked()
	t.mu.Unlock()

	t.emit(updates)
	t.propMu.Unlock()

	for _, p := range originated {
		p.cancel()
	}
	for _, p := range targeted {
		p.targetDone(id)
	}
	t.logger.Debug("face removed", zap.Uint64("face", uint64(id)), zap.Stringer("info", f.info))
	return nil
}

// SetTreeNeighbors restricts router-to-router traffic to the given
// neighbours. Nil lifts the restriction.
func (t *Tables) SetTreeNeighbors(neighbors []peerlink.PeerID) {
	t.propMu.Lock()
	defer t.propMu.Unlock()

	t.mu.Lock()
	if neighbors == nil {
		t.tree = nil
	} else {
		t.tree = make(map[peerlink.PeerID]bool, len(neighbors))
		for _, n := range neighbors {
			t.tree[n] = true
		}
	}
	updates := t.propagateLocked()
	t.mu.Unlock()

	t.emit(updates)
}

// Route describes one resource, for introspection.
type Route struct {
	Key         string                `json:"key"`
	Subscribers []routingtable.FaceID `json:"subscribers,omitempty"`
	Queryables  []routingtable.FaceID `json:"queryables,omitempty"`
}

// Routes returns a snapshot of the resources sorted by key.
func (t *Tables) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]Route, 0, len(t.resources))
	for k, r := range t.resources {
		routes = append(routes, Route{
			Key:         k,
			Subscribers: sortedFaces(r.subs),
			Queryables:  sortedFaces(r.qabls),
		})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Key < routes[j].Key })
	return routes
}

// FaceCount returns the number of faces.
func (t *Tables) FaceCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.faces)
}

// ResourceCount returns the number of resources.
func (t *Tables) ResourceCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.resources)
}

// PendingQueries returns the number of queries awaiting completion.
func (t *Tables) PendingQueries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.origins)
}

// Close cancels every pending query and rejects further operations. Faces
// are left to their sessions to remove.
func (t *Tables) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pending := make([]*pendingQuery, 0, len(t.origins))
	for _, p := range t.origins {
		pending = append(pending, p)
	}
	t.mu.Unlock()

	for _, p := range pending {
		p.cancel()
	}
	t.matches.Purge()
	t.dedup.purge()
	return nil
}

func (t *Tables) dropIfUnusedLocked(k string, r *resource) {
	if !r.unused() {
		return
	}
	delete(t.resources, k)
	t.matches.Purge()
	t.metrics.Resources.Set(float64(len(t.resources)))
}

func sortedFaces(m map[routingtable.FaceID]*registration) []routingtable.FaceID {
	if len(m) == 0 {
		return nil
	}
	ids := make([]routingtable.FaceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
