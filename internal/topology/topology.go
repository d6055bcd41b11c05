// Package topology keeps a router's view of the router mesh. Each router
// floods a link-state advertisement listing its router neighbours; every
// router derives the same spanning tree from the shared graph and restricts
// router-to-router traffic to its tree edges.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// Config holds the settings of a Topology.
type Config struct {
	Self peerlink.PeerID

	// Send delivers an advertisement to a neighbour. It is never called
	// with the topology lock held.
	Send func(to peerlink.PeerID, ls *wire.LinkState)
	// OnTree receives the tree neighbours of Self whenever they change.
	OnTree func(neighbors []peerlink.PeerID)

	Logger *zap.Logger
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Self == (peerlink.PeerID{}) {
		return errors.New("self cannot be empty")
	}
	if c.Send == nil {
		return errors.New("send function cannot be nil")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.OnTree == nil {
		c.OnTree = func([]peerlink.PeerID) {}
	}
}

type advert struct {
	seq       uint64
	neighbors map[peerlink.PeerID]bool
}

type delivery struct {
	to peerlink.PeerID
	ls *wire.LinkState
}

// Topology is the link-state database of one router.
type Topology struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	links map[peerlink.PeerID]bool
	db    map[peerlink.PeerID]*advert
	tree  []peerlink.PeerID
	root  peerlink.PeerID

	// notifyMu keeps OnTree calls in computation order.
	notifyMu sync.Mutex
}

// New creates a topology holding only Self.
func New(cfg Config) (*Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()
	t := &Topology{
		cfg:    cfg,
		logger: cfg.Logger.Named("topology"),
		links:  make(map[peerlink.PeerID]bool),
		db:     make(map[peerlink.PeerID]*advert),
		root:   cfg.Self,
	}
	t.db[cfg.Self] = &advert{neighbors: make(map[peerlink.PeerID]bool)}
	return t, nil
}

// LinkUp records a new router neighbour, sends it the whole database and
// floods the updated local advertisement.
func (t *Topology) LinkUp(peer peerlink.PeerID) {
	t.mu.Lock()
	if peer == t.cfg.Self || t.links[peer] {
		t.mu.Unlock()
		return
	}
	t.links[peer] = true
	self := t.bumpSelfLocked()
	var out []delivery
	for origin, a := range t.db {
		if origin != t.cfg.Self {
			out = append(out, delivery{to: peer, ls: a.message(origin)})
		}
	}
	out = append(out, t.floodLocked(self, peerlink.PeerID{})...)
	changed := t.recomputeLocked()
	t.mu.Unlock()

	t.logger.Debug("router link up", zap.String("peer", peerlink.Short(peer)))
	t.deliver(out)
	t.notify(changed)
}

// LinkDown forgets a router neighbour and floods the updated local
// advertisement.
func (t *Topology) LinkDown(peer peerlink.PeerID) {
	t.mu.Lock()
	if !t.links[peer] {
		t.mu.Unlock()
		return
	}
	delete(t.links, peer)
	self := t.bumpSelfLocked()
	out := t.floodLocked(self, peerlink.PeerID{})
	t.pruneLocked()
	changed := t.recomputeLocked()
	t.mu.Unlock()

	t.logger.Debug("router link down", zap.String("peer", peerlink.Short(peer)))
	t.deliver(out)
	t.notify(changed)
}

// Receive applies an advertisement received from a neighbour. Newer
// advertisements are stored and flooded to every other neighbour; stale
// ones are ignored.
func (t *Topology) Receive(from peerlink.PeerID, ls *wire.LinkState) {
	t.mu.Lock()
	var out []delivery
	if ls.Origin == t.cfg.Self {
		// An advertisement of ours from before a restart: outbid it.
		if own := t.db[t.cfg.Self]; ls.Seq >= own.seq {
			own.seq = ls.Seq
			out = t.floodLocked(t.bumpSelfLocked(), peerlink.PeerID{})
		}
		t.mu.Unlock()
		t.deliver(out)
		return
	}
	if cur, ok := t.db[ls.Origin]; ok && ls.Seq <= cur.seq {
		t.mu.Unlock()
		return
	}
	a := &advert{seq: ls.Seq, neighbors: make(map[peerlink.PeerID]bool, len(ls.Neighbors))}
	for _, n := range ls.Neighbors {
		a.neighbors[n] = true
	}
	t.db[ls.Origin] = a
	out = t.floodLocked(ls, from)
	changed := t.recomputeLocked()
	t.mu.Unlock()

	t.deliver(out)
	t.notify(changed)
}

// TreeNeighbors returns the current tree neighbours of Self.
func (t *Topology) TreeNeighbors() []peerlink.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]peerlink.PeerID(nil), t.tree...)
}

// Root returns the root of the spanning tree Self belongs to.
func (t *Topology) Root() peerlink.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Graph returns the known routers and their confirmed neighbours.
func (t *Topology) Graph() map[peerlink.PeerID][]peerlink.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	adj := t.adjacencyLocked()
	out := make(map[peerlink.PeerID][]peerlink.PeerID, len(adj))
	for id, ns := range adj {
		out[id] = append([]peerlink.PeerID(nil), ns...)
	}
	return out
}

func (t *Topology) bumpSelfLocked() *wire.LinkState {
	own := t.db[t.cfg.Self]
	own.seq++
	own.neighbors = make(map[peerlink.PeerID]bool, len(t.links))
	for p := range t.links {
		own.neighbors[p] = true
	}
	return own.message(t.cfg.Self)
}

func (a *advert) message(origin peerlink.PeerID) *wire.LinkState {
	return &wire.LinkState{Origin: origin, Seq: a.seq, Neighbors: sortedIDs(a.neighbors)}
}

// floodLocked addresses ls to every neighbour except the one it came from.
func (t *Topology) floodLocked(ls *wire.LinkState, except peerlink.PeerID) []delivery {
	out := make([]delivery, 0, len(t.links))
	for _, p := range sortedIDs(t.links) {
		if p != except && p != ls.Origin {
			out = append(out, delivery{to: p, ls: ls})
		}
	}
	return out
}

// adjacencyLocked builds the undirected graph of edges both ends confirm.
// Self's own links count as confirmed on its side.
func (t *Topology) adjacencyLocked() map[peerlink.PeerID][]peerlink.PeerID {
	adj := make(map[peerlink.PeerID][]peerlink.PeerID, len(t.db))
	for origin, a := range t.db {
		for n := range a.neighbors {
			other, ok := t.db[n]
			if !ok || !other.neighbors[origin] {
				continue
			}
			adj[origin] = append(adj[origin], n)
		}
	}
	for id := range adj {
		sortPeers(adj[id])
	}
	return adj
}

// reachable returns the routers connected to from in adj.
func reachable(adj map[peerlink.PeerID][]peerlink.PeerID, from peerlink.PeerID) map[peerlink.PeerID]bool {
	reach := map[peerlink.PeerID]bool{from: true}
	queue := []peerlink.PeerID{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range adj[n] {
			if !reach[m] {
				reach[m] = true
				queue = append(queue, m)
			}
		}
	}
	return reach
}

// pruneLocked drops the advertisements of routers no longer connected to
// Self. They are relearned from the database exchange when a link joins the
// partitions again.
func (t *Topology) pruneLocked() {
	reach := reachable(t.adjacencyLocked(), t.cfg.Self)
	for origin := range t.db {
		if !reach[origin] {
			delete(t.db, origin)
		}
	}
}

// recomputeLocked derives the tree neighbours of Self. The tree is a
// breadth-first tree rooted at the smallest id of Self's component,
// visiting neighbours in id order, so every router with the same database
// derives the same tree.
func (t *Topology) recomputeLocked() bool {
	adj := t.adjacencyLocked()

	root := t.cfg.Self
	for n := range reachable(adj, t.cfg.Self) {
		if peerlink.Less(n, root) {
			root = n
		}
	}

	parent := map[peerlink.PeerID]peerlink.PeerID{}
	visited := map[peerlink.PeerID]bool{root: true}
	queue := []peerlink.PeerID{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range adj[n] {
			if !visited[m] {
				visited[m] = true
				parent[m] = n
				queue = append(queue, m)
			}
		}
	}

	set := make(map[peerlink.PeerID]bool)
	if p, ok := parent[t.cfg.Self]; ok {
		set[p] = true
	}
	for child, p := range parent {
		if p == t.cfg.Self {
			set[child] = true
		}
	}
	tree := sortedIDs(set)

	changed := root != t.root || !equalPeers(tree, t.tree)
	t.root = root
	t.tree = tree
	return changed
}

func (t *Topology) deliver(out []delivery) {
	for _, d := range out {
		t.cfg.Send(d.to, d.ls)
	}
}

// notify hands the current tree to OnTree. It rereads the tree under
// notifyMu so a slow caller never installs a tree older than one already
// delivered.
func (t *Topology) notify(changed bool) {
	if !changed {
		return
	}
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	tree := t.TreeNeighbors()
	t.logger.Info("spanning tree changed", zap.Int("neighbors", len(tree)), zap.String("root", peerlink.Short(t.Root())))
	t.cfg.OnTree(tree)
}

func sortedIDs(set map[peerlink.PeerID]bool) []peerlink.PeerID {
	out := make([]peerlink.PeerID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortPeers(out)
	return out
}

func sortPeers(ids []peerlink.PeerID) {
	sort.Slice(ids, func(i, j int) bool { return peerlink.Less(ids[i], ids[j]) })
}

func equalPeers(a, b []peerlink.PeerID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
