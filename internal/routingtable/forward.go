package routingtable

import (
	"sort"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

type matchKey struct {
	kind routingtable.DeclKind
	key  string
}

type target struct {
	face routingtable.FaceID
	sink routingtable.Sink
	rel  routingtable.Reliability
}

// canForwardLocked reports whether traffic arriving on from may leave on to.
//
// Local faces exchange traffic with everyone. Between two remote faces a
// client forwards nothing, a peer forwards only when one side is a client,
// and a router forwards everything. Router-to-router traffic additionally
// stays on the spanning tree.
func (t *Tables) canForwardLocked(from, to *face) bool {
	if from == nil || to == nil || from.id == to.id {
		return false
	}
	if !t.onTreeLocked(from) || !t.onTreeLocked(to) {
		return false
	}
	if !from.remote() || !to.remote() {
		return true
	}
	switch t.cfg.Mode {
	case peerlink.ModeRouter:
		return true
	case peerlink.ModePeer:
		return from.info.Mode == peerlink.ModeClient || to.info.Mode == peerlink.ModeClient
	default:
		return false
	}
}

func (t *Tables) onTreeLocked(f *face) bool {
	if !f.remote() || t.tree == nil || t.cfg.Mode != peerlink.ModeRouter || f.info.Mode != peerlink.ModeRouter {
		return true
	}
	return t.tree[f.info.Peer]
}

// matchLocked returns the resources whose key intersects key. Results are
// cached until the set of resources changes.
func (t *Tables) matchLocked(kind routingtable.DeclKind, key keyexpr.KeyExpr) []*resource {
	mk := matchKey{kind: kind, key: key.String()}
	if rs, ok := t.matches.Get(mk); ok {
		return rs
	}
	var rs []*resource
	for _, r := range t.resources {
		if r.key.Intersects(key) {
			rs = append(rs, r)
		}
	}
	t.matches.Add(mk, rs)
	return rs
}

// targetsLocked lists the faces that should receive traffic of the given
// kind from face f, each once, with the strongest reliability any of its
// matching declarations asked for.
func (t *Tables) targetsLocked(f *face, kind routingtable.DeclKind, key keyexpr.KeyExpr) []target {
	best := make(map[routingtable.FaceID]routingtable.Reliability)
	for _, r := range t.matchLocked(kind, key) {
		for fid, reg := range r.regs(kind) {
			if !t.canForwardLocked(f, t.faces[fid]) {
				continue
			}
			if cur, ok := best[fid]; !ok || reg.strongest() > cur {
				best[fid] = reg.strongest()
			}
		}
	}
	targets := make([]target, 0, len(best))
	for fid, rel := range best {
		targets = append(targets, target{face: fid, sink: t.faces[fid].sink, rel: rel})
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].face < targets[j].face })
	return targets
}

// Publish routes a sample from a face to every interested face but the
// publisher. Samples from local faces are stamped with this runtime's
// identity and the next local sequence number. A sample already routed
// within the dedup window is dropped.
func (t *Tables) Publish(from routingtable.FaceID, s *routingtable.Sample) error {
	t.mu.RLock()
	f, err := t.faceLocked(from)
	if err != nil {
		t.mu.RUnlock()
		return err
	}
	if !f.remote() && s.Source == (peerlink.PeerID{}) {
		s.Source = t.cfg.Self
		s.SourceSN = t.localSN.Add(1)
	}
	if !t.dedup.observe(dedupKey{kind: dedupPush, source: s.Source, sn: s.SourceSN}) {
		t.mu.RUnlock()
		t.metrics.PushesDeduplicated.Inc()
		return nil
	}
	targets := t.targetsLocked(f, routingtable.DeclSubscriber, s.Key)
	t.mu.RUnlock()

	if len(targets) == 0 {
		if !f.remote() && t.cfg.ReportNoRoute {
			return routingtable.ErrNoRoute
		}
		return nil
	}
	for _, tg := range targets {
		if err := tg.sink.Push(s.WithReliability(tg.rel)); err != nil {
			t.logger.Debug("push not delivered",
				zap.Uint64("face", uint64(tg.face)),
				zap.String("key", s.Key.String()),
				zap.Error(err))
		}
	}
	t.metrics.PushesRouted.Add(float64(len(targets)))
	return nil
}

// Subscribers returns the faces with a subscription intersecting key,
// regardless of forwarding rules.
func (t *Tables) Subscribers(key keyexpr.KeyExpr) []routingtable.FaceID {
	return t.matching(routingtable.DeclSubscriber, key)
}

// Queryables returns the faces with a queryable intersecting key.
func (t *Tables) Queryables(key keyexpr.KeyExpr) []routingtable.FaceID {
	return t.matching(routingtable.DeclQueryable, key)
}

func (t *Tables) matching(kind routingtable.DeclKind, key keyexpr.KeyExpr) []routingtable.FaceID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[routingtable.FaceID]*registration)
	for _, r := range t.matchLocked(kind, key) {
		for fid, reg := range r.regs(kind) {
			seen[fid] = reg
		}
	}
	return sortedFaces(seen)
}
