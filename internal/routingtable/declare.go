package routingtable

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// declUpdate is one declaration to emit toward a face once the table lock
// is released.
type declUpdate struct {
	face      routingtable.FaceID
	sink      routingtable.Sink
	decl      routingtable.Declaration
	undeclare bool
}

// DeclareSubscriber registers the face's interest in samples matching key.
// A face may declare the same key several times; each declaration needs its
// own UndeclareSubscriber.
func (t *Tables) DeclareSubscriber(id routingtable.FaceID, key keyexpr.KeyExpr, rel routingtable.Reliability) error {
	return t.declare(id, routingtable.DeclSubscriber, key, rel)
}

// UndeclareSubscriber withdraws one DeclareSubscriber.
func (t *Tables) UndeclareSubscriber(id routingtable.FaceID, key keyexpr.KeyExpr, rel routingtable.Reliability) error {
	return t.undeclare(id, routingtable.DeclSubscriber, key, rel)
}

// DeclareQueryable registers the face as able to answer queries on key.
func (t *Tables) DeclareQueryable(id routingtable.FaceID, key keyexpr.KeyExpr) error {
	return t.declare(id, routingtable.DeclQueryable, key, routingtable.Reliable)
}

// UndeclareQueryable withdraws one DeclareQueryable.
func (t *Tables) UndeclareQueryable(id routingtable.FaceID, key keyexpr.KeyExpr) error {
	return t.undeclare(id, routingtable.DeclQueryable, key, routingtable.Reliable)
}

func (t *Tables) declare(id routingtable.FaceID, kind routingtable.DeclKind, key keyexpr.KeyExpr, rel routingtable.Reliability) error {
	if key.IsZero() {
		return fmt.Errorf("%w: empty key expression", keyexpr.ErrMalformed)
	}

	t.propMu.Lock()
	defer t.propMu.Unlock()

	t.mu.Lock()
	f, err := t.faceLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	k := key.String()
	r, ok := t.resources[k]
	if !ok {
		r = &resource{
			key:   key,
			subs:  make(map[routingtable.FaceID]*registration),
			qabls: make(map[routingtable.FaceID]*registration),
		}
		t.resources[k] = r
		t.matches.Purge()
		t.metrics.Resources.Set(float64(len(t.resources)))
	}
	reg, ok := r.regs(kind)[id]
	if !ok {
		reg = &registration{}
		r.regs(kind)[id] = reg
		f.declared[kind][k] = r
	}
	reg.add(rel, 1)
	updates := t.propagateLocked()
	t.mu.Unlock()

	t.logger.Debug("declared",
		zap.Stringer("kind", kind),
		zap.String("key", k),
		zap.Uint64("face", uint64(id)),
		zap.Stringer("reliability", rel))
	t.emit(updates)
	return nil
}

func (t *Tables) undeclare(id routingtable.FaceID, kind routingtable.DeclKind, key keyexpr.KeyExpr, rel routingtable.Reliability) error {
	t.propMu.Lock()
	defer t.propMu.Unlock()

	t.mu.Lock()
	f, err := t.faceLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	k := key.String()
	r, ok := f.declared[kind][k]
	if !ok || !r.regs(kind)[id].has(rel) {
		t.mu.Unlock()
		return fmt.Errorf("%s %q not declared by face %d", kind, k, id)
	}
	reg := r.regs(kind)[id]
	reg.add(rel, -1)
	if reg.empty() {
		delete(r.regs(kind), id)
		delete(f.declared[kind], k)
		t.dropIfUnusedLocked(k, r)
	}
	updates := t.propagateLocked()
	t.mu.Unlock()

	t.emit(updates)
	return nil
}

func (t *Tables) faceLocked(id routingtable.FaceID) (*face, error) {
	if t.closed {
		return nil, ErrClosed
	}
	f, ok := t.faces[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", routingtable.ErrUnknownFace, id)
	}
	return f, nil
}

// propagateLocked recomputes what every remote face should have been told
// and returns the difference. New and strengthened declarations come before
// withdrawals so a face never sees a gap in interest.
func (t *Tables) propagateLocked() []declUpdate {
	var updates []declUpdate
	for _, g := range t.faces {
		if !g.remote() {
			continue
		}
		for _, kind := range []routingtable.DeclKind{routingtable.DeclSubscriber, routingtable.DeclQueryable} {
			want := t.wantedLocked(g, kind)
			have := g.announced[kind]
			for k, d := range want {
				if old, ok := have[k]; !ok || old.Reliability != d.Reliability {
					updates = append(updates, declUpdate{face: g.id, sink: g.sink, decl: d})
				}
			}
			for k, d := range have {
				if _, ok := want[k]; !ok {
					updates = append(updates, declUpdate{face: g.id, sink: g.sink, decl: d, undeclare: true})
				}
			}
			g.announced[kind] = want
		}
	}
	return updates
}

// wantedLocked computes the declarations face g should hold: every key some
// other face declared, when traffic from g may reach that face, minus keys
// already covered by a broader key of at least the same reliability.
func (t *Tables) wantedLocked(g *face, kind routingtable.DeclKind) map[string]routingtable.Declaration {
	want := make(map[string]routingtable.Declaration)
	for k, r := range t.resources {
		found := false
		rel := routingtable.BestEffort
		for fid, reg := range r.regs(kind) {
			if !t.canForwardLocked(g, t.faces[fid]) {
				continue
			}
			found = true
			if reg.strongest() == routingtable.Reliable {
				rel = routingtable.Reliable
			}
		}
		if found {
			want[k] = routingtable.Declaration{Kind: kind, Key: r.key, Reliability: rel}
		}
	}

	for k, d := range want {
		for other, e := range want {
			if other != k && e.Reliability >= d.Reliability && e.Key.Includes(d.Key) {
				delete(want, k)
				break
			}
		}
	}
	return want
}

// emit delivers declarations. Callers hold propMu but not mu.
func (t *Tables) emit(updates []declUpdate) {
	for _, u := range updates {
		var err error
		if u.undeclare {
			err = u.sink.Undeclare(u.decl)
		} else {
			err = u.sink.Declare(u.decl)
		}
		if err != nil {
			t.logger.Debug("declaration not delivered",
				zap.Uint64("face", uint64(u.face)),
				zap.Stringer("kind", u.decl.Kind),
				zap.String("key", u.decl.Key.String()),
				zap.Bool("undeclare", u.undeclare),
				zap.Error(err))
		}
	}
}
