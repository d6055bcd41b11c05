package routingtable

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// queryRoute names a query by the face it travels on and the id it carries
// there.
type queryRoute struct {
	face routingtable.FaceID
	id   uint64
}

// pendingQuery correlates one query with its replies. Lock order is p.mu
// before Tables.mu.
type pendingQuery struct {
	t *Tables

	mu            sync.Mutex
	done          bool
	origin        queryRoute
	sink          routingtable.Sink
	consolidation routingtable.Consolidation
	// targets maps each face still expected to finish to the id the query
	// carries on that face.
	targets map[routingtable.FaceID]uint64
	seen    map[string]struct{}
	latest  map[string]*routingtable.Reply
	order   []string
	timer   *clock.Timer
}

// Query routes a query from a face to every face with an intersecting
// queryable. Replies come back through the origin's Sink with the query's
// own id, ending with exactly one final reply: when every target finished,
// when the deadline passes, or at once when no queryable matches.
func (t *Tables) Query(from routingtable.FaceID, q *routingtable.Query) error {
	t.mu.Lock()
	f, err := t.faceLocked(from)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	origin := queryRoute{face: from, id: q.ID}
	if _, dup := t.origins[origin]; dup {
		t.mu.Unlock()
		return fmt.Errorf("query %d already pending on face %d", q.ID, from)
	}
	if !f.remote() && q.Source == (peerlink.PeerID{}) {
		q.Source = t.cfg.Self
		q.SourceSN = t.localSN.Add(1)
	}
	sink := f.sink
	if !t.dedup.observe(dedupKey{kind: dedupQuery, source: q.Source, sn: q.SourceSN}) {
		t.mu.Unlock()
		return sink.Reply(&routingtable.Reply{QueryID: q.ID, Final: true})
	}
	t.metrics.Queries.Inc()

	targets := t.targetsLocked(f, routingtable.DeclQueryable, q.Selector.Key)
	if len(targets) == 0 {
		t.mu.Unlock()
		return sink.Reply(&routingtable.Reply{QueryID: q.ID, Final: true})
	}

	// A remote hint may shorten the local timeout but never extend it.
	timeout := q.Timeout
	if timeout <= 0 || (f.remote() && timeout > t.cfg.QueryTimeout) {
		timeout = t.cfg.QueryTimeout
	}
	p := &pendingQuery{
		t:             t,
		origin:        origin,
		sink:          sink,
		consolidation: q.Consolidation,
		targets:       make(map[routingtable.FaceID]uint64, len(targets)),
		seen:          make(map[string]struct{}),
		latest:        make(map[string]*routingtable.Reply),
	}
	forwards := make([]*routingtable.Query, len(targets))
	for i, tg := range targets {
		g := t.faces[tg.face]
		g.nextQueryID++
		p.targets[tg.face] = g.nextQueryID
		t.queries[queryRoute{face: tg.face, id: g.nextQueryID}] = p

		fq := *q
		fq.ID = g.nextQueryID
		fq.Timeout = timeout
		forwards[i] = &fq
	}
	t.origins[origin] = p
	p.mu.Lock()
	p.timer = t.clock.AfterFunc(timeout, p.expire)
	p.mu.Unlock()
	t.mu.Unlock()

	t.logger.Debug("query routed",
		zap.String("selector", q.Selector.String()),
		zap.Uint64("face", uint64(from)),
		zap.Int("targets", len(targets)),
		zap.Duration("timeout", timeout))

	for i, tg := range targets {
		if err := tg.sink.Query(forwards[i]); err != nil {
			t.logger.Debug("query not delivered", zap.Uint64("face", uint64(tg.face)), zap.Error(err))
			p.targetDone(tg.face)
		}
	}
	return nil
}

// Reply hands a reply received on a face to the query it answers. Replies
// to unknown or finished queries are dropped.
func (t *Tables) Reply(from routingtable.FaceID, r *routingtable.Reply) error {
	t.mu.RLock()
	if _, err := t.faceLocked(from); err != nil {
		t.mu.RUnlock()
		return err
	}
	p, ok := t.queries[queryRoute{face: from, id: r.QueryID}]
	t.mu.RUnlock()
	if !ok {
		t.logger.Debug("reply to unknown query", zap.Uint64("face", uint64(from)), zap.Uint64("query", r.QueryID))
		return nil
	}

	if r.Final {
		p.targetDone(from)
		return nil
	}
	p.reply(r)
	return nil
}

// detachQueriesLocked unlinks the queries a face originated or was asked to
// answer.
func (t *Tables) detachQueriesLocked(id routingtable.FaceID) (originated, targeted []*pendingQuery) {
	for r, p := range t.origins {
		if r.face == id {
			originated = append(originated, p)
			delete(t.origins, r)
		}
	}
	for r, p := range t.queries {
		if r.face == id {
			targeted = append(targeted, p)
			delete(t.queries, r)
		}
	}
	return originated, targeted
}

func (p *pendingQuery) reply(r *routingtable.Reply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || r.Sample == nil {
		return
	}

	if r.Err || p.consolidation == routingtable.ConsolidationNone {
		p.sendLocked(r)
		return
	}
	k := r.Sample.Key.String()
	switch p.consolidation {
	case routingtable.ConsolidationUnique:
		if _, dup := p.seen[k]; dup {
			return
		}
		p.seen[k] = struct{}{}
		p.sendLocked(r)
	case routingtable.ConsolidationLatest:
		old, ok := p.latest[k]
		if !ok {
			p.order = append(p.order, k)
		} else if old.Sample.Timestamp.After(r.Sample.Timestamp) {
			return
		}
		p.latest[k] = r
	}
}

func (p *pendingQuery) sendLocked(r *routingtable.Reply) {
	out := &routingtable.Reply{QueryID: p.origin.id, Err: r.Err, Sample: r.Sample}
	if err := p.sink.Reply(out); err != nil {
		p.t.logger.Debug("reply not delivered", zap.Uint64("face", uint64(p.origin.face)), zap.Error(err))
	}
}

// targetDone records that a face will send nothing more and completes the
// query once no face is outstanding.
func (p *pendingQuery) targetDone(face routingtable.FaceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	id, ok := p.targets[face]
	if !ok {
		return
	}
	delete(p.targets, face)
	p.t.mu.Lock()
	delete(p.t.queries, queryRoute{face: face, id: id})
	p.t.mu.Unlock()

	if len(p.targets) == 0 {
		p.finishLocked(false)
	}
}

func (p *pendingQuery) expire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.t.metrics.QueryTimeouts.Inc()
	p.finishLocked(true)
}

// finishLocked flushes consolidated replies and sends the final reply.
func (p *pendingQuery) finishLocked(timedOut bool) {
	p.releaseLocked()
	for _, k := range p.order {
		p.sendLocked(p.latest[k])
	}
	final := &routingtable.Reply{QueryID: p.origin.id, Final: true, TimedOut: timedOut}
	if err := p.sink.Reply(final); err != nil {
		p.t.logger.Debug("final reply not delivered", zap.Uint64("face", uint64(p.origin.face)), zap.Error(err))
	}
}

// cancel drops the query without telling the origin. Used when the origin
// face is gone.
func (p *pendingQuery) cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		p.releaseLocked()
	}
}

func (p *pendingQuery) releaseLocked() {
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.t.mu.Lock()
	if p.t.origins[p.origin] == p {
		delete(p.t.origins, p.origin)
	}
	for face, id := range p.targets {
		delete(p.t.queries, queryRoute{face: face, id: id})
	}
	p.t.mu.Unlock()
}
