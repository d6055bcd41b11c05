package routingtable

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// bridge stands in for a link between two routers. Everything one side's
// tables emit toward the face is replayed, in order, on the other side's
// tables from a dedicated goroutine, as a session's dispatcher would.
type bridge struct {
	remote *Tables
	face   routingtable.FaceID // face of this side on the remote tables
	queue  chan func()
	pushes atomic.Int64
	wg     sync.WaitGroup

	// declared is only touched by the replay goroutine.
	declared map[string]routingtable.Reliability
}

func newBridge() *bridge {
	b := &bridge{queue: make(chan func(), 1024), declared: make(map[string]routingtable.Reliability)}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for fn := range b.queue {
			fn()
		}
	}()
	return b
}

func (b *bridge) close() {
	close(b.queue)
	b.wg.Wait()
}

func (b *bridge) Declare(d routingtable.Declaration) error {
	b.queue <- func() {
		if d.Kind == routingtable.DeclQueryable {
			_ = b.remote.DeclareQueryable(b.face, d.Key)
			return
		}
		// A repeated key only changes its reliability.
		k := d.Key.String()
		old, ok := b.declared[k]
		if ok && old == d.Reliability {
			return
		}
		_ = b.remote.DeclareSubscriber(b.face, d.Key, d.Reliability)
		if ok {
			_ = b.remote.UndeclareSubscriber(b.face, d.Key, old)
		}
		b.declared[k] = d.Reliability
	}
	return nil
}

func (b *bridge) Undeclare(d routingtable.Declaration) error {
	b.queue <- func() {
		if d.Kind == routingtable.DeclQueryable {
			_ = b.remote.UndeclareQueryable(b.face, d.Key)
			return
		}
		k := d.Key.String()
		if rel, ok := b.declared[k]; ok {
			_ = b.remote.UndeclareSubscriber(b.face, d.Key, rel)
			delete(b.declared, k)
		}
	}
	return nil
}

func (b *bridge) Push(s *routingtable.Sample) error {
	b.pushes.Add(1)
	c := *s
	b.queue <- func() { _ = b.remote.Publish(b.face, &c) }
	return nil
}

func (b *bridge) Query(q *routingtable.Query) error {
	c := *q
	b.queue <- func() { _ = b.remote.Query(b.face, &c) }
	return nil
}

func (b *bridge) Reply(r *routingtable.Reply) error {
	c := *r
	b.queue <- func() { _ = b.remote.Reply(b.face, &c) }
	return nil
}

type router struct {
	id     peerlink.PeerID
	tables *Tables
}

func newRouter(t *testing.T) *router {
	id := peerlink.NewPeerID()
	return &router{id: id, tables: newTestTablesWith(t, Config{Self: id, Mode: peerlink.ModeRouter})}
}

// connect links two routers and returns the bridges carrying a to b and b
// to a.
func connect(t *testing.T, a, b *router) (ab, ba *bridge) {
	t.Helper()
	ab, ba = newBridge(), newBridge()
	t.Cleanup(ab.close)
	t.Cleanup(ba.close)
	ab.remote, ba.remote = b.tables, a.tables

	// Face ids must be known before either side emits, so hold both queues
	// until both faces exist.
	hold := make(chan struct{})
	ab.queue <- func() { <-hold }
	ba.queue <- func() { <-hold }

	var err error
	if ba.face, err = a.tables.AddFace(routingtable.FaceInfo{Peer: b.id, Mode: peerlink.ModeRouter}, ab); err != nil {
		t.Fatalf("AddFace failed: %v", err)
	}
	if ab.face, err = b.tables.AddFace(routingtable.FaceInfo{Peer: a.id, Mode: peerlink.ModeRouter}, ba); err != nil {
		t.Fatalf("AddFace failed: %v", err)
	}
	close(hold)
	return ab, ba
}

func TestIntegration_TwoRouters(t *testing.T) {
	r1, r2 := newRouter(t), newRouter(t)
	r1to2, r2to1 := connect(t, r1, r2)

	c1, c1Sink := addLocal(t, r1.tables)
	c2, _ := addLocal(t, r2.tables)

	if err := r1.tables.DeclareSubscriber(c1, key("a/b"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	eventually(t, "declaration to reach r2", func() bool {
		return len(r2.tables.Subscribers(key("a/b"))) == 1
	})

	if err := r2.tables.Publish(c2, sample("a/b", "hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eventually(t, "sample to reach c1", func() bool { return c1Sink.pushCount() == 1 })

	time.Sleep(50 * time.Millisecond)
	if c1Sink.pushCount() != 1 {
		t.Errorf("Expected exactly one delivery, got %d", c1Sink.pushCount())
	}
	if n := r1to2.pushes.Load(); n != 0 {
		t.Errorf("r1 re-forwarded %d pushes back on the ingress link", n)
	}
	if n := r2to1.pushes.Load(); n != 1 {
		t.Errorf("Expected one push from r2 to r1, got %d", n)
	}
	if got := c1Sink.lastPush(); got.Source != r2.id {
		t.Errorf("Sample should keep its original source, got %s", got.Source)
	}
}

func TestIntegration_TriangleDeliversOnce(t *testing.T) {
	r1, r2, r3 := newRouter(t), newRouter(t), newRouter(t)
	connect(t, r1, r2)
	connect(t, r2, r3)
	connect(t, r1, r3)

	sub, subSink := addLocal(t, r1.tables)
	pub, _ := addLocal(t, r2.tables)

	if err := r1.tables.DeclareSubscriber(sub, key("tri/**"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	eventually(t, "declaration to reach every router", func() bool {
		return len(r2.tables.Subscribers(key("tri/x"))) == 2 && len(r3.tables.Subscribers(key("tri/x"))) == 2
	})

	for i := 0; i < 10; i++ {
		if err := r2.tables.Publish(pub, sample("tri/x", "v")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	eventually(t, "samples to reach the subscriber", func() bool { return subSink.pushCount() >= 10 })
	time.Sleep(50 * time.Millisecond)
	if subSink.pushCount() != 10 {
		t.Errorf("Expected 10 deliveries despite the cycle, got %d", subSink.pushCount())
	}
}

func TestIntegration_SpanningTreeAvoidsCycle(t *testing.T) {
	r1, r2, r3 := newRouter(t), newRouter(t), newRouter(t)
	connect(t, r1, r2)
	r2to3, _ := connect(t, r2, r3)
	r1to3, r3to1 := connect(t, r1, r3)

	// Tree r1 - r2 - r3; the r1 - r3 link is off the tree.
	r1.tables.SetTreeNeighbors([]peerlink.PeerID{r2.id})
	r2.tables.SetTreeNeighbors([]peerlink.PeerID{r1.id, r3.id})
	r3.tables.SetTreeNeighbors([]peerlink.PeerID{r2.id})

	sub, subSink := addLocal(t, r3.tables)
	pub, _ := addLocal(t, r1.tables)
	if err := r3.tables.DeclareSubscriber(sub, key("t"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	eventually(t, "declaration to reach r1 through r2", func() bool {
		return len(r1.tables.Subscribers(key("t"))) == 1
	})

	if err := r1.tables.Publish(pub, sample("t", "v")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eventually(t, "sample to reach r3", func() bool { return subSink.pushCount() == 1 })

	if r1to3.pushes.Load() != 0 || r3to1.pushes.Load() != 0 {
		t.Error("Nothing should travel on the off-tree link")
	}
	if r2to3.pushes.Load() != 1 {
		t.Errorf("Expected one push along the tree, got %d", r2to3.pushes.Load())
	}
}

func TestIntegration_QueryAcrossRouters(t *testing.T) {
	r1, r2 := newRouter(t), newRouter(t)
	connect(t, r1, r2)

	origin, originSink := addLocal(t, r1.tables)
	qabl, qablSink := addLocal(t, r2.tables)
	if err := r2.tables.DeclareQueryable(qabl, key("store/**")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}
	eventually(t, "queryable to reach r1", func() bool {
		return len(r1.tables.Queryables(key("store/x"))) == 1
	})

	if err := r1.tables.Query(origin, newQuery(1, "store/x", routingtable.ConsolidationUnique)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	eventually(t, "query to reach the queryable", func() bool { return qablSink.lastQuery() != nil })
	fq := qablSink.lastQuery()
	answer(t, r2.tables, qabl, fq, "store/x", time.Time{})
	finish(t, r2.tables, qabl, fq)

	replies, final := collect(t, originSink)
	if len(replies) != 1 || replies[0].Sample.Key.String() != "store/x" {
		t.Fatalf("Expected one reply for store/x, got %d", len(replies))
	}
	if final.TimedOut {
		t.Error("Query should complete before its deadline")
	}
}

func TestIntegration_FaceLossRetractsRemotely(t *testing.T) {
	r1, r2 := newRouter(t), newRouter(t)
	connect(t, r1, r2)

	sub, _ := addLocal(t, r1.tables)
	if err := r1.tables.DeclareSubscriber(sub, key("gone/**"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	eventually(t, "declaration to reach r2", func() bool { return r2.tables.ResourceCount() == 1 })

	if err := r1.tables.RemoveFace(sub); err != nil {
		t.Fatalf("RemoveFace failed: %v", err)
	}
	eventually(t, "withdrawal to reach r2", func() bool { return r2.tables.ResourceCount() == 0 })
}
