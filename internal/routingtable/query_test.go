package routingtable

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

func newQuery(id uint64, selector string, c routingtable.Consolidation) *routingtable.Query {
	sel, err := keyexpr.ParseSelector(selector)
	if err != nil {
		panic(err)
	}
	return &routingtable.Query{ID: id, Selector: sel, Consolidation: c}
}

func answer(t *testing.T, tables *Tables, face routingtable.FaceID, q *routingtable.Query, k string, at time.Time) {
	t.Helper()
	s := sample(k, "from "+k)
	s.Timestamp = at
	if err := tables.Reply(face, &routingtable.Reply{QueryID: q.ID, Sample: s}); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
}

func finish(t *testing.T, tables *Tables, face routingtable.FaceID, q *routingtable.Query) {
	t.Helper()
	if err := tables.Reply(face, &routingtable.Reply{QueryID: q.ID, Final: true}); err != nil {
		t.Fatalf("Final reply failed: %v", err)
	}
}

// collect reads replies until the final one.
func collect(t *testing.T, sink *recordingSink) ([]*routingtable.Reply, *routingtable.Reply) {
	t.Helper()
	var replies []*routingtable.Reply
	for {
		r := sink.nextReply(t)
		if r.Final {
			return replies, r
		}
		replies = append(replies, r)
	}
}

func TestQuery_Consolidation(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name          string
		consolidation routingtable.Consolidation
		wantPayloads  []string
	}{
		{"none forwards everything", routingtable.ConsolidationNone, []string{"from data/a@1", "from data/a@2", "from data/b@2"}},
		{"unique keeps first per key", routingtable.ConsolidationUnique, []string{"from data/a@1", "from data/b@2"}},
		{"latest keeps newest per key", routingtable.ConsolidationLatest, []string{"from data/a@2", "from data/b@2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := newTestTables(t, peerlink.ModePeer)
			origin, originSink := addLocal(t, tables)
			q1, q1Sink := addLocal(t, tables)
			q2, q2Sink := addLocal(t, tables)

			for _, f := range []routingtable.FaceID{q1, q2} {
				if err := tables.DeclareQueryable(f, key("data/**")); err != nil {
					t.Fatalf("DeclareQueryable failed: %v", err)
				}
			}
			if err := tables.Query(origin, newQuery(1, "data/*?limit=2", tt.consolidation)); err != nil {
				t.Fatalf("Query failed: %v", err)
			}

			fq1, fq2 := q1Sink.lastQuery(), q2Sink.lastQuery()
			if fq1 == nil || fq2 == nil {
				t.Fatal("Both queryables should receive the query")
			}
			if fq1.Selector.Params()["limit"] != "2" {
				t.Errorf("Parameters should reach the queryable, got %q", fq1.Selector.Parameters)
			}

			// Payloads name the key and the replying queryable's timestamp.
			reply := func(face routingtable.FaceID, q *routingtable.Query, k string, ts int) {
				s := sample(k, "from "+k+"@"+string(rune('0'+ts)))
				s.Timestamp = now.Add(time.Duration(ts) * time.Second)
				if err := tables.Reply(face, &routingtable.Reply{QueryID: q.ID, Sample: s}); err != nil {
					t.Fatalf("Reply failed: %v", err)
				}
			}
			reply(q1, fq1, "data/a", 1)
			reply(q2, fq2, "data/a", 2)
			reply(q2, fq2, "data/b", 2)
			finish(t, tables, q1, fq1)
			finish(t, tables, q2, fq2)

			replies, final := collect(t, originSink)
			var got []string
			for _, r := range replies {
				if r.QueryID != 1 {
					t.Errorf("Reply carries query id %d, want the origin's id 1", r.QueryID)
				}
				got = append(got, string(r.Sample.Payload))
			}
			if len(got) != len(tt.wantPayloads) {
				t.Fatalf("Replies = %v, want %v", got, tt.wantPayloads)
			}
			for i := range got {
				if got[i] != tt.wantPayloads[i] {
					t.Errorf("Replies = %v, want %v", got, tt.wantPayloads)
					break
				}
			}
			if final.TimedOut {
				t.Error("Query completed by every queryable should not be marked timed out")
			}
			if tables.PendingQueries() != 0 {
				t.Errorf("Expected no pending queries, got %d", tables.PendingQueries())
			}
		})
	}
}

func TestQuery_UniqueAcrossQueryables(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	origin, originSink := addLocal(t, tables)
	q1, q1Sink := addLocal(t, tables)
	q2, q2Sink := addLocal(t, tables)
	for _, f := range []routingtable.FaceID{q1, q2} {
		if err := tables.DeclareQueryable(f, key("a")); err != nil {
			t.Fatalf("DeclareQueryable failed: %v", err)
		}
	}

	if err := tables.Query(origin, newQuery(9, "a", routingtable.ConsolidationUnique)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	answer(t, tables, q1, q1Sink.lastQuery(), "a", time.Time{})
	answer(t, tables, q2, q2Sink.lastQuery(), "a", time.Time{})
	finish(t, tables, q1, q1Sink.lastQuery())
	finish(t, tables, q2, q2Sink.lastQuery())

	replies, _ := collect(t, originSink)
	if len(replies) != 1 || replies[0].Sample.Key.String() != "a" {
		t.Fatalf("Expected exactly one reply with key a, got %d", len(replies))
	}
}

func TestQuery_NoQueryablesCompletesImmediately(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	origin, originSink := addLocal(t, tables)

	if err := tables.Query(origin, newQuery(3, "nothing/**", routingtable.ConsolidationNone)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	replies, final := collect(t, originSink)
	if len(replies) != 0 {
		t.Errorf("Expected no replies, got %d", len(replies))
	}
	if final.QueryID != 3 || final.TimedOut {
		t.Errorf("Unexpected final reply %+v", final)
	}
}

func TestQuery_Timeout(t *testing.T) {
	mock := clock.NewMock()
	tables := newTestTablesWith(t, Config{Mode: peerlink.ModePeer, Clock: mock, QueryTimeout: time.Second})
	origin, originSink := addLocal(t, tables)
	qabl, qablSink := addLocal(t, tables)
	if err := tables.DeclareQueryable(qabl, key("slow")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	if err := tables.Query(origin, newQuery(1, "slow", routingtable.ConsolidationLatest)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	fq := qablSink.lastQuery()
	if fq.Timeout != time.Second {
		t.Errorf("Forwarded query should carry the timeout, got %v", fq.Timeout)
	}
	answer(t, tables, qabl, fq, "slow", mock.Now())

	mock.Add(time.Second)

	replies, final := collect(t, originSink)
	if len(replies) != 1 {
		t.Errorf("Expected the consolidated reply before the final one, got %d", len(replies))
	}
	if !final.TimedOut {
		t.Error("Expected final reply marked timed out")
	}
	if got := testutil.ToFloat64(tables.metrics.QueryTimeouts); got != 1 {
		t.Errorf("Expected 1 query timeout, got %v", got)
	}
	if tables.PendingQueries() != 0 {
		t.Errorf("Timed out query should be released, got %d pending", tables.PendingQueries())
	}

	// A late reply is dropped quietly.
	answer(t, tables, qabl, fq, "slow", mock.Now())
	select {
	case r := <-originSink.replies:
		t.Errorf("Unexpected late reply %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuery_QueryTimeoutHint(t *testing.T) {
	mock := clock.NewMock()
	tables := newTestTablesWith(t, Config{Mode: peerlink.ModePeer, Clock: mock, QueryTimeout: time.Hour})
	origin, originSink := addLocal(t, tables)
	qabl, _ := addLocal(t, tables)
	if err := tables.DeclareQueryable(qabl, key("k")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	q := newQuery(1, "k", routingtable.ConsolidationNone)
	q.Timeout = 100 * time.Millisecond
	if err := tables.Query(origin, q); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	mock.Add(100 * time.Millisecond)

	if _, final := collect(t, originSink); !final.TimedOut {
		t.Error("Expected the query's own timeout to apply")
	}
}

func TestQuery_RemoteHintCappedByLocalTimeout(t *testing.T) {
	mock := clock.NewMock()
	tables := newTestTablesWith(t, Config{Mode: peerlink.ModeRouter, Clock: mock, QueryTimeout: time.Second})
	origin, originSink, _ := addRemote(t, tables, peerlink.ModeRouter)
	qabl, _ := addLocal(t, tables)
	if err := tables.DeclareQueryable(qabl, key("k")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	q := newQuery(1, "k", routingtable.ConsolidationNone)
	q.Source, q.SourceSN = peerlink.NewPeerID(), 1
	q.Timeout = 1000 * time.Hour
	if err := tables.Query(origin, q); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	mock.Add(time.Second)

	if _, final := collect(t, originSink); !final.TimedOut {
		t.Error("Expected the local timeout to bound a remote hint")
	}
	if n := tables.PendingQueries(); n != 0 {
		t.Errorf("Expected no pending queries, got %d", n)
	}
}

func TestQuery_ErrorRepliesBypassConsolidation(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	origin, originSink := addLocal(t, tables)
	qabl, qablSink := addLocal(t, tables)
	if err := tables.DeclareQueryable(qabl, key("e")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}
	if err := tables.Query(origin, newQuery(1, "e", routingtable.ConsolidationUnique)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	fq := qablSink.lastQuery()
	for i := 0; i < 2; i++ {
		if err := tables.Reply(qabl, &routingtable.Reply{QueryID: fq.ID, Err: true, Sample: sample("e", "boom")}); err != nil {
			t.Fatalf("Reply failed: %v", err)
		}
	}
	finish(t, tables, qabl, fq)

	replies, _ := collect(t, originSink)
	if len(replies) != 2 || !replies[0].Err {
		t.Fatalf("Expected both error replies forwarded, got %d", len(replies))
	}
}

func TestQuery_OriginRemovedCancels(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	origin, originSink := addLocal(t, tables)
	qabl, qablSink := addLocal(t, tables)
	if err := tables.DeclareQueryable(qabl, key("k")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}
	if err := tables.Query(origin, newQuery(1, "k", routingtable.ConsolidationNone)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if tables.PendingQueries() != 1 {
		t.Fatalf("Expected 1 pending query, got %d", tables.PendingQueries())
	}

	if err := tables.RemoveFace(origin); err != nil {
		t.Fatalf("RemoveFace failed: %v", err)
	}
	if tables.PendingQueries() != 0 {
		t.Errorf("Expected the query cancelled, got %d pending", tables.PendingQueries())
	}

	fq := qablSink.lastQuery()
	answer(t, tables, qabl, fq, "k", time.Time{})
	finish(t, tables, qabl, fq)
	select {
	case r := <-originSink.replies:
		t.Errorf("Removed origin received %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQuery_TargetRemovedCountsAsFinished(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	origin, originSink := addLocal(t, tables)
	q1, q1Sink := addLocal(t, tables)
	q2, _ := addLocal(t, tables)
	for _, f := range []routingtable.FaceID{q1, q2} {
		if err := tables.DeclareQueryable(f, key("k")); err != nil {
			t.Fatalf("DeclareQueryable failed: %v", err)
		}
	}
	if err := tables.Query(origin, newQuery(1, "k", routingtable.ConsolidationNone)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	finish(t, tables, q1, q1Sink.lastQuery())
	if err := tables.RemoveFace(q2); err != nil {
		t.Fatalf("RemoveFace failed: %v", err)
	}

	_, final := collect(t, originSink)
	if final.TimedOut {
		t.Error("Query should complete once the last target is gone")
	}
}

func TestQuery_DuplicateID(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	origin, _ := addLocal(t, tables)
	qabl, _ := addLocal(t, tables)
	if err := tables.DeclareQueryable(qabl, key("k")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	if err := tables.Query(origin, newQuery(5, "k", routingtable.ConsolidationNone)); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if err := tables.Query(origin, newQuery(5, "k", routingtable.ConsolidationNone)); err == nil {
		t.Error("Expected error reusing a pending query id")
	}
}
