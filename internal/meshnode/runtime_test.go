package meshnode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	peerlinkpkg "github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	routingtablepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// sampleLog collects the samples a subscriber handler receives.
type sampleLog struct {
	mu      sync.Mutex
	samples []*routingtablepkg.Sample
}

func (l *sampleLog) handle(s *routingtablepkg.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, s)
}

func (l *sampleLog) keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.samples))
	for i, s := range l.samples {
		out[i] = s.Key.String()
	}
	return out
}

func (l *sampleLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples)
}

// newTestRuntime creates a runtime on net that is closed with the test.
func newTestRuntime(t *testing.T, net *transport.MemNetwork, mode peerlinkpkg.Mode, opts ...func(*Config)) *Runtime {
	t.Helper()
	config := NewConfig(mode).WithRegistry(transport.NewRegistry(net.Transport()))
	config.Scouting.Interval = 50 * time.Millisecond
	config.Scouting.Timeout = 20 * time.Millisecond
	for _, o := range opts {
		o(config)
	}
	r, err := New(config)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newSession(t *testing.T, r *Runtime) meshnode.Session {
	t.Helper()
	s, err := r.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

// eventually polls cond until it holds or a few seconds passed.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasRoute(r *Runtime, key string, subscribers bool) bool {
	for _, rt := range r.Routes() {
		if rt.Key != key {
			continue
		}
		if subscribers {
			return len(rt.Subscribers) > 0
		}
		return len(rt.Queryables) > 0
	}
	return false
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("Expected error for nil config")
	}
	if _, err := New(NewConfig(peerlinkpkg.ModeClient).WithListen("tcp/0.0.0.0:7447")); !errors.Is(err, ErrClientListens) {
		t.Errorf("Expected ErrClientListens, got %v", err)
	}
}

func TestRuntime_ConfiguredID(t *testing.T) {
	id := peerlinkpkg.NewPeerID()
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer, func(c *Config) { c.WithID(id) })
	if r.ID() != id {
		t.Errorf("Expected id %s, got %s", id, r.ID())
	}
	if r.Mode() != peerlinkpkg.ModePeer {
		t.Errorf("Expected peer mode, got %s", r.Mode())
	}
}

func TestRuntime_WildcardSubscription(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	sub := newSession(t, r)

	var got sampleLog
	if _, err := sub.DeclareSubscriber(ctx, "sensor/**", got.handle, meshnode.SubscriberOptions{}); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}

	for _, key := range []string{"sensor/room1/temp", "actuator/room1", "sensor/room2/hum"} {
		if err := r.Publish(ctx, key, []byte("21.5"), meshnode.PublishOptions{}); err != nil {
			t.Fatalf("Publish %s failed: %v", key, err)
		}
	}

	keys := got.keys()
	if len(keys) != 2 || keys[0] != "sensor/room1/temp" || keys[1] != "sensor/room2/hum" {
		t.Errorf("Expected the two sensor samples in order, got %v", keys)
	}
	s := got.samples[0]
	if string(s.Payload) != "21.5" || s.Encoding != routingtablepkg.DefaultEncoding {
		t.Errorf("Unexpected payload or encoding: %q %q", s.Payload, s.Encoding)
	}
	if s.Source != r.ID() || s.Timestamp.IsZero() {
		t.Errorf("Expected the sample stamped with source and time, got %s %v", s.Source, s.Timestamp)
	}
}

func TestRuntime_OwnPublicationsNotDelivered(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()

	var got sampleLog
	if _, err := r.DeclareSubscriber(ctx, "a/b", got.handle, meshnode.SubscriberOptions{}); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if err := r.Publish(ctx, "a/b", nil, meshnode.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got.len() != 0 {
		t.Errorf("A session must not receive its own publication, got %v", got.keys())
	}
}

func TestRuntime_DeleteAndOptions(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	sub := newSession(t, r)

	var got sampleLog
	if _, err := sub.DeclareSubscriber(ctx, "cfg/*", got.handle, meshnode.SubscriberOptions{}); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := r.Publish(ctx, "cfg/x", []byte(`{"v":1}`), meshnode.PublishOptions{
		Encoding:   "application/json",
		Attachment: routingtablepkg.Attachment{}.Insert([]byte("trace"), []byte("1")),
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := r.Delete(ctx, "cfg/x", meshnode.PublishOptions{}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if got.len() != 2 {
		t.Fatalf("Expected 2 samples, got %d", got.len())
	}
	put, del := got.samples[0], got.samples[1]
	if put.Kind != routingtablepkg.Put || put.Encoding != "application/json" || !put.Timestamp.Equal(ts) || !attachmentIs(put.Attachment, "trace", "1") {
		t.Errorf("Put sample lost its options: %+v", put)
	}
	if del.Kind != routingtablepkg.Delete || len(del.Payload) != 0 {
		t.Errorf("Expected an empty delete sample, got %+v", del)
	}
}

func TestRuntime_UndeclareStopsDelivery(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	sub := newSession(t, r)

	var got sampleLog
	s, err := sub.DeclareSubscriber(ctx, "a/**", got.handle, meshnode.SubscriberOptions{})
	if err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if s.Key().String() != "a/**" {
		t.Errorf("Unexpected key %s", s.Key())
	}
	_ = r.Publish(ctx, "a/1", nil, meshnode.PublishOptions{})
	if err := s.Undeclare(); err != nil {
		t.Fatalf("Undeclare failed: %v", err)
	}
	if err := s.Undeclare(); err != nil {
		t.Errorf("Second Undeclare should be a no-op, got %v", err)
	}
	_ = r.Publish(ctx, "a/2", nil, meshnode.PublishOptions{})

	if keys := got.keys(); len(keys) != 1 || keys[0] != "a/1" {
		t.Errorf("Expected only the sample before undeclare, got %v", keys)
	}
	if hasRoute(r, "a/**", true) {
		t.Error("Undeclared subscriber should leave no route")
	}
}

func TestRuntime_MalformedKeys(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()

	if _, err := r.DeclareSubscriber(ctx, "a//b", func(*routingtablepkg.Sample) {}, meshnode.SubscriberOptions{}); err == nil {
		t.Error("Expected error for empty chunk")
	}
	if err := r.Publish(ctx, "", nil, meshnode.PublishOptions{}); err == nil {
		t.Error("Expected error for empty key")
	}
	if _, err := r.Query(ctx, "a/**/**?x=1", meshnode.QueryOptions{}); err == nil {
		t.Error("Expected error for adjacent ** chunks")
	}
	if _, err := r.DeclareSubscriber(ctx, "a/b", nil, meshnode.SubscriberOptions{}); err == nil {
		t.Error("Expected error for nil handler")
	}
}

func TestRuntime_ReportNoRoute(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer, func(c *Config) { c.WithReportNoRoute(true) })
	ctx := context.Background()

	err := r.Publish(ctx, "nobody/listens", nil, meshnode.PublishOptions{})
	if !errors.Is(err, routingtablepkg.ErrNoRoute) {
		t.Errorf("Expected ErrNoRoute, got %v", err)
	}

	sub := newSession(t, r)
	if _, err := sub.DeclareSubscriber(ctx, "nobody/*", func(*routingtablepkg.Sample) {}, meshnode.SubscriberOptions{}); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if err := r.Publish(ctx, "nobody/listens", nil, meshnode.PublishOptions{}); err != nil {
		t.Errorf("Expected publish to succeed once routed, got %v", err)
	}
}

func TestRuntime_QueryLocalQueryable(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	store := newSession(t, r)

	var outside error
	var params map[string]string
	_, err := store.DeclareQueryable(ctx, "store/**", func(q meshnode.Query) {
		params = q.Parameters()
		_ = q.Reply("store/a", []byte("1"), meshnode.ReplyOptions{})
		_ = q.ReplyDelete("store/b", meshnode.ReplyOptions{})
		outside = q.Reply("other/c", nil, meshnode.ReplyOptions{})
	}, meshnode.QueryableOptions{})
	if err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	stream, err := r.Query(ctx, "store/*?limit=10", meshnode.QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	replies, err := Collect(ctx, stream)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if len(replies) != 2 {
		t.Fatalf("Expected 2 replies, got %d", len(replies))
	}
	if replies[0].Sample.Key.String() != "store/a" || string(replies[0].Sample.Payload) != "1" {
		t.Errorf("Unexpected first reply %+v", replies[0].Sample)
	}
	if replies[1].Sample.Kind != routingtablepkg.Delete {
		t.Errorf("Expected a delete reply, got %v", replies[1].Sample.Kind)
	}
	if !errors.Is(outside, meshnode.ErrKeyOutsideQuery) {
		t.Errorf("Expected ErrKeyOutsideQuery, got %v", outside)
	}
	if params["limit"] != "10" {
		t.Errorf("Expected selector parameters, got %v", params)
	}
	if stream.TimedOut() {
		t.Error("Query completed by its queryable must not report a timeout")
	}
}

func TestRuntime_QueryWithoutQueryableCompletes(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()

	stream, err := r.Query(ctx, "empty/**", meshnode.QueryOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatal("A query with no queryable should complete at once")
	}
	replies, err := Collect(ctx, stream)
	if err != nil || len(replies) != 0 {
		t.Errorf("Expected no replies, got %d (%v)", len(replies), err)
	}
}

func TestRuntime_QueryConsolidation(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s := newSession(t, r)
		payload := []byte{byte('a' + i)}
		if _, err := s.DeclareQueryable(ctx, "kv/**", func(q meshnode.Query) {
			_ = q.Reply("kv/x", payload, meshnode.ReplyOptions{})
		}, meshnode.QueryableOptions{}); err != nil {
			t.Fatalf("DeclareQueryable failed: %v", err)
		}
	}

	tests := []struct {
		name string
		mode routingtablepkg.Consolidation
		want int
	}{
		{"none", routingtablepkg.ConsolidationNone, 2},
		{"unique", routingtablepkg.ConsolidationUnique, 1},
		{"latest", routingtablepkg.ConsolidationLatest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream, err := r.Query(ctx, "kv/x", meshnode.QueryOptions{Consolidation: tt.mode})
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			replies, err := Collect(ctx, stream)
			if err != nil {
				t.Fatalf("Collect failed: %v", err)
			}
			if len(replies) != tt.want {
				t.Errorf("Expected %d replies, got %d", tt.want, len(replies))
			}
		})
	}
}

func TestRuntime_DetachedQuery(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	store := newSession(t, r)

	ids := make(chan uint64, 1)
	if _, err := store.DeclareQueryable(ctx, "slow/*", func(q meshnode.Query) {
		q.Detach()
		ids <- q.ID()
	}, meshnode.QueryableOptions{}); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	stream, err := r.Query(ctx, "slow/x", meshnode.QueryOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	id := <-ids
	select {
	case <-stream.Done():
		t.Fatal("A detached query must stay open after its handler returned")
	default:
	}

	if err := store.Reply(id, "slow/x", []byte("late"), meshnode.ReplyOptions{}); err != nil {
		t.Fatalf("Reply by id failed: %v", err)
	}
	if err := store.Finalize(id); err != nil {
		t.Fatalf("Finalize by id failed: %v", err)
	}
	if err := store.Finalize(id); !errors.Is(err, meshnode.ErrQueryFinalized) {
		t.Errorf("Expected ErrQueryFinalized on second finalize, got %v", err)
	}

	replies, err := Collect(ctx, stream)
	if err != nil || len(replies) != 1 || string(replies[0].Sample.Payload) != "late" {
		t.Errorf("Expected the late reply, got %v (%v)", replies, err)
	}
}

func TestRuntime_QueryTimeout(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	store := newSession(t, r)

	if _, err := store.DeclareQueryable(ctx, "never/*", func(q meshnode.Query) {
		_ = q.ReplyErr([]byte("busy"), meshnode.ReplyOptions{})
		q.Detach()
	}, meshnode.QueryableOptions{}); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	stream, err := r.Query(ctx, "never/x", meshnode.QueryOptions{Timeout: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	replies, err := Collect(ctx, stream)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !stream.TimedOut() {
		t.Error("Expected the query to time out")
	}
	if len(replies) != 1 || !replies[0].Err {
		t.Errorf("Expected the error reply before the timeout, got %v", replies)
	}
}

func TestRuntime_NextHonorsContext(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	store := newSession(t, r)
	if _, err := store.DeclareQueryable(context.Background(), "hold/*", func(q meshnode.Query) { q.Detach() }, meshnode.QueryableOptions{}); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	stream, err := r.Query(context.Background(), "hold/x", meshnode.QueryOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := stream.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestRuntime_SessionCloseRetractsDeclarations(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	s := newSession(t, r)

	if _, err := s.DeclareSubscriber(ctx, "x/**", func(*routingtablepkg.Sample) {}, meshnode.SubscriberOptions{}); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if _, err := s.DeclareQueryable(ctx, "x/q", func(meshnode.Query) {}, meshnode.QueryableOptions{}); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}
	if !hasRoute(r, "x/**", true) || !hasRoute(r, "x/q", false) {
		t.Fatalf("Expected both declarations routed, got %v", r.Routes())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(r.Routes()) != 0 {
		t.Errorf("Expected no routes after close, got %v", r.Routes())
	}
	if err := s.Publish(ctx, "x/1", nil, meshnode.PublishOptions{}); !errors.Is(err, meshnode.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if _, err := s.DeclareSubscriber(ctx, "x/1", func(*routingtablepkg.Sample) {}, meshnode.SubscriberOptions{}); !errors.Is(err, meshnode.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}

func TestRuntime_SessionCloseEndsOpenQueries(t *testing.T) {
	r := newTestRuntime(t, transport.NewMemNetwork(transport.MemOptions{}), peerlinkpkg.ModePeer)
	ctx := context.Background()
	store := newSession(t, r)
	if _, err := store.DeclareQueryable(ctx, "q/*", func(q meshnode.Query) { q.Detach() }, meshnode.QueryableOptions{}); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}

	querier := newSession(t, r)
	stream, err := querier.Query(ctx, "q/1", meshnode.QueryOptions{Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if err := querier.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatal("Closing the querier should end its reply streams")
	}
	if r.tables.PendingQueries() != 0 {
		t.Errorf("Expected the pending query released, got %d", r.tables.PendingQueries())
	}
}

func TestRuntime_HealthLifecycle(t *testing.T) {
	net := transport.NewMemNetwork(transport.MemOptions{})
	r := newTestRuntime(t, net, peerlinkpkg.ModeRouter, func(c *Config) { c.WithListen("mem/health") })
	ctx := context.Background()

	health, err := r.GetHealth(ctx)
	if err != nil {
		t.Fatalf("GetHealth failed: %v", err)
	}
	if health.Healthy {
		t.Error("Expected an unstarted runtime to be unhealthy")
	}
	if _, err := r.Connect(ctx, "mem/elsewhere"); !errors.Is(err, meshnode.ErrNotStarted) {
		t.Errorf("Expected ErrNotStarted, got %v", err)
	}

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := r.Start(ctx); err != nil {
		t.Errorf("Second Start should be a no-op, got %v", err)
	}
	health, _ = r.GetHealth(ctx)
	if !health.Healthy || health.Listeners != 1 || health.Mode != "router" || health.ID != r.ID().String() {
		t.Errorf("Unexpected health %+v", health)
	}
	if health.LocalSessions != 1 {
		t.Errorf("Expected the default session counted, got %d", health.LocalSessions)
	}
	if eps := r.Endpoints(); len(eps) != 1 || eps[0] != "mem/health" {
		t.Errorf("Unexpected endpoints %v", eps)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	health, _ = r.GetHealth(ctx)
	if health.Healthy || health.Message == "" {
		t.Errorf("Expected a closed runtime to report why it is unhealthy, got %+v", health)
	}
	if err := r.Start(ctx); err == nil {
		t.Error("Expected error starting a closed runtime")
	}
	if _, err := r.NewSession(); !errors.Is(err, meshnode.ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func attachmentIs(a routingtablepkg.Attachment, key, value string) bool {
	v, ok := a.Get([]byte(key))
	return ok && len(a) == 1 && string(v) == value
}
