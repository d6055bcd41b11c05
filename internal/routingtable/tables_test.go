package routingtable

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("Expected error for empty self ID")
	}
}

func TestTables_AddFace_NilSink(t *testing.T) {
	tables := newTestTables(t, peerlink.ModeRouter)

	if _, err := tables.AddFace(routingtable.FaceInfo{Local: true}, nil); err == nil {
		t.Fatal("Expected error for nil sink")
	}
}

func TestTables_DeclareSubscriber(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	sub, subSink := addLocal(t, tables)
	pub, _ := addLocal(t, tables)

	if err := tables.DeclareSubscriber(sub, key("sensor/**"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if tables.ResourceCount() != 1 {
		t.Fatalf("Expected 1 resource, got %d", tables.ResourceCount())
	}

	if err := tables.Publish(pub, sample("sensor/room1/temp", "21.5")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := tables.Publish(pub, sample("actuator/room1", "on")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if subSink.pushCount() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", subSink.pushCount())
	}
	got := subSink.lastPush()
	if got.Key.String() != "sensor/room1/temp" || string(got.Payload) != "21.5" {
		t.Errorf("Unexpected sample %s=%q", got.Key, got.Payload)
	}
	if got.Reliability != routingtable.Reliable {
		t.Errorf("Expected reliable delivery, got %v", got.Reliability)
	}
}

func TestTables_DeclareSubscriber_UnknownFace(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)

	err := tables.DeclareSubscriber(42, key("a"), routingtable.Reliable)
	if !errors.Is(err, routingtable.ErrUnknownFace) {
		t.Fatalf("Expected ErrUnknownFace, got %v", err)
	}
}

func TestTables_Publish_ExcludesPublisher(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	face, sink := addLocal(t, tables)

	if err := tables.DeclareSubscriber(face, key("a/b"), routingtable.BestEffort); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if err := tables.Publish(face, sample("a/b", "x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if sink.pushCount() != 0 {
		t.Errorf("Publisher should not receive its own sample, got %d", sink.pushCount())
	}
}

func TestTables_Publish_OncePerFace(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	sub, sink := addLocal(t, tables)
	pub, _ := addLocal(t, tables)

	for _, k := range []string{"a/**", "a/b", "*/b"} {
		rel := routingtable.BestEffort
		if k == "*/b" {
			rel = routingtable.Reliable
		}
		if err := tables.DeclareSubscriber(sub, key(k), rel); err != nil {
			t.Fatalf("DeclareSubscriber(%s) failed: %v", k, err)
		}
	}

	if err := tables.Publish(pub, sample("a/b", "x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if sink.pushCount() != 1 {
		t.Fatalf("Expected exactly 1 delivery across overlapping subscriptions, got %d", sink.pushCount())
	}
	if sink.lastPush().Reliability != routingtable.Reliable {
		t.Errorf("Expected the strongest reliability, got %v", sink.lastPush().Reliability)
	}
}

func TestTables_UndeclareSubscriber(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	sub, sink := addLocal(t, tables)
	pub, _ := addLocal(t, tables)

	// Declared twice, so the first undeclare keeps the route.
	for i := 0; i < 2; i++ {
		if err := tables.DeclareSubscriber(sub, key("orders/created"), routingtable.Reliable); err != nil {
			t.Fatalf("DeclareSubscriber failed: %v", err)
		}
	}
	if err := tables.UndeclareSubscriber(sub, key("orders/created"), routingtable.Reliable); err != nil {
		t.Fatalf("UndeclareSubscriber failed: %v", err)
	}
	if err := tables.Publish(pub, sample("orders/created", "1")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if sink.pushCount() != 1 {
		t.Fatalf("Expected delivery while one declaration remains, got %d", sink.pushCount())
	}

	if err := tables.UndeclareSubscriber(sub, key("orders/created"), routingtable.Reliable); err != nil {
		t.Fatalf("UndeclareSubscriber failed: %v", err)
	}
	if tables.ResourceCount() != 0 {
		t.Errorf("Expected resource removed, got %d", tables.ResourceCount())
	}
	if err := tables.Publish(pub, sample("orders/created", "2")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if sink.pushCount() != 1 {
		t.Errorf("Expected no delivery after undeclare, got %d", sink.pushCount())
	}

	if err := tables.UndeclareSubscriber(sub, key("orders/created"), routingtable.Reliable); err == nil {
		t.Error("Expected error undeclaring a key that is not declared")
	}
}

func TestTables_RemoveFace_RetractsDeclarations(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	sub, sink := addLocal(t, tables)
	other, otherSink := addLocal(t, tables)
	pub, _ := addLocal(t, tables)

	if err := tables.DeclareSubscriber(sub, key("k"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if err := tables.DeclareQueryable(sub, key("k/**")); err != nil {
		t.Fatalf("DeclareQueryable failed: %v", err)
	}
	if err := tables.DeclareSubscriber(other, key("shared"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}

	if err := tables.RemoveFace(sub); err != nil {
		t.Fatalf("RemoveFace failed: %v", err)
	}

	if err := tables.Publish(pub, sample("k", "x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if sink.pushCount() != 0 {
		t.Errorf("Removed face received %d samples", sink.pushCount())
	}
	routes := tables.Routes()
	if len(routes) != 1 || routes[0].Key != "shared" {
		t.Errorf("Expected only the unrelated resource to survive, got %+v", routes)
	}
	if got := tables.Subscribers(key("k")); len(got) != 0 {
		t.Errorf("Expected no subscribers for k, got %v", got)
	}

	if err := tables.Publish(pub, sample("shared", "y")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if otherSink.pushCount() != 1 {
		t.Errorf("Unrelated face should still receive, got %d", otherSink.pushCount())
	}

	if err := tables.RemoveFace(sub); !errors.Is(err, routingtable.ErrUnknownFace) {
		t.Errorf("Expected ErrUnknownFace on second removal, got %v", err)
	}
	if err := tables.Publish(sub, sample("k", "x")); !errors.Is(err, routingtable.ErrUnknownFace) {
		t.Errorf("Expected ErrUnknownFace publishing from a removed face, got %v", err)
	}
	if tables.FaceCount() != 2 {
		t.Errorf("Expected 2 faces, got %d", tables.FaceCount())
	}
}

func TestTables_ReportNoRoute(t *testing.T) {
	tables := newTestTablesWith(t, Config{Mode: peerlink.ModePeer, ReportNoRoute: true})
	pub, _ := addLocal(t, tables)

	if err := tables.Publish(pub, sample("nobody/listens", "x")); !errors.Is(err, routingtable.ErrNoRoute) {
		t.Fatalf("Expected ErrNoRoute, got %v", err)
	}

	quiet := newTestTables(t, peerlink.ModePeer)
	pub, _ = addLocal(t, quiet)
	if err := quiet.Publish(pub, sample("nobody/listens", "x")); err != nil {
		t.Fatalf("Unrouted publish should be a no-op by default, got %v", err)
	}
}

func TestTables_Publish_StampsLocalSource(t *testing.T) {
	self := peerlink.NewPeerID()
	tables := newTestTablesWith(t, Config{Self: self, Mode: peerlink.ModePeer})
	sub, sink := addLocal(t, tables)
	pub, _ := addLocal(t, tables)

	if err := tables.DeclareSubscriber(sub, key("a"), routingtable.BestEffort); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	var sns []uint64
	for i := 0; i < 2; i++ {
		if err := tables.Publish(pub, sample("a", "x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		got := sink.lastPush()
		if got.Source != self {
			t.Errorf("Expected source %s, got %s", self, got.Source)
		}
		sns = append(sns, got.SourceSN)
	}

	if sink.pushCount() != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", sink.pushCount())
	}
	if sns[1] != sns[0]+1 {
		t.Errorf("Expected consecutive sequence numbers, got %v", sns)
	}
}

func TestTables_Publish_RestartWithSameID(t *testing.T) {
	self := peerlink.NewPeerID()
	neighbour := newTestTables(t, peerlink.ModeRouter)
	via, _, _ := addRemote(t, neighbour, peerlink.ModeRouter)
	sub, subSink := addLocal(t, neighbour)
	if err := neighbour.DeclareSubscriber(sub, key("a"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}

	// Two lifetimes of one runtime, each relaying its first sample.
	for i := 0; i < 2; i++ {
		tables := newTestTablesWith(t, Config{Self: self, Mode: peerlink.ModeRouter})
		pub, _ := addLocal(t, tables)
		up, upSink, _ := addRemote(t, tables, peerlink.ModeRouter)
		if err := tables.DeclareSubscriber(up, key("a"), routingtable.Reliable); err != nil {
			t.Fatalf("DeclareSubscriber failed: %v", err)
		}
		if err := tables.Publish(pub, sample("a", "x")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if upSink.pushCount() != 1 {
			t.Fatalf("Expected the sample on the upstream face, got %d", upSink.pushCount())
		}
		if err := neighbour.Publish(via, upSink.lastPush()); err != nil {
			t.Fatalf("Relay failed: %v", err)
		}
		_ = tables.Close()
	}

	if subSink.pushCount() != 2 {
		t.Errorf("Expected both lifetimes' samples delivered, got %d", subSink.pushCount())
	}
}

func TestTables_Publish_DeduplicatesAcrossPaths(t *testing.T) {
	tables := newTestTables(t, peerlink.ModeRouter)
	sub, sink := addLocal(t, tables)
	r1, _, _ := addRemote(t, tables, peerlink.ModeRouter)
	r2, _, _ := addRemote(t, tables, peerlink.ModeRouter)

	if err := tables.DeclareSubscriber(sub, key("a/b"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}

	origin := peerlink.NewPeerID()
	for _, via := range []routingtable.FaceID{r1, r2, r1} {
		s := sample("a/b", "x")
		s.Source, s.SourceSN = origin, 7
		if err := tables.Publish(via, s); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if sink.pushCount() != 1 {
		t.Fatalf("Expected 1 delivery of a sample arriving on two paths, got %d", sink.pushCount())
	}
	if got := testutil.ToFloat64(tables.metrics.PushesDeduplicated); got != 2 {
		t.Errorf("Expected 2 deduplicated pushes, got %v", got)
	}
}

func TestTables_Close(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	face, _ := addLocal(t, tables)

	if err := tables.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tables.DeclareSubscriber(face, key("a"), routingtable.Reliable); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if _, err := tables.AddFace(routingtable.FaceInfo{Local: true}, newRecordingSink()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := tables.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}

func TestTables_Metrics(t *testing.T) {
	tables := newTestTables(t, peerlink.ModePeer)
	sub, _ := addLocal(t, tables)
	pub, _ := addLocal(t, tables)

	if err := tables.DeclareSubscriber(sub, key("m/1"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if err := tables.DeclareSubscriber(sub, key("m/2"), routingtable.Reliable); err != nil {
		t.Fatalf("DeclareSubscriber failed: %v", err)
	}
	if err := tables.Publish(pub, sample("m/1", "x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := testutil.ToFloat64(tables.metrics.Faces); got != 2 {
		t.Errorf("Expected faces gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(tables.metrics.Resources); got != 2 {
		t.Errorf("Expected resources gauge 2, got %v", got)
	}
	if got := testutil.ToFloat64(tables.metrics.PushesRouted); got != 1 {
		t.Errorf("Expected 1 routed push, got %v", got)
	}
}
