package routingtable

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rmacdonaldsmith/keymesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// recordingSink captures everything the tables emit toward one face.
type recordingSink struct {
	mu        sync.Mutex
	events    []string
	announced map[string]routingtable.Declaration
	pushes    []*routingtable.Sample
	queries   []*routingtable.Query
	replies   chan *routingtable.Reply
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		announced: make(map[string]routingtable.Declaration),
		replies:   make(chan *routingtable.Reply, 64),
	}
}

func (s *recordingSink) Declare(d routingtable.Declaration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fmt.Sprintf("declare %s %s %s", d.Kind, d.Key, d.Reliability))
	s.announced[d.Kind.String()+" "+d.Key.String()] = d
	return nil
}

func (s *recordingSink) Undeclare(d routingtable.Declaration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fmt.Sprintf("undeclare %s %s", d.Kind, d.Key))
	delete(s.announced, d.Kind.String()+" "+d.Key.String())
	return nil
}

func (s *recordingSink) Push(sample *routingtable.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, sample)
	return nil
}

func (s *recordingSink) Query(q *routingtable.Query) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return nil
}

func (s *recordingSink) Reply(r *routingtable.Reply) error {
	s.replies <- r
	return nil
}

func (s *recordingSink) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func (s *recordingSink) lastPush() *routingtable.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pushes) == 0 {
		return nil
	}
	return s.pushes[len(s.pushes)-1]
}

func (s *recordingSink) takeEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events
	s.events = nil
	return ev
}

func (s *recordingSink) hasDeclared(kind routingtable.DeclKind, key string) (routingtable.Declaration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.announced[kind.String()+" "+key]
	return d, ok
}

func (s *recordingSink) lastQuery() *routingtable.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return nil
	}
	return s.queries[len(s.queries)-1]
}

func (s *recordingSink) nextReply(t *testing.T) *routingtable.Reply {
	t.Helper()
	select {
	case r := <-s.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a reply")
		return nil
	}
}

func newTestTables(t testing.TB, mode peerlink.Mode) *Tables {
	t.Helper()
	return newTestTablesWith(t, Config{Mode: mode})
}

func newTestTablesWith(t testing.TB, cfg Config) *Tables {
	t.Helper()
	if cfg.Self == (peerlink.PeerID{}) {
		cfg.Self = peerlink.NewPeerID()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	tables, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = tables.Close() })
	return tables
}

func addLocal(t testing.TB, tables *Tables) (routingtable.FaceID, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	id, err := tables.AddFace(routingtable.FaceInfo{Local: true}, sink)
	if err != nil {
		t.Fatalf("AddFace failed: %v", err)
	}
	return id, sink
}

func addRemote(t testing.TB, tables *Tables, mode peerlink.Mode) (routingtable.FaceID, *recordingSink, peerlink.PeerID) {
	t.Helper()
	sink := newRecordingSink()
	peer := peerlink.NewPeerID()
	id, err := tables.AddFace(routingtable.FaceInfo{Peer: peer, Mode: mode}, sink)
	if err != nil {
		t.Fatalf("AddFace failed: %v", err)
	}
	return id, sink, peer
}

func key(s string) keyexpr.KeyExpr {
	return keyexpr.MustCanonicalize(s)
}

func sample(k string, payload string) *routingtable.Sample {
	return &routingtable.Sample{Key: key(k), Payload: []byte(payload)}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
