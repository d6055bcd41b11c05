package meshnode

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

var (
	// ErrSessionClosed is returned by operations on a closed session or a
	// handle whose session is gone.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotStarted is returned when a runtime is used before Start.
	ErrNotStarted = errors.New("runtime not started")
	// ErrQueryFinalized is returned when replying to a query that was
	// already finalized.
	ErrQueryFinalized = errors.New("query already finalized")
	// ErrKeyOutsideQuery is returned for a reply whose key does not
	// intersect the query's key expression.
	ErrKeyOutsideQuery = errors.New("reply key does not intersect query")
)

// SubscriberOptions configure a subscriber declaration.
type SubscriberOptions struct {
	// Reliability is the channel remote publishers should use toward this
	// subscriber.
	Reliability routingtable.Reliability
}

// QueryableOptions configure a queryable declaration.
type QueryableOptions struct{}

// PublishOptions configure one publication.
type PublishOptions struct {
	Encoding    routingtable.Encoding
	Reliability routingtable.Reliability
	Congestion  routingtable.CongestionControl
	Kind        routingtable.SampleKind
	Attachment  routingtable.Attachment
	// Timestamp defaults to the runtime clock.
	Timestamp time.Time
}

// QueryOptions configure one query.
type QueryOptions struct {
	Consolidation routingtable.Consolidation
	// Timeout defaults to the runtime's query timeout.
	Timeout    time.Duration
	Value      *routingtable.Value
	Attachment routingtable.Attachment
}

// ReplyOptions configure one reply.
type ReplyOptions struct {
	Encoding   routingtable.Encoding
	Attachment routingtable.Attachment
	Timestamp  time.Time
}

// Subscriber is a live subscriber declaration.
type Subscriber interface {
	Key() keyexpr.KeyExpr
	// Undeclare withdraws the subscription. A sample already being
	// delivered may still reach the handler.
	Undeclare() error
}

// Queryable is a live queryable declaration.
type Queryable interface {
	Key() keyexpr.KeyExpr
	Undeclare() error
}

// Query is an incoming query handed to a queryable's handler. The query is
// finalized when the handler returns unless the handler called Detach.
type Query interface {
	ID() uint64
	Selector() keyexpr.Selector
	Parameters() map[string]string
	Value() *routingtable.Value
	Attachment() routingtable.Attachment

	// Reply sends a put sample for key, which must intersect the query.
	Reply(key string, payload []byte, opts ReplyOptions) error
	// ReplyDelete sends a delete sample for key.
	ReplyDelete(key string, opts ReplyOptions) error
	// ReplyErr sends an error reply. Error replies are never consolidated.
	ReplyErr(payload []byte, opts ReplyOptions) error

	// Detach keeps the query open after the handler returns. A detached
	// query must be finalized by the caller.
	Detach()
	// Finalize tells the querier this queryable will send nothing more.
	Finalize() error
}

// ReplyStream is the finite result of a query. It ends with the query's
// completion and cannot be restarted.
type ReplyStream interface {
	// Next blocks until the next reply arrives. It returns io.EOF once the
	// query completed and every reply was read, and ctx's error if ctx ends
	// first.
	Next(ctx context.Context) (*routingtable.Reply, error)
	// Done is closed when the query completed.
	Done() <-chan struct{}
	// TimedOut reports whether the query completed because its deadline
	// passed. It is meaningful once Done is closed.
	TimedOut() bool
}

// Session is an application's attachment point to a runtime. Every
// declaration made through a session is withdrawn when it closes. A session
// never receives its own publications or queries; open a second session for
// that.
type Session interface {
	io.Closer

	DeclareSubscriber(ctx context.Context, key string, handler func(*routingtable.Sample), opts SubscriberOptions) (Subscriber, error)
	DeclareQueryable(ctx context.Context, key string, handler func(Query), opts QueryableOptions) (Queryable, error)

	// Publish routes a sample to every subscriber whose key expression
	// intersects key. It fails with routingtable.ErrNoRoute only when the
	// runtime reports missing routes.
	Publish(ctx context.Context, key string, payload []byte, opts PublishOptions) error
	// Delete publishes a delete sample for key.
	Delete(ctx context.Context, key string, opts PublishOptions) error

	// Query sends a query to every queryable intersecting the selector's key.
	Query(ctx context.Context, selector string, opts QueryOptions) (ReplyStream, error)

	// Reply and Finalize address an incoming query by id, for handlers that
	// keep only the id of a detached query.
	Reply(queryID uint64, key string, payload []byte, opts ReplyOptions) error
	Finalize(queryID uint64) error
}

// Runtime is one keymesh runtime: its routing tables, its links to other
// runtimes and the sessions of the local applications. The runtime itself
// acts as the default session.
type Runtime interface {
	Session

	// Start listens on the configured endpoints, connects to the configured
	// peers and starts discovery.
	Start(ctx context.Context) error

	// ID returns the runtime's identity in the mesh.
	ID() peerlink.PeerID
	// Mode returns the runtime's operating mode.
	Mode() peerlink.Mode

	// NewSession opens an additional local session.
	NewSession() (Session, error)

	// Connect dials an endpoint descriptor such as "tcp/10.0.0.1:7447" and
	// returns once the link is open.
	Connect(ctx context.Context, endpoint string) (peerlink.PeerInfo, error)
	// Peers returns the runtimes with an open link.
	Peers() []peerlink.PeerInfo
	// Routes returns the resources of the routing tables.
	Routes() []Route

	// GetHealth returns the overall health status of the runtime.
	GetHealth(ctx context.Context) (HealthStatus, error)
}

// Route describes one routing-table resource.
type Route struct {
	Key         string                `json:"key"`
	Subscribers []routingtable.FaceID `json:"subscribers,omitempty"`
	Queryables  []routingtable.FaceID `json:"queryables,omitempty"`
}

// HealthStatus represents the overall health of a runtime
type HealthStatus struct {
	// Healthy indicates if the runtime is functioning properly
	Healthy bool `json:"healthy"`

	ID   string `json:"id"`
	Mode string `json:"mode"`

	// Listeners is the number of endpoints accepting links
	Listeners int `json:"listeners"`

	// ConnectedPeers is the number of runtimes with an open link
	ConnectedPeers int `json:"connected_peers"`

	// LocalSessions is the number of open application sessions
	LocalSessions int `json:"local_sessions"`

	Resources      int `json:"resources"`
	PendingQueries int `json:"pending_queries"`

	// Message provides additional health information
	Message string `json:"message,omitempty"`
}
