package routingtable

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

var (
	// ErrNoRoute is returned by publish when no face is interested and the
	// tables are configured to report it.
	ErrNoRoute = errors.New("no route for key expression")
	// ErrUnknownFace is returned for operations on a face that was removed.
	ErrUnknownFace = errors.New("unknown face")
)

// FaceID identifies a face inside one routing table. Ids are never reused.
type FaceID uint64

// FaceInfo describes a face when it is added to the tables.
type FaceInfo struct {
	// Local is true for sessions living in the same process.
	Local bool
	// Peer is the remote runtime for transport-backed faces.
	Peer peerlink.PeerID
	// Mode is the remote runtime's mode. Ignored for local faces.
	Mode peerlink.Mode
}

func (f FaceInfo) String() string {
	if f.Local {
		return "local"
	}
	return fmt.Sprintf("%s/%s", f.Mode, peerlink.Short(f.Peer))
}

// Reliability selects the channel a message travels on.
type Reliability uint8

const (
	BestEffort Reliability = iota
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "best-effort"
}

// CongestionControl selects what happens when an outbound queue is full.
type CongestionControl uint8

const (
	// Block waits for room, bounded by the link's send timeout.
	Block CongestionControl = iota
	// Drop discards the message.
	Drop
)

func (c CongestionControl) String() string {
	if c == Drop {
		return "drop"
	}
	return "block"
}

// SampleKind tells a put from a delete.
type SampleKind uint8

const (
	Put SampleKind = iota
	Delete
)

func (k SampleKind) String() string {
	if k == Delete {
		return "delete"
	}
	return "put"
}

// Consolidation is the reply merge policy of a query.
type Consolidation uint8

const (
	// ConsolidationNone forwards every reply as it arrives.
	ConsolidationNone Consolidation = iota
	// ConsolidationUnique forwards the first reply per key and drops the rest.
	ConsolidationUnique
	// ConsolidationLatest keeps the newest reply per key and forwards it
	// when the query completes.
	ConsolidationLatest
)

func (c Consolidation) String() string {
	switch c {
	case ConsolidationUnique:
		return "unique"
	case ConsolidationLatest:
		return "latest"
	default:
		return "none"
	}
}

// ParseConsolidation parses "none", "unique" or "latest".
func ParseConsolidation(s string) (Consolidation, error) {
	switch s {
	case "none", "":
		return ConsolidationNone, nil
	case "unique":
		return ConsolidationUnique, nil
	case "latest":
		return ConsolidationLatest, nil
	default:
		return 0, fmt.Errorf("unknown consolidation %q", s)
	}
}

// Encoding is a free-form content type tag, e.g. "text/plain".
type Encoding string

// DefaultEncoding is used when a publisher does not name one.
const DefaultEncoding Encoding = "application/octet-stream"

// AttachmentItem is one key/value pair of an attachment.
type AttachmentItem struct {
	Key   []byte
	Value []byte
}

// Attachment is an ordered list of user metadata carried next to a payload.
type Attachment []AttachmentItem

// Get returns the value of the first item whose key is key.
func (a Attachment) Get(key []byte) ([]byte, bool) {
	for _, item := range a {
		if bytes.Equal(item.Key, key) {
			return item.Value, true
		}
	}
	return nil, false
}

// Insert appends a pair and returns the extended attachment.
func (a Attachment) Insert(key, value []byte) Attachment {
	return append(a, AttachmentItem{Key: key, Value: value})
}

// Sample is one publication. Samples are shared between faces once
// published and must be treated as immutable.
type Sample struct {
	Key        keyexpr.KeyExpr
	Payload    []byte
	Encoding   Encoding
	Kind       SampleKind
	Timestamp  time.Time
	Attachment Attachment

	// Source and SourceSN identify the publication across hops for duplicate
	// suppression.
	Source   peerlink.PeerID
	SourceSN uint64

	Reliability Reliability
	Congestion  CongestionControl
}

// WithReliability returns a shallow copy of s using reliability r.
func (s *Sample) WithReliability(r Reliability) *Sample {
	if s.Reliability == r {
		return s
	}
	c := *s
	c.Reliability = r
	return &c
}

// Value is an optional payload attached to a query.
type Value struct {
	Payload  []byte
	Encoding Encoding
}

// Query is a request routed toward matching queryables.
type Query struct {
	// ID is scoped to the face the query is sent to or received from.
	ID            uint64
	Selector      keyexpr.Selector
	Consolidation Consolidation
	// Timeout is the originator's hint. Zero means the tables' default.
	Timeout    time.Duration
	Value      *Value
	Attachment Attachment

	Source   peerlink.PeerID
	SourceSN uint64
}

// Reply is a response to a query, or the final marker closing it.
type Reply struct {
	QueryID uint64
	// Final marks the end of the reply stream. Final replies carry no Sample.
	Final bool
	// TimedOut is set on a final reply sent because the deadline passed.
	TimedOut bool
	// Err marks an error reply; Sample then carries the error payload.
	Err    bool
	Sample *Sample
}

// DeclKind is the kind of a propagated declaration.
type DeclKind uint8

const (
	DeclSubscriber DeclKind = iota + 1
	DeclQueryable
)

func (k DeclKind) String() string {
	switch k {
	case DeclSubscriber:
		return "subscriber"
	case DeclQueryable:
		return "queryable"
	default:
		return "unknown"
	}
}

// Declaration is interest announced to a face.
type Declaration struct {
	Kind        DeclKind
	Key         keyexpr.KeyExpr
	Reliability Reliability
}

// Sink receives everything the tables emit toward one face. The tables
// never call a Sink while holding their own lock, and they serialize
// declarations so that each face observes them in decision order.
type Sink interface {
	Declare(d Declaration) error
	Undeclare(d Declaration) error
	Push(s *Sample) error
	Query(q *Query) error
	Reply(r *Reply) error
}
