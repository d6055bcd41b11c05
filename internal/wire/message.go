package wire

import (
	"time"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// Kind tags a message on the wire.
type Kind uint8

const (
	KindInit      Kind = 0x01
	KindClose     Kind = 0x02
	KindKeepAlive Kind = 0x03
	KindAck       Kind = 0x04
	KindFrame     Kind = 0x05
	KindFragment  Kind = 0x06

	KindDeclare   Kind = 0x10
	KindPush      Kind = 0x11
	KindQuery     Kind = 0x12
	KindReply     Kind = 0x13
	KindLinkState Kind = 0x14

	KindScout Kind = 0x20
	KindHello Kind = 0x21
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "Init"
	case KindClose:
		return "Close"
	case KindKeepAlive:
		return "KeepAlive"
	case KindAck:
		return "Ack"
	case KindFrame:
		return "Frame"
	case KindFragment:
		return "Fragment"
	case KindDeclare:
		return "Declare"
	case KindPush:
		return "Push"
	case KindQuery:
		return "Query"
	case KindReply:
		return "Reply"
	case KindLinkState:
		return "LinkState"
	case KindScout:
		return "Scout"
	case KindHello:
		return "Hello"
	default:
		return "Unknown"
	}
}

// Message is the closed set of protocol messages. Only types in this
// package implement it.
type Message interface {
	Kind() Kind
	isMessage()
}

// Init opens a link. The dialer sends it with Ack unset and the listener
// answers with Ack set and the negotiated values filled in.
type Init struct {
	Ack        bool
	VersionMin uint8
	VersionMax uint8
	PeerID     peerlink.PeerID
	Mode       peerlink.Mode
	// Reliable and BestEffort announce the channels the sender accepts.
	Reliable    bool
	BestEffort  bool
	Compression bool
	BatchSize   uint32
	Lease       time.Duration
	InitialSN   uint64
	Token       string
}

// CloseReason explains a Close.
type CloseReason uint8

const (
	CloseGeneric CloseReason = iota
	CloseVersionMismatch
	CloseUnauthorized
	CloseRejected
	CloseExpired
	CloseFailed
)

func (r CloseReason) String() string {
	switch r {
	case CloseVersionMismatch:
		return "version mismatch"
	case CloseUnauthorized:
		return "unauthorized"
	case CloseRejected:
		return "rejected"
	case CloseExpired:
		return "expired"
	case CloseFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Close ends a link in an orderly way.
type Close struct {
	Reason  CloseReason
	Message string
}

// KeepAlive is sent on an idle link. A probe must be answered.
type KeepAlive struct {
	Probe bool
}

// Ack cumulatively acknowledges every reliable sequence number below Next.
type Ack struct {
	Next uint64
}

// Frame carries one network message on a channel.
type Frame struct {
	Reliable bool
	SN       uint64
	Body     Message
}

// Fragment carries a slice of one encoded network message that did not fit
// a batch. Total is the full encoded length and is only set on Index 0.
type Fragment struct {
	Reliable bool
	SN       uint64
	MsgID    uint64
	Index    uint32
	Total    uint32
	Final    bool
	Data     []byte
}

// KeyRef names a key expression on the wire, either in full (Alias == 0)
// or as a previously declared alias plus an optional suffix.
type KeyRef struct {
	Alias  uint64
	Suffix string
}

// DeclKind is the target of a Declare.
type DeclKind uint8

const (
	DeclKeyExpr DeclKind = iota + 1
	DeclSubscriber
	DeclQueryable
)

func (k DeclKind) String() string {
	switch k {
	case DeclKeyExpr:
		return "keyexpr"
	case DeclSubscriber:
		return "subscriber"
	case DeclQueryable:
		return "queryable"
	default:
		return "unknown"
	}
}

// Declare adds or removes a subscriber, queryable or key expression alias.
// ID is the alias id for DeclKeyExpr and unused otherwise.
type Declare struct {
	Decl      DeclKind
	Undeclare bool
	ID        uint64
	Key       KeyRef
	Reliable  bool
}

// Push publishes one sample.
type Push struct {
	Key        KeyRef
	SampleKind routingtable.SampleKind
	Encoding   string
	Payload    []byte
	Source     peerlink.PeerID
	SourceSN   uint64
	// Timestamp is unix nanoseconds, zero when absent.
	Timestamp  int64
	Attachment routingtable.Attachment
	Drop       bool
}

// Query asks matching queryables for replies.
type Query struct {
	ID            uint64
	Key           KeyRef
	Parameters    string
	Consolidation routingtable.Consolidation
	Timeout       time.Duration
	Value         *routingtable.Value
	Attachment    routingtable.Attachment
	Source        peerlink.PeerID
	SourceSN      uint64
}

// ReplyBody is the sample part of a Reply.
type ReplyBody struct {
	Key        KeyRef
	SampleKind routingtable.SampleKind
	Encoding   string
	Payload    []byte
	Timestamp  int64
	Attachment routingtable.Attachment
}

// Reply answers a query. Final replies have no body.
type Reply struct {
	QueryID  uint64
	Final    bool
	TimedOut bool
	Err      bool
	Body     *ReplyBody
}

// LinkState is a router's view of its router neighbours, flooded through the
// router mesh.
type LinkState struct {
	Origin    peerlink.PeerID
	Seq       uint64
	Neighbors []peerlink.PeerID
}

// Scout asks runtimes whose mode is in What to say hello.
type Scout struct {
	ID   peerlink.PeerID
	What uint8
}

// Hello advertises a runtime and the endpoints it listens on.
type Hello struct {
	ID        peerlink.PeerID
	Mode      peerlink.Mode
	Endpoints []string
}

func (*Init) Kind() Kind      { return KindInit }
func (*Close) Kind() Kind     { return KindClose }
func (*KeepAlive) Kind() Kind { return KindKeepAlive }
func (*Ack) Kind() Kind       { return KindAck }
func (*Frame) Kind() Kind     { return KindFrame }
func (*Fragment) Kind() Kind  { return KindFragment }
func (*Declare) Kind() Kind   { return KindDeclare }
func (*Push) Kind() Kind      { return KindPush }
func (*Query) Kind() Kind     { return KindQuery }
func (*Reply) Kind() Kind     { return KindReply }
func (*LinkState) Kind() Kind { return KindLinkState }
func (*Scout) Kind() Kind     { return KindScout }
func (*Hello) Kind() Kind     { return KindHello }

func (*Init) isMessage()      {}
func (*Close) isMessage()     {}
func (*KeepAlive) isMessage() {}
func (*Ack) isMessage()       {}
func (*Frame) isMessage()     {}
func (*Fragment) isMessage()  {}
func (*Declare) isMessage()   {}
func (*Push) isMessage()      {}
func (*Query) isMessage()     {}
func (*Reply) isMessage()     {}
func (*LinkState) isMessage() {}
func (*Scout) isMessage()     {}
func (*Hello) isMessage()     {}

// IsNetwork reports whether m is routed through the tables rather than
// consumed by the link itself.
func IsNetwork(m Message) bool {
	switch m.Kind() {
	case KindDeclare, KindPush, KindQuery, KindReply, KindLinkState:
		return true
	default:
		return false
	}
}
