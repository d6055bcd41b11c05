package peerlink

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrVersionMismatch is returned when two runtimes share no protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrHandshakeFailed is returned when a link never reaches the Open state.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrLinkFailed is returned once an open link has failed.
	ErrLinkFailed = errors.New("link failed")
	// ErrLinkClosed is returned when using a link after it was closed.
	ErrLinkClosed = errors.New("link closed")
)

// IsLinkFailure reports whether err means the link is gone, either through
// failure or an orderly close.
func IsLinkFailure(err error) bool {
	return errors.Is(err, ErrLinkFailed) || errors.Is(err, ErrLinkClosed)
}

// PeerID identifies one runtime in the mesh.
type PeerID = uuid.UUID

// NewPeerID returns a fresh random identity.
func NewPeerID() PeerID {
	return uuid.New()
}

// ParsePeerID parses the textual form of a PeerID.
func ParsePeerID(s string) (PeerID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return id, nil
}

// Less orders peer ids bytewise. The lower id is the one that dials when two
// runtimes discover each other.
func Less(a, b PeerID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Short returns the first eight hex digits of id, for log lines.
func Short(id PeerID) string {
	return id.String()[:8]
}

// Mode is the operating mode of a runtime.
type Mode uint8

const (
	// ModePeer links directly with other peers and forwards only on behalf
	// of its clients.
	ModePeer Mode = iota
	// ModeClient keeps a single upstream link and never forwards.
	ModeClient
	// ModeRouter forwards between any of its faces.
	ModeRouter
)

func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModePeer:
		return "peer"
	case ModeRouter:
		return "router"
	default:
		return "unknown"
	}
}

// ParseMode parses "client", "peer" or "router".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client":
		return ModeClient, nil
	case "peer", "":
		return ModePeer, nil
	case "router":
		return ModeRouter, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Bit returns the mode as a scouting mask bit.
func (m Mode) Bit() uint8 {
	return 1 << m
}

// Forwards reports whether the mode ever forwards traffic between two
// remote faces.
func (m Mode) Forwards() bool {
	return m != ModeClient
}

// LinkState is the lifecycle state of a transport link.
type LinkState int32

const (
	StateConnecting LinkState = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s LinkState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// PeerInfo describes a runtime reachable through one or more endpoints.
// ID is the zero value when the identity is not known before the handshake,
// as with statically configured endpoints.
type PeerInfo struct {
	ID        PeerID
	Mode      Mode
	Endpoints []string
}
