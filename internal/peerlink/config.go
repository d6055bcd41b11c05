package peerlink

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rmacdonaldsmith/keymesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// ProtocolVersion is the newest wire protocol version this build speaks.
const ProtocolVersion uint8 = 1

// DropPolicy decides which message a full best-effort queue discards.
type DropPolicy uint8

const (
	// DropNewest rejects the message being sent.
	DropNewest DropPolicy = iota
	// DropOldest evicts the message queued longest.
	DropOldest
)

func (p DropPolicy) String() string {
	if p == DropOldest {
		return "oldest"
	}
	return "newest"
}

// ParseDropPolicy parses "newest" or "oldest".
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "newest", "":
		return DropNewest, nil
	case "oldest":
		return DropOldest, nil
	default:
		return 0, fmt.Errorf("unknown drop policy %q", s)
	}
}

// Config holds the settings of one link. A Config is shared by every link a
// runtime opens; Establish copies it.
type Config struct {
	PeerID peerlink.PeerID
	Mode   peerlink.Mode

	MinVersion uint8
	MaxVersion uint8

	// BatchSize is the largest batch this side offers. The smaller of the
	// two offers, capped by the transport, is used.
	BatchSize   int
	Compression bool
	// DisableBestEffort refuses the best-effort channel. The link then
	// carries best-effort sends on the reliable channel with Drop congestion
	// control.
	DisableBestEffort bool

	// SendQueueSize bounds the best-effort queue, counted in frames.
	SendQueueSize int
	DropPolicy    DropPolicy

	KeepAliveInterval time.Duration
	ProbeTimeout      time.Duration

	// ReliableWindow is the number of unacknowledged reliable frames allowed
	// in flight.
	ReliableWindow    int
	RetransmitInitial time.Duration
	RetransmitMax     time.Duration
	// GapTimeout fails the link when a hole in the reliable sequence is not
	// filled in time.
	GapTimeout time.Duration
	// SendTimeout bounds how long a blocking reliable send waits for window.
	SendTimeout time.Duration

	FragmentTimeout  time.Duration
	MaxMessageSize   int
	HandshakeTimeout time.Duration

	// Token is presented to the remote side during the handshake.
	Token string
	// Verify checks the remote side's token. Nil accepts every peer.
	Verify func(token []byte, id peerlink.PeerID, mode peerlink.Mode) error
	// Accept is consulted by the accepting side once the remote identity is
	// known. A non-nil error rejects the link.
	Accept func(remote peerlink.PeerInfo) error

	// ErrorRate and ErrorBurst form the budget of malformed inbound
	// messages tolerated before the link fails.
	ErrorRate  rate.Limit
	ErrorBurst int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.PeerID == (peerlink.PeerID{}) {
		return errors.New("peer ID cannot be empty")
	}
	if c.MinVersion > c.MaxVersion && c.MaxVersion != 0 {
		return fmt.Errorf("min version %d above max version %d", c.MinVersion, c.MaxVersion)
	}
	if c.BatchSize != 0 && c.BatchSize < minBatchSize {
		return fmt.Errorf("batch size %d below minimum %d", c.BatchSize, minBatchSize)
	}
	if c.ProbeTimeout != 0 && c.KeepAliveInterval != 0 && c.ProbeTimeout <= c.KeepAliveInterval {
		return errors.New("probe timeout must exceed keep-alive interval")
	}
	if c.RetransmitMax != 0 && c.RetransmitMax < c.RetransmitInitial {
		return errors.New("retransmit max below retransmit initial")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.MinVersion == 0 {
		c.MinVersion = ProtocolVersion
	}
	if c.MaxVersion == 0 {
		c.MaxVersion = ProtocolVersion
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1 << 16
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1024
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 2500 * time.Millisecond
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 4 * c.KeepAliveInterval
	}
	if c.ReliableWindow <= 0 {
		c.ReliableWindow = 512
	}
	if c.RetransmitInitial <= 0 {
		c.RetransmitInitial = 200 * time.Millisecond
	}
	if c.RetransmitMax <= 0 {
		c.RetransmitMax = 2 * time.Second
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = 5 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 << 20
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ErrorRate <= 0 {
		c.ErrorRate = 10
	}
	if c.ErrorBurst <= 0 {
		c.ErrorBurst = 50
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewUnregistered()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}
