package meshnode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/keymesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/keymesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/keymesh-go/internal/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	peerlinkpkg "github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

var (
	// ErrInvalidMode is returned when the mode is not client, peer or router
	ErrInvalidMode = errors.New("invalid mode")
	// ErrClientListens is returned when a client is configured to listen
	ErrClientListens = errors.New("clients do not accept links")
)

// Config represents configuration for a Runtime
type Config struct {
	// ID is the runtime's peer id. Empty generates a random one.
	ID string `yaml:"id"`

	Mode peerlinkpkg.Mode `yaml:"mode"`

	// Listen lists the endpoints accepting links, e.g. "tcp/0.0.0.0:7447".
	Listen []string `yaml:"listen"`
	// Connect lists endpoints dialed at start and redialed after a loss.
	Connect []string `yaml:"connect"`

	Scouting ScoutingConfig `yaml:"scouting"`
	Link     LinkConfig     `yaml:"link"`
	Routing  RoutingConfig  `yaml:"routing"`
	Auth     AuthConfig     `yaml:"auth"`

	Logger   *zap.Logger         `yaml:"-"`
	Metrics  *metrics.Metrics    `yaml:"-"`
	Registry *transport.Registry `yaml:"-"`
	// Discovery replaces the sources built from Connect and Scouting.
	Discovery discovery.Discovery `yaml:"-"`
	Clock     clock.Clock         `yaml:"-"`
}

// ScoutingConfig selects how the runtime finds others.
type ScoutingConfig struct {
	// Interval between discovery rounds. Configured endpoints that lost
	// their link are redialed at the same pace.
	Interval time.Duration `yaml:"interval"`
	// Timeout bounds one discovery round.
	Timeout time.Duration `yaml:"timeout"`
	// Autoconnect lists the modes dialed when discovered. Empty uses the
	// mode's default.
	Autoconnect []string `yaml:"autoconnect"`

	Multicast MulticastScouting `yaml:"multicast"`
	MDNS      MDNSScouting      `yaml:"mdns"`
}

// MulticastScouting configures Scout/Hello discovery.
type MulticastScouting struct {
	Enabled   bool   `yaml:"enabled"`
	Group     string `yaml:"group"`
	Interface string `yaml:"interface"`
	TTL       int    `yaml:"ttl"`
}

// MDNSScouting configures mDNS discovery.
type MDNSScouting struct {
	Enabled   bool   `yaml:"enabled"`
	Service   string `yaml:"service"`
	Interface string `yaml:"interface"`
}

// LinkConfig holds the per-link settings shared by every link.
type LinkConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	Compression       bool          `yaml:"compression"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	DropPolicy        string        `yaml:"drop_policy"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ReliableWindow    int           `yaml:"reliable_window"`
	GapTimeout        time.Duration `yaml:"gap_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	// AliasCacheSize bounds the key aliases per session. Negative disables
	// aliasing.
	AliasCacheSize int `yaml:"alias_cache_size"`
}

// RoutingConfig holds the routing-table settings.
type RoutingConfig struct {
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
	DedupSize      int           `yaml:"dedup_size"`
	MatchCacheSize int           `yaml:"match_cache_size"`
	ReportNoRoute  bool          `yaml:"report_no_route"`
}

// AuthConfig enables token authentication of links.
type AuthConfig struct {
	// Secret verifies the tokens other runtimes present. Empty admits
	// everyone.
	Secret string `yaml:"secret"`
	// Token is presented to other runtimes. Empty with a Secret set issues
	// a token for this runtime.
	Token string `yaml:"token"`
}

// NewConfig creates a new runtime configuration with safe defaults
func NewConfig(mode peerlinkpkg.Mode) *Config {
	c := &Config{Mode: mode}
	c.SetDefaults()
	return c
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration. Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.SetDefaults()
	return c, nil
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.ID != "" {
		if _, err := peerlinkpkg.ParsePeerID(c.ID); err != nil {
			return err
		}
	}
	if c.Mode > peerlinkpkg.ModeRouter {
		return fmt.Errorf("%w: %d", ErrInvalidMode, c.Mode)
	}
	if c.Mode == peerlinkpkg.ModeClient && len(c.Listen) > 0 {
		return ErrClientListens
	}
	if _, err := transport.ParseEndpoints(c.Listen); err != nil {
		return fmt.Errorf("invalid listen endpoint: %w", err)
	}
	if _, err := transport.ParseEndpoints(c.Connect); err != nil {
		return fmt.Errorf("invalid connect endpoint: %w", err)
	}
	if _, err := c.autoconnectMask(); err != nil {
		return err
	}
	if _, err := peerlink.ParseDropPolicy(c.Link.DropPolicy); err != nil {
		return fmt.Errorf("invalid link config: %w", err)
	}
	if c.Scouting.Interval < 0 || c.Scouting.Timeout < 0 {
		return errors.New("scouting durations cannot be negative")
	}
	if c.Routing.QueryTimeout < 0 || c.Routing.DedupWindow < 0 {
		return errors.New("routing durations cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.Scouting.Interval <= 0 {
		c.Scouting.Interval = 3 * time.Second
	}
	if c.Scouting.Timeout <= 0 {
		c.Scouting.Timeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewUnregistered()
	}
	if c.Registry == nil {
		c.Registry = transport.DefaultRegistry(c.Logger)
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// autoconnectMask returns the scouting mask of the modes to dial.
func (c *Config) autoconnectMask() (uint8, error) {
	if len(c.Scouting.Autoconnect) == 0 {
		return discovery.Autoconnect(c.Mode), nil
	}
	var mask uint8
	for _, s := range c.Scouting.Autoconnect {
		m, err := peerlinkpkg.ParseMode(s)
		if err != nil {
			return 0, fmt.Errorf("invalid autoconnect: %w", err)
		}
		mask |= m.Bit()
	}
	return mask, nil
}

// linkConfig builds the peer-link settings of every link.
func (c *Config) linkConfig(self peerlinkpkg.PeerID) peerlink.Config {
	drop, _ := peerlink.ParseDropPolicy(c.Link.DropPolicy)
	return peerlink.Config{
		PeerID:            self,
		Mode:              c.Mode,
		BatchSize:         c.Link.BatchSize,
		Compression:       c.Link.Compression,
		SendQueueSize:     c.Link.SendQueueSize,
		DropPolicy:        drop,
		KeepAliveInterval: c.Link.KeepAliveInterval,
		ProbeTimeout:      c.Link.ProbeTimeout,
		ReliableWindow:    c.Link.ReliableWindow,
		GapTimeout:        c.Link.GapTimeout,
		SendTimeout:       c.Link.SendTimeout,
		HandshakeTimeout:  c.Link.HandshakeTimeout,
		Token:             c.Auth.Token,
		Logger:            c.Logger,
		Metrics:           c.Metrics,
		Clock:             c.Clock,
	}
}

// WithID sets the runtime's peer id
func (c *Config) WithID(id peerlinkpkg.PeerID) *Config {
	c.ID = id.String()
	return c
}

// WithListen adds endpoints to listen on
func (c *Config) WithListen(endpoints ...string) *Config {
	c.Listen = append(c.Listen, endpoints...)
	return c
}

// WithConnect adds endpoints to connect to
func (c *Config) WithConnect(endpoints ...string) *Config {
	c.Connect = append(c.Connect, endpoints...)
	return c
}

// WithMulticastScouting enables Scout/Hello discovery on group
func (c *Config) WithMulticastScouting(group string) *Config {
	c.Scouting.Multicast.Enabled = true
	c.Scouting.Multicast.Group = group
	return c
}

// WithMDNS enables mDNS discovery
func (c *Config) WithMDNS() *Config {
	c.Scouting.MDNS.Enabled = true
	return c
}

// WithAuth sets the shared secret and the token presented to others
func (c *Config) WithAuth(secret, token string) *Config {
	c.Auth = AuthConfig{Secret: secret, Token: token}
	return c
}

// WithQueryTimeout sets the default query timeout
func (c *Config) WithQueryTimeout(d time.Duration) *Config {
	c.Routing.QueryTimeout = d
	return c
}

// WithReportNoRoute makes local publications without subscribers fail
func (c *Config) WithReportNoRoute(report bool) *Config {
	c.Routing.ReportNoRoute = report
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	c.Logger = logger
	return c
}

// WithMetrics sets the metrics collectors
func (c *Config) WithMetrics(m *metrics.Metrics) *Config {
	c.Metrics = m
	return c
}

// WithRegistry sets the transport registry
func (c *Config) WithRegistry(r *transport.Registry) *Config {
	c.Registry = r
	return c
}

// WithDiscovery replaces the configured discovery sources
func (c *Config) WithDiscovery(d discovery.Discovery) *Config {
	c.Discovery = d
	return c
}

// WithClock sets the clock used for timers
func (c *Config) WithClock(clk clock.Clock) *Config {
	c.Clock = clk
	return c
}
