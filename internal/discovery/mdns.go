package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// DefaultMDNSService is the DNS-SD service runtimes announce.
const DefaultMDNSService = "_keymesh._udp"

// MDNSConfig holds the settings of mDNS discovery.
type MDNSConfig struct {
	Self peerlink.PeerID
	Mode peerlink.Mode

	Service string
	Domain  string
	// Endpoints are announced as TXT records. The first endpoint with a
	// port also sets the SRV port.
	Endpoints []string
	Interface string
	// Window is how long FindPeers waits for answers.
	Window time.Duration

	Logger *zap.Logger
}

// Validate checks if the configuration is valid.
func (c *MDNSConfig) Validate() error {
	if c.Self == (peerlink.PeerID{}) {
		return errors.New("self cannot be empty")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *MDNSConfig) SetDefaults() {
	if c.Service == "" {
		c.Service = DefaultMDNSService
	}
	if c.Domain == "" {
		c.Domain = "local."
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// MDNS announces the runtime over multicast DNS and browses for others.
type MDNS struct {
	cfg    MDNSConfig
	logger *zap.Logger
	ifi    *net.Interface

	mu     sync.Mutex
	server *mdns.Server
}

// NewMDNS creates an mDNS discovery service.
func NewMDNS(cfg MDNSConfig) (*MDNS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()
	d := &MDNS{cfg: cfg, logger: cfg.Logger.Named("mdns")}
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("unknown interface %q: %w", cfg.Interface, err)
		}
		d.ifi = ifi
	}
	return d, nil
}

// txtRecords encodes the runtime's identity and endpoints.
func (d *MDNS) txtRecords() []string {
	txt := []string{"id=" + d.cfg.Self.String(), "mode=" + d.cfg.Mode.String()}
	for _, ep := range d.cfg.Endpoints {
		txt = append(txt, "ep="+ep)
	}
	return txt
}

// Announce answers mDNS queries for this runtime until Close.
func (d *MDNS) Announce() error {
	port := 0
	for _, s := range d.cfg.Endpoints {
		ep, err := transport.ParseEndpoint(s)
		if err != nil {
			continue
		}
		if p, ok := portOf(ep.Addr); ok && p > 0 {
			port = p
			break
		}
	}

	instance := "keymesh-" + peerlink.Short(d.cfg.Self)
	service, err := mdns.NewMDNSService(instance, d.cfg.Service, d.cfg.Domain, "", port, nil, d.txtRecords())
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service, Iface: d.ifi})
	if err != nil {
		return fmt.Errorf("failed to start mDNS server: %w", err)
	}

	d.mu.Lock()
	d.server = server
	d.mu.Unlock()
	d.logger.Info("announcing", zap.String("instance", instance), zap.String("service", d.cfg.Service), zap.Int("port", port))
	return nil
}

// FindPeers browses the service for one window.
func (d *MDNS) FindPeers(ctx context.Context) ([]peerlink.PeerInfo, error) {
	window := d.cfg.Window
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < window {
			window = left
		}
	}
	if window <= 0 {
		return nil, ctx.Err()
	}

	entries := make(chan *mdns.ServiceEntry, 32)
	var (
		out  []peerlink.PeerInfo
		seen = make(map[peerlink.PeerID]bool)
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		for e := range entries {
			info, ok := d.entry(e)
			if !ok || seen[info.ID] {
				continue
			}
			seen[info.ID] = true
			out = append(out, info)
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:             d.cfg.Service,
		Domain:              d.cfg.Domain,
		Timeout:             window,
		Interface:           d.ifi,
		Entries:             entries,
		WantUnicastResponse: true,
		DisableIPv6:         true,
	})
	close(entries)
	<-done
	if err != nil {
		return out, fmt.Errorf("mDNS query failed: %w", err)
	}
	return out, nil
}

// entry decodes a browse answer. Answers without a usable identity, and the
// runtime's own, are skipped.
func (d *MDNS) entry(e *mdns.ServiceEntry) (peerlink.PeerInfo, bool) {
	if e == nil {
		return peerlink.PeerInfo{}, false
	}
	var (
		info  peerlink.PeerInfo
		hasID bool
		eps   []string
	)
	for _, field := range e.InfoFields {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch k {
		case "id":
			id, err := peerlink.ParsePeerID(v)
			if err != nil {
				d.logger.Debug("bad id in TXT record", zap.String("id", v))
				return peerlink.PeerInfo{}, false
			}
			info.ID, hasID = id, true
		case "mode":
			m, err := peerlink.ParseMode(v)
			if err != nil {
				return peerlink.PeerInfo{}, false
			}
			info.Mode = m
		case "ep":
			eps = append(eps, v)
		}
	}
	if !hasID || info.ID == d.cfg.Self {
		return peerlink.PeerInfo{}, false
	}
	if len(eps) == 0 && e.AddrV4 != nil && e.Port > 0 {
		eps = append(eps, transport.Endpoint{Proto: "tcp", Addr: net.JoinHostPort(e.AddrV4.String(), fmt.Sprint(e.Port))}.String())
	}
	info.Endpoints = resolveEndpoints(eps, e.AddrV4)
	return info, len(info.Endpoints) > 0
}

// Close withdraws the announcement.
func (d *MDNS) Close() error {
	d.mu.Lock()
	server := d.server
	d.server = nil
	d.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown()
}
