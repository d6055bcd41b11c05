package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// DefaultMulticastGroup is the scouting group and port.
const DefaultMulticastGroup = "224.0.0.224:7446"

const maxDatagram = 8192

// MulticastConfig holds the settings of multicast scouting.
type MulticastConfig struct {
	Self peerlink.PeerID
	Mode peerlink.Mode

	Group     string
	Interface string
	TTL       int

	// What is the mode mask FindPeers scouts for.
	What uint8
	// Window is how long FindPeers collects hellos.
	Window time.Duration
	// Endpoints returns the endpoints announced in hellos.
	Endpoints func() []string

	Logger *zap.Logger
}

// Validate checks if the configuration is valid.
func (c *MulticastConfig) Validate() error {
	if c.Self == (peerlink.PeerID{}) {
		return errors.New("self cannot be empty")
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("ttl %d out of range", c.TTL)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *MulticastConfig) SetDefaults() {
	if c.Group == "" {
		c.Group = DefaultMulticastGroup
	}
	if c.TTL == 0 {
		c.TTL = 1
	}
	if c.What == 0 {
		c.What = Autoconnect(c.Mode)
	}
	if c.Window <= 0 {
		c.Window = time.Second
	}
	if c.Endpoints == nil {
		c.Endpoints = func() []string { return nil }
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Multicast scouts for runtimes with Scout and Hello datagrams on an IPv4
// multicast group.
type Multicast struct {
	cfg    MulticastConfig
	logger *zap.Logger
	group  *net.UDPAddr
	ifi    *net.Interface

	mu   sync.Mutex
	conn *ipv4.PacketConn
	wg   sync.WaitGroup
}

// NewMulticast resolves the group and interface. Call Listen to answer
// scouts from other runtimes.
func NewMulticast(cfg MulticastConfig) (*Multicast, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.SetDefaults()

	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("invalid multicast group %q: %w", cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group.IP)
	}
	m := &Multicast{cfg: cfg, logger: cfg.Logger.Named("scouting"), group: group}
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("unknown interface %q: %w", cfg.Interface, err)
		}
		m.ifi = ifi
	}
	return m, nil
}

// Listen joins the group and answers scouts until Close.
func (m *Multicast) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	c, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", m.group.Port))
	if err != nil {
		return fmt.Errorf("failed to bind scouting port: %w", err)
	}
	p := ipv4.NewPacketConn(c)
	if err := p.JoinGroup(m.ifi, &net.UDPAddr{IP: m.group.IP}); err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to join %s: %w", m.group.IP, err)
	}
	_ = p.SetMulticastLoopback(true)

	m.mu.Lock()
	m.conn = p
	m.mu.Unlock()

	m.wg.Add(1)
	go m.respond(p)
	m.logger.Info("scouting", zap.String("group", m.group.String()), zap.Stringer("mode", m.cfg.Mode))
	return nil
}

func (m *Multicast) respond(p *ipv4.PacketConn) {
	defer m.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, src, err := p.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.logger.Warn("scouting socket failed", zap.Error(err))
			}
			return
		}
		hello := m.answer(buf[:n])
		if hello == nil {
			continue
		}
		if _, err := p.WriteTo(hello, nil, src); err != nil {
			m.logger.Debug("hello not sent", zap.Stringer("to", src), zap.Error(err))
		}
	}
}

// answer returns the encoded hello for a scout this runtime matches, or nil.
func (m *Multicast) answer(b []byte) []byte {
	msg, err := wire.Decode(b)
	if err != nil {
		return nil
	}
	s, ok := msg.(*wire.Scout)
	if !ok || s.ID == m.cfg.Self || s.What&m.cfg.Mode.Bit() == 0 {
		return nil
	}
	return wire.Encode(&wire.Hello{ID: m.cfg.Self, Mode: m.cfg.Mode, Endpoints: m.cfg.Endpoints()})
}

// FindPeers multicasts a scout and collects hellos until the window or ctx
// ends.
func (m *Multicast) FindPeers(ctx context.Context) ([]peerlink.PeerInfo, error) {
	c, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to open scouting socket: %w", err)
	}
	defer c.Close()

	p := ipv4.NewPacketConn(c)
	if m.ifi != nil {
		if err := p.SetMulticastInterface(m.ifi); err != nil {
			return nil, fmt.Errorf("failed to select interface: %w", err)
		}
	}
	_ = p.SetMulticastTTL(m.cfg.TTL)
	_ = p.SetMulticastLoopback(true)

	scout := wire.Encode(&wire.Scout{ID: m.cfg.Self, What: m.cfg.What})
	if _, err := p.WriteTo(scout, nil, m.group); err != nil {
		return nil, fmt.Errorf("failed to send scout: %w", err)
	}

	_ = c.SetReadDeadline(time.Now().Add(m.cfg.Window))
	stop := context.AfterFunc(ctx, func() { _ = c.SetReadDeadline(time.Now()) })
	defer stop()

	var (
		out  []peerlink.PeerInfo
		seen = make(map[peerlink.PeerID]bool)
		buf  = make([]byte, maxDatagram)
	)
	for {
		n, _, src, err := p.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return out, fmt.Errorf("scouting read failed: %w", err)
		}
		info, ok := m.hello(buf[:n], src)
		if !ok || seen[info.ID] {
			continue
		}
		seen[info.ID] = true
		out = append(out, info)
	}
	m.logger.Debug("scouting round done", zap.Int("found", len(out)))
	return out, nil
}

func (m *Multicast) hello(b []byte, src net.Addr) (peerlink.PeerInfo, bool) {
	msg, err := wire.Decode(b)
	if err != nil {
		return peerlink.PeerInfo{}, false
	}
	h, ok := msg.(*wire.Hello)
	if !ok || h.ID == m.cfg.Self {
		return peerlink.PeerInfo{}, false
	}
	var ip net.IP
	if u, ok := src.(*net.UDPAddr); ok {
		ip = u.IP
	}
	return peerlink.PeerInfo{ID: h.ID, Mode: h.Mode, Endpoints: resolveEndpoints(h.Endpoints, ip)}, true
}

// Close stops answering scouts.
func (m *Multicast) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	m.wg.Wait()
	return err
}
