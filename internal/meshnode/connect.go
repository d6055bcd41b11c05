package meshnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	peerlinkpkg "github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// acceptBackoff spaces out retries after a failed Accept.
const acceptBackoff = 100 * time.Millisecond

func (r *Runtime) acceptLoop(l transport.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("accept failed", zap.Stringer("endpoint", l.Endpoint()), zap.Error(err))
			select {
			case <-r.ctx.Done():
				return
			case <-r.clock.After(acceptBackoff):
			}
			continue
		}
		if !r.spawn(func() {
			if _, err := r.establish(r.ctx, conn, false, ""); err != nil {
				r.logger.Debug("inbound link rejected", zap.Stringer("remote", conn.RemoteEndpoint()), zap.Error(err))
			}
		}) {
			_ = conn.Close()
			return
		}
	}
}

// spawn runs fn in the runtime's group unless the runtime is closing.
func (r *Runtime) spawn(fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.group.Go(func() error {
		fn()
		return nil
	})
	return true
}

// discovery builds the sources autoconnect polls. Scouting sources also
// start answering other runtimes here, except on clients.
func (r *Runtime) discovery(ctx context.Context) (discovery.Discovery, error) {
	if r.cfg.Discovery != nil {
		return r.cfg.Discovery, nil
	}

	var sources discovery.Composite
	if len(r.cfg.Connect) > 0 {
		static, err := discovery.NewStaticDiscovery(r.cfg.Connect)
		if err != nil {
			return nil, err
		}
		sources = append(sources, static)
	}

	answer := r.cfg.Mode != peerlinkpkg.ModeClient
	sc := r.cfg.Scouting
	if sc.Multicast.Enabled {
		m, err := discovery.NewMulticast(discovery.MulticastConfig{
			Self:      r.id,
			Mode:      r.cfg.Mode,
			Group:     sc.Multicast.Group,
			Interface: sc.Multicast.Interface,
			TTL:       sc.Multicast.TTL,
			What:      r.mask,
			Window:    sc.Timeout,
			Endpoints: r.Endpoints,
			Logger:    r.cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create multicast scouting: %w", err)
		}
		if answer {
			if err := m.Listen(ctx); err != nil {
				return nil, fmt.Errorf("failed to join scouting group: %w", err)
			}
		}
		r.addScout(m)
		sources = append(sources, m)
	}
	if sc.MDNS.Enabled {
		d, err := discovery.NewMDNS(discovery.MDNSConfig{
			Self:      r.id,
			Mode:      r.cfg.Mode,
			Service:   sc.MDNS.Service,
			Endpoints: r.Endpoints(),
			Interface: sc.MDNS.Interface,
			Window:    sc.Timeout,
			Logger:    r.cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create mDNS discovery: %w", err)
		}
		if answer {
			if err := d.Announce(); err != nil {
				return nil, fmt.Errorf("failed to announce over mDNS: %w", err)
			}
		}
		r.addScout(d)
		sources = append(sources, d)
	}
	return sources, nil
}

func (r *Runtime) addScout(c io.Closer) {
	r.mu.Lock()
	r.scouts = append(r.scouts, c)
	r.mu.Unlock()
}

// autoconnect polls d every scouting interval and dials what it finds.
func (r *Runtime) autoconnect(d discovery.Discovery) {
	ticker := r.clock.Ticker(r.cfg.Scouting.Interval)
	defer ticker.Stop()
	for {
		r.scout(d)
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) scout(d discovery.Discovery) {
	ctx, cancel := context.WithTimeout(r.ctx, 2*r.cfg.Scouting.Timeout)
	defer cancel()
	found, err := d.FindPeers(ctx)
	if err != nil && r.ctx.Err() == nil {
		r.logger.Debug("discovery round failed", zap.Error(err))
	}
	for _, p := range found {
		r.maybeDial(p)
	}
}

// maybeDial dials a discovered runtime unless it is linked or being dialed.
// Static entries carry no id and are tracked by endpoint.
func (r *Runtime) maybeDial(p peerlinkpkg.PeerInfo) {
	if p.ID == (peerlinkpkg.PeerID{}) {
		for _, ep := range p.Endpoints {
			r.dialOnce(ep, []string{ep}, ep)
		}
		return
	}
	if !discovery.ShouldDial(r.id, r.cfg.Mode, r.mask, p) {
		return
	}
	r.mu.RLock()
	_, linked := r.peers[p.ID]
	r.mu.RUnlock()
	if linked {
		return
	}
	r.dialOnce(p.ID.String(), p.Endpoints, "")
}

// dialOnce tries endpoints in order in the background. key guards against
// concurrent attempts for the same target; configured is the configured
// endpoint being dialed, if any.
func (r *Runtime) dialOnce(key string, endpoints []string, configured string) {
	r.mu.Lock()
	if r.closed || r.dialing[key] {
		r.mu.Unlock()
		return
	}
	if r.cfg.Mode == peerlinkpkg.ModeClient && len(r.peers) > 0 {
		r.mu.Unlock()
		return
	}
	if configured != "" {
		if id, ok := r.viaEndpoint[configured]; ok && r.peers[id] != nil {
			r.mu.Unlock()
			return
		}
	}
	r.dialing[key] = true
	r.group.Go(func() error {
		defer func() {
			r.mu.Lock()
			delete(r.dialing, key)
			r.mu.Unlock()
		}()
		for _, ep := range endpoints {
			remote, err := r.dial(r.ctx, ep, configured != "")
			if err == nil {
				return nil
			}
			if errors.Is(err, errDuplicatePeer) || errors.Is(err, errClientLinked) {
				r.logger.Debug("dial skipped", zap.String("endpoint", ep), zap.String("peer", peerlinkpkg.Short(remote.ID)), zap.Error(err))
				return nil
			}
			r.logger.Debug("dial failed", zap.String("endpoint", ep), zap.Error(err))
		}
		return nil
	})
	r.mu.Unlock()
}

func (r *Runtime) dial(ctx context.Context, endpoint string, configured bool) (peerlinkpkg.PeerInfo, error) {
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return peerlinkpkg.PeerInfo{}, err
	}
	conn, err := r.cfg.Registry.Dial(ctx, ep)
	if err != nil {
		return peerlinkpkg.PeerInfo{}, fmt.Errorf("failed to dial %s: %w", ep, err)
	}
	via := ""
	if configured {
		via = endpoint
	}
	return r.establish(ctx, conn, true, via)
}

// Connect dials endpoint and returns once the link is open. The endpoint is
// not redialed if the link is lost.
func (r *Runtime) Connect(ctx context.Context, endpoint string) (peerlinkpkg.PeerInfo, error) {
	r.mu.RLock()
	started, closed := r.started, r.closed
	r.mu.RUnlock()
	if closed {
		return peerlinkpkg.PeerInfo{}, meshnode.ErrSessionClosed
	}
	if !started {
		return peerlinkpkg.PeerInfo{}, meshnode.ErrNotStarted
	}
	return r.dial(ctx, endpoint, false)
}
