// Package discovery finds other runtimes to link with: statically
// configured endpoints, multicast scouting and mDNS.
package discovery

import (
	"context"
	"net"
	"strconv"

	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// Discovery defines the interface for runtime discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns reachable runtimes. Static sources
	// return a zero ID because the identity is only learned in the
	// handshake.
	FindPeers(ctx context.Context) ([]peerlink.PeerInfo, error)
}

// Autoconnect returns the modes a runtime in mode m links with on its own
// initiative, as a scouting mask.
func Autoconnect(m peerlink.Mode) uint8 {
	switch m {
	case peerlink.ModeClient, peerlink.ModePeer:
		return peerlink.ModeRouter.Bit() | peerlink.ModePeer.Bit()
	default:
		return peerlink.ModeRouter.Bit()
	}
}

// ShouldDial reports whether self, in mode mine, dials a discovered runtime.
// When both sides would dial each other only the lower id does.
func ShouldDial(self peerlink.PeerID, mine peerlink.Mode, mask uint8, remote peerlink.PeerInfo) bool {
	if remote.ID == self || remote.Mode == peerlink.ModeClient || mask&remote.Mode.Bit() == 0 {
		return false
	}
	if Autoconnect(remote.Mode)&mine.Bit() != 0 && mine != peerlink.ModeClient {
		return peerlink.Less(self, remote.ID)
	}
	return true
}

// resolveEndpoints replaces unspecified hosts in advertised endpoints with
// the address the advertisement came from.
func resolveEndpoints(eps []string, from net.IP) []string {
	out := make([]string, 0, len(eps))
	for _, s := range eps {
		ep, err := transport.ParseEndpoint(s)
		if err != nil {
			continue
		}
		host, port, err := net.SplitHostPort(ep.Addr)
		if err == nil && from != nil {
			if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
				ep.Addr = net.JoinHostPort(from.String(), port)
			}
		}
		out = append(out, ep.String())
	}
	return out
}

func portOf(addr string) (int, bool) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(p)
	return n, err == nil
}
