package discovery

import (
	"context"

	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// StaticDiscovery implements Discovery using a static list of endpoints
type StaticDiscovery struct {
	endpoints []string
}

// NewStaticDiscovery creates a static discovery service. Every endpoint must
// be a valid "<proto>/<address>" descriptor.
func NewStaticDiscovery(endpoints []string) (*StaticDiscovery, error) {
	if _, err := transport.ParseEndpoints(endpoints); err != nil {
		return nil, err
	}
	return &StaticDiscovery{endpoints: append([]string(nil), endpoints...)}, nil
}

// FindPeers returns one runtime of unknown identity per endpoint.
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]peerlink.PeerInfo, error) {
	peers := make([]peerlink.PeerInfo, len(s.endpoints))
	for i, ep := range s.endpoints {
		peers[i] = peerlink.PeerInfo{Endpoints: []string{ep}}
	}
	return peers, nil
}
