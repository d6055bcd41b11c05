package discovery

import (
	"context"

	"go.uber.org/multierr"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// Composite queries several discovery services and merges their answers.
type Composite []Discovery

// FindPeers returns the union of every source. Runtimes found by several
// sources are merged by ID. A failing source does not hide the others; its
// error is returned next to the partial result.
func (c Composite) FindPeers(ctx context.Context) ([]peerlink.PeerInfo, error) {
	var (
		out  []peerlink.PeerInfo
		byID = make(map[peerlink.PeerID]int)
		errs error
	)
	for _, d := range c {
		peers, err := d.FindPeers(ctx)
		errs = multierr.Append(errs, err)
		for _, p := range peers {
			if p.ID == (peerlink.PeerID{}) {
				out = append(out, p)
				continue
			}
			i, ok := byID[p.ID]
			if !ok {
				byID[p.ID] = len(out)
				out = append(out, p)
				continue
			}
			out[i].Endpoints = mergeEndpoints(out[i].Endpoints, p.Endpoints)
		}
	}
	return out, errs
}

func mergeEndpoints(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, e := range a {
		seen[e] = true
	}
	for _, e := range b {
		if !seen[e] {
			seen[e] = true
			a = append(a, e)
		}
	}
	return a
}
