package routingtable

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

type dedupKind uint8

const (
	dedupPush dedupKind = iota
	dedupQuery
)

type dedupKey struct {
	kind   dedupKind
	source peerlink.PeerID
	sn     uint64
}

// dedupWindow remembers recently routed (source, sequence) pairs so that a
// message reaching this runtime over two paths is routed once.
type dedupWindow struct {
	mu   sync.Mutex
	seen *expirable.LRU[dedupKey, struct{}]
}

func newDedupWindow(size int, ttl time.Duration) *dedupWindow {
	return &dedupWindow{seen: expirable.NewLRU[dedupKey, struct{}](size, nil, ttl)}
}

// observe records k and reports whether it was new. Messages without a
// source are never considered duplicates.
func (d *dedupWindow) observe(k dedupKey) bool {
	if k.source == (peerlink.PeerID{}) {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(k) {
		return false
	}
	d.seen.Add(k, struct{}{})
	return true
}

func (d *dedupWindow) purge() {
	d.mu.Lock()
	d.seen.Purge()
	d.mu.Unlock()
}
