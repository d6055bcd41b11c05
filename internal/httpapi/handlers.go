package httpapi

import (
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
)

// Handlers contains the admin endpoint handlers
type Handlers struct {
	runtime Runtime
	logger  *zap.Logger
}

// NewHandlers creates handlers reading from rt
func NewHandlers(rt Runtime, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{runtime: rt, logger: logger}
}

// Health handles GET /health. An unhealthy runtime answers 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.runtime.GetHealth(r.Context())
	if err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, health, statusCode)
}

// Routes handles GET /routes. The optional key parameter keeps only the
// resources intersecting that key expression.
func (h *Handlers) Routes(w http.ResponseWriter, r *http.Request) {
	var filter keyexpr.KeyExpr
	if q := r.URL.Query().Get("key"); q != "" {
		k, err := keyexpr.Canonicalize(q)
		if err != nil {
			writeError(w, "Invalid key expression: "+err.Error(), http.StatusBadRequest)
			return
		}
		filter = k
	}

	resp := RoutesResponse{Routes: []RouteInfo{}}
	for _, route := range h.runtime.Routes() {
		if !filter.IsZero() {
			k, err := keyexpr.Canonicalize(route.Key)
			if err != nil || !filter.Intersects(k) {
				continue
			}
		}
		resp.Routes = append(resp.Routes, RouteInfo{
			Key:         route.Key,
			Subscribers: len(route.Subscribers),
			Queryables:  len(route.Queryables),
		})
	}
	sort.Slice(resp.Routes, func(i, j int) bool { return resp.Routes[i].Key < resp.Routes[j].Key })
	resp.Count = len(resp.Routes)
	writeJSON(w, resp, http.StatusOK)
}

// Peers handles GET /peers.
func (h *Handlers) Peers(w http.ResponseWriter, r *http.Request) {
	resp := PeersResponse{Self: h.runtime.ID().String(), Peers: []PeerInfo{}}
	for _, p := range h.runtime.Peers() {
		resp.Peers = append(resp.Peers, newPeerInfo(p))
	}
	writeJSON(w, resp, http.StatusOK)
}

func newPeerInfo(p peerlink.PeerInfo) PeerInfo {
	return PeerInfo{
		ID:        p.ID.String(),
		Mode:      p.Mode.String(),
		Endpoints: p.Endpoints,
	}
}
