package httpapi

// Response types for the admin endpoint. /health answers with
// meshnode.HealthStatus as is.

// RouteInfo summarizes one routing-table resource
type RouteInfo struct {
	Key         string `json:"key"`
	Subscribers int    `json:"subscribers"`
	Queryables  int    `json:"queryables"`
}

// RoutesResponse represents the /routes listing
type RoutesResponse struct {
	Routes []RouteInfo `json:"routes"`
	Count  int         `json:"count"`
}

// PeerInfo represents a runtime with an open link
type PeerInfo struct {
	ID        string   `json:"id"`
	Mode      string   `json:"mode"`
	Endpoints []string `json:"endpoints,omitempty"`
}

// PeersResponse represents the /peers listing
type PeersResponse struct {
	Self  string     `json:"self"`
	Peers []PeerInfo `json:"peers"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
