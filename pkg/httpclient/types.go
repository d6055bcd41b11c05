package httpclient

import "time"

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the admin endpoint (e.g., "http://127.0.0.1:7448")
	ServerURL string

	// Token is sent as a bearer token when set
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy        bool   `json:"healthy"`
	ID             string `json:"id"`
	Mode           string `json:"mode"`
	Listeners      int    `json:"listeners"`
	ConnectedPeers int    `json:"connected_peers"`
	LocalSessions  int    `json:"local_sessions"`
	Resources      int    `json:"resources"`
	PendingQueries int    `json:"pending_queries"`
	Message        string `json:"message,omitempty"`
}

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
