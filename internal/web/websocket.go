package web

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConfig holds configuration for WebSocket connections.
type WSConfig struct {
	// AllowedOrigins is a list of allowed origins for WebSocket connections.
	// If empty, only same-origin requests are allowed.
	// Use "*" to allow all origins (not recommended for production).
	AllowedOrigins []string

	// MaxMessageSize is the maximum size of a WebSocket message in bytes.
	// Default: 64KB
	MaxMessageSize int64

	// MaxConnectionsPerIP is the maximum number of concurrent WebSocket connections per IP.
	// Default: 10
	MaxConnectionsPerIP int

	// PongWait is the time to wait for a pong response.
	// Default: 60 seconds
	PongWait time.Duration

	// PingPeriod is the interval between ping messages.
	// Should be less than PongWait.
	// Default: 54 seconds (90% of PongWait)
	PingPeriod time.Duration

	// WriteWait is the time allowed to write a message.
	// Default: 10 seconds
	WriteWait time.Duration
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		AllowedOrigins:      nil,       // Same-origin only by default
		MaxMessageSize:      64 * 1024, // 64KB
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
	}
}

// withDefaults fills unset fields from DefaultWSConfig. Zero durations
// would otherwise stall the pumps immediately.
func (c WSConfig) withDefaults() WSConfig {
	def := DefaultWSConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = def.MaxConnectionsPerIP
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = def.PingPeriod
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	return c
}

// ConnectionTracker tracks WebSocket connections per IP.
type ConnectionTracker struct {
	mu          sync.RWMutex
	connections map[string]int
	maxPerIP    int
}

// NewConnectionTracker creates a new connection tracker.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd attempts to add a connection for the given IP.
// Returns true if the connection is allowed, false if the limit is exceeded.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current >= ct.maxPerIP {
		return false
	}
	ct.connections[ip] = current + 1
	return true
}

// Remove decrements the connection count for the given IP.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	current := ct.connections[ip]
	if current <= 1 {
		delete(ct.connections, ip)
	} else {
		ct.connections[ip] = current - 1
	}
}

// Count returns the current connection count for an IP.
func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.connections[ip]
}

// TotalConnections returns the total number of tracked connections.
func (ct *ConnectionTracker) TotalConnections() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	total := 0
	for _, count := range ct.connections {
		total += count
	}
	return total
}

// OriginCheckLogger is a function that logs origin check details.
type OriginCheckLogger func(origin, host string, allowed bool, reason string)

const wsBufferSize = 1024

// newUpgrader creates a WebSocket upgrader with origin validation.
func newUpgrader(config WSConfig, logger OriginCheckLogger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin:     newOriginChecker(config.AllowedOrigins, logger),
	}
}

// newOriginChecker returns a function that validates WebSocket origins.
func newOriginChecker(allowedOrigins []string, logger OriginCheckLogger) func(*http.Request) bool {
	// Build a set of allowed origins for fast lookup
	allowedSet := make(map[string]bool)
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			break
		}
		allowedSet[strings.ToLower(origin)] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		host := r.Host

		logResult := func(allowed bool, reason string) bool {
			if logger != nil {
				logger(origin, host, allowed, reason)
			}
			return allowed
		}

		// No origin header - likely a non-browser client (curl, etc.)
		// Allow these as they can't perform CSWSH attacks
		if origin == "" {
			return logResult(true, "no origin header (non-browser client)")
		}

		// Allow all origins if configured (not recommended)
		if allowAll {
			return logResult(true, "allow all origins configured")
		}

		// Parse the origin URL
		originURL, err := url.Parse(origin)
		if err != nil {
			return logResult(false, "failed to parse origin URL")
		}

		// Check against explicit allowlist
		if len(allowedSet) > 0 {
			if allowedSet[strings.ToLower(origin)] {
				return logResult(true, "origin in allowlist")
			}
			if allowedSet[strings.ToLower(originURL.Host)] {
				return logResult(true, "origin host in allowlist")
			}
			return logResult(false, "origin not in allowlist")
		}

		// Default: same-origin check
		if isSameOrigin(r, originURL) {
			return logResult(true, "same-origin check passed")
		}
		return logResult(false, "same-origin check failed")
	}
}

// isSameOrigin checks if the origin matches the request host.
// This implements a strict same-origin check where both host and port must match.
func isSameOrigin(r *http.Request, originURL *url.URL) bool {
	requestHostname, requestPort, err := net.SplitHostPort(r.Host)
	if err != nil {
		// No port in request host
		requestHostname = r.Host
		requestPort = ""
	}

	originHostname, originPort, err := net.SplitHostPort(originURL.Host)
	if err != nil {
		// No port in origin host
		originHostname = originURL.Host
		originPort = ""
	}

	// Hostnames must match (case-insensitive)
	if !strings.EqualFold(requestHostname, originHostname) {
		return false
	}

	// Normalize ports: if not specified, use default for scheme
	if originPort == "" {
		switch originURL.Scheme {
		case "https", "wss":
			originPort = "443"
		case "http", "ws":
			originPort = "80"
		}
	}

	// If request port is empty, we can't strictly compare
	// In this case, allow if hostnames match (common behind reverse proxies)
	if requestPort == "" {
		return true
	}

	return requestPort == originPort
}

// configureConn applies limits and keepalive settings to a WebSocket connection.
func configureConn(conn *websocket.Conn, config WSConfig) {
	conn.SetReadLimit(config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})
}

// remoteIP extracts the client IP from the request's remote address.
// The gateway binds to loopback by default and sits behind no proxy, so
// forwarded headers are deliberately not consulted.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
