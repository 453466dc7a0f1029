package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Client sessions without a running poller are evicted after this much inactivity.
const ClientSessionIdleTTL = 30 * time.Minute

// Pairing background tasks
const (
	CountdownTickInterval = 1 * time.Second
	PollInterval          = 2500 * time.Millisecond
	PollQueryTimeout      = 2 * time.Second
)

// Pairing attempt throttling: 3 attempts per 5 minutes per client
const (
	PairingAttemptLimit  = 3
	PairingAttemptWindow = 5 * time.Minute
)

// API-wide flood protection per IP
const APIRequestsPerMinute = 120

// A client counts as present for this long after its last request, which
// covers the gap between loading the page and opening an event stream.
const ClientSeenGrace = 15 * time.Second

// WebSocket write deadline for a single frame
const WebSocketWriteTimeout = 10 * time.Second
