// Package audit writes security-relevant events to the structured log under
// a dedicated "audit" field so they can be filtered downstream.
package audit

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventLoginSuccess     EventType = "login_success"
	EventLoginFailure     EventType = "login_failure"
	EventLogout           EventType = "logout"
	EventPairCodeGenerate EventType = "pair_code_generate"
	EventPairJoin         EventType = "pair_join"
	EventPairJoinFailure  EventType = "pair_join_failure"
	EventRateLimitExceed  EventType = "rate_limit_exceeded"
	EventTokenRejected    EventType = "token_rejected"
	EventCSRFFailure      EventType = "csrf_failure"
	EventKeyUnlockFailure EventType = "key_unlock_failure"
)

type Event struct {
	Type      EventType
	UserID    int64
	PairID    int64
	Nickname  string
	IP        string
	UserAgent string
	Details   map[string]any
}

func Log(ctx context.Context, event Event) {
	logger := log.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &log.Logger
	}

	ev := logger.Info()
	if isFailure(event.Type) {
		ev = logger.Warn()
	}

	ev = ev.
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now())

	if event.UserID != 0 {
		ev = ev.Int64("user_id", event.UserID)
	}
	if event.PairID != 0 {
		ev = ev.Int64("pair_id", event.PairID)
	}
	if event.Nickname != "" {
		ev = ev.Str("nickname", event.Nickname)
	}
	if event.IP != "" {
		ev = ev.Str("ip", event.IP)
	}
	if event.UserAgent != "" {
		ev = ev.Str("user_agent", event.UserAgent)
	}

	for k, v := range event.Details {
		ev = addField(ev, k, v)
	}
	ev.Msg("security audit event")
}

func isFailure(t EventType) bool {
	switch t {
	case EventLoginFailure, EventPairJoinFailure, EventRateLimitExceed,
		EventTokenRejected, EventCSRFFailure, EventKeyUnlockFailure:
		return true
	}
	return false
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// ClientIP returns the remote host. Proxy headers are resolved upstream by
// chi's RealIP middleware, which rewrites RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
