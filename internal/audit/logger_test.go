package audit

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFromRequest(t *testing.T) {
	t.Run("writes a structured audit line from the request logger", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)

		req := httptest.NewRequest("POST", "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		req.Header.Set("User-Agent", "test-agent")
		req = req.WithContext(logger.WithContext(req.Context()))

		LogFromRequest(req, Event{
			Type:     EventLoginFailure,
			Nickname: "alice",
			Details:  map[string]any{"reason": "bad_password", "attempt": 2},
		})

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "warn", line["level"])
		assert.Equal(t, "security", line["audit"])
		assert.Equal(t, "login_failure", line["event_type"])
		assert.Equal(t, "alice", line["nickname"])
		assert.Equal(t, "203.0.113.7", line["ip"])
		assert.Equal(t, "test-agent", line["user_agent"])
		assert.Equal(t, "bad_password", line["reason"])
		assert.EqualValues(t, 2, line["attempt"])
		assert.NotContains(t, line, "user_id")
	})

	t.Run("success events log at info with ids", func(t *testing.T) {
		var buf bytes.Buffer
		logger := zerolog.New(&buf)
		ctx := logger.WithContext(httptest.NewRequest("GET", "/", nil).Context())

		Log(ctx, Event{Type: EventPairJoin, UserID: 4, PairID: 2})

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "info", line["level"])
		assert.EqualValues(t, 4, line["user_id"])
		assert.EqualValues(t, 2, line["pair_id"])
	})
}

func TestClientIP(t *testing.T) {
	t.Run("strips the port", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "198.51.100.1:443"
		assert.Equal(t, "198.51.100.1", ClientIP(req))
	})

	t.Run("returns a bare address unchanged", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "198.51.100.1"
		assert.Equal(t, "198.51.100.1", ClientIP(req))
	})
}
