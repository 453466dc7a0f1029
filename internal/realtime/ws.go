// Package realtime pushes a browser's pairing events over a WebSocket. The
// stream is one-way: frames sent by the client are discarded.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/config"
	"github.com/MikeHonkers/mementonos/internal/events"
	"github.com/MikeHonkers/mementonos/internal/middleware"
	"github.com/MikeHonkers/mementonos/internal/service"
)

const maxPingFailures = 3

type Gateway struct {
	broker         *events.Broker
	sessions       *service.SessionStore
	originPatterns []string
	heartbeat      time.Duration
	writeTimeout   time.Duration
}

// NewGateway builds a gateway that accepts cross-origin upgrades only from
// hosts matching originPatterns.
func NewGateway(broker *events.Broker, sessions *service.SessionStore, originPatterns []string) *Gateway {
	return &Gateway{
		broker:         broker,
		sessions:       sessions,
		originPatterns: originPatterns,
		heartbeat:      events.HeartbeatInterval,
		writeTimeout:   config.WebSocketWriteTimeout,
	}
}

// GET /ws
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientToken := middleware.GetClientToken(r.Context())
	if clientToken == "" {
		http.Error(w, "client session required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	// CloseRead discards inbound frames and cancels ctx once the peer goes away.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	sess := g.sessions.Get(clientToken)
	sub := g.broker.Subscribe(clientToken)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.broker.Unsubscribe(sub)
			_ = conn.Close(code, reason)
			cancel()
		})
	}
	defer shutdown(websocket.StatusNormalClosure, "bye")

	log.Info().
		Str("subscriptionId", sub.ID).
		Msg("websocket connection established")

	connected, err := events.New(events.TypeConnected, sess.Snapshot())
	if err != nil {
		log.Error().Err(err).Msg("failed to encode connected event")
		return
	}
	if err := g.write(ctx, conn, connected); err != nil {
		shutdown(websocket.StatusAbnormalClosure, "write failed")
		return
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeat)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.sessions.Get(clientToken)

				pingCtx, pingCancel := context.WithTimeout(ctx, g.writeTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					failures++
					log.Debug().Err(err).Int("failures", failures).Msg("websocket ping failed")
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdown(websocket.StatusNormalClosure, "peer closed")
			<-heartbeatDone
			return

		case <-sub.Done:
			shutdown(websocket.StatusGoingAway, "server closing")
			<-heartbeatDone
			return

		case event := <-sub.Events:
			if err := g.write(ctx, conn, event); err != nil {
				log.Debug().
					Err(err).
					Str("subscriptionId", sub.ID).
					Msg("websocket write failed")
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				<-heartbeatDone
				return
			}
		}
	}
}

func (g *Gateway) write(ctx context.Context, conn *websocket.Conn, event events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, event)
}
