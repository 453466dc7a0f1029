package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/events"
	"github.com/MikeHonkers/mementonos/internal/middleware"
	"github.com/MikeHonkers/mementonos/internal/service"
)

// EventsHandler streams a browser's pairing events over server-sent events.
type EventsHandler struct {
	broker    *events.Broker
	sessions  *service.SessionStore
	heartbeat time.Duration
}

func NewEventsHandler(broker *events.Broker, sessions *service.SessionStore) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		sessions:  sessions,
		heartbeat: events.HeartbeatInterval,
	}
}

// GET /api/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientToken := middleware.GetClientToken(r.Context())
	if clientToken == "" {
		writeMissingClient(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sess := h.sessions.Get(clientToken)
	sub := h.broker.Subscribe(clientToken)
	defer h.broker.Unsubscribe(sub)

	log.Info().
		Str("subscriptionId", sub.ID).
		Msg("sse connection established")

	connected, err := events.New(events.TypeConnected, sess.Snapshot())
	if err != nil {
		log.Error().Err(err).Msg("failed to encode connected event")
		return
	}
	if err := h.sendEvent(w, flusher, connected); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("subscriptionId", sub.ID).
				Msg("sse connection closed by client")
			return

		case <-sub.Done:
			log.Info().
				Str("subscriptionId", sub.ID).
				Msg("sse connection closed by broker")
			return

		case event := <-sub.Events:
			if err := h.sendEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			// Keeps the session seen while the page idles on an open stream.
			h.sessions.Get(clientToken)
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("subscriptionId", sub.ID).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event events.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
