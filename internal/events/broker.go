package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/observability/metrics"
	redisclient "github.com/MikeHonkers/mementonos/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	bufferSize        = 64
)

const (
	TypeConnected     = "connected"
	TypeCountdown     = "countdown"
	TypeCodeGenerated = "code_generated"
	TypePaired        = "paired"
	TypeModalClosed   = "modal_closed"
	TypeAuthChanged   = "auth_changed"
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func New(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: data}, nil
}

type Subscription struct {
	ID          string
	ClientToken string
	Events      chan Event
	Done        chan struct{}
}

// Broker fans events out to the subscribers of one browser session. With a
// redis client, publishes go through pub/sub so any instance holding the
// subscriber delivers them; without one, delivery is in-process.
type Broker struct {
	redis   *redisclient.Client
	clients map[string]map[*Subscription]bool
	relays  map[string]context.CancelFunc
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:   redisClient,
		clients: make(map[string]map[*Subscription]bool),
		relays:  make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *Broker) Subscribe(clientToken string) *Subscription {
	sub := &Subscription{
		ID:          ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		ClientToken: clientToken,
		Events:      make(chan Event, bufferSize),
		Done:        make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[clientToken] == nil {
		b.clients[clientToken] = make(map[*Subscription]bool)
		if b.redis != nil {
			relayCtx, relayCancel := context.WithCancel(b.ctx)
			b.relays[clientToken] = relayCancel
			go b.subscribeToRedis(relayCtx, clientToken)
		}
	}
	b.clients[clientToken][sub] = true
	count := len(b.clients[clientToken])
	b.mu.Unlock()

	metrics.LiveConnections.Inc()

	log.Debug().
		Str("subscriptionId", sub.ID).
		Int("clientCount", count).
		Msg("event subscriber added")

	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[sub.ClientToken]
	if !ok || !clients[sub] {
		return
	}

	delete(clients, sub)
	close(sub.Done)
	metrics.LiveConnections.Dec()

	if len(clients) == 0 {
		delete(b.clients, sub.ClientToken)
		if stop, ok := b.relays[sub.ClientToken]; ok {
			stop()
			delete(b.relays, sub.ClientToken)
		}
	}

	log.Debug().
		Str("subscriptionId", sub.ID).
		Int("clientCount", len(clients)).
		Msg("event subscriber removed")
}

// IsAlive reports whether the browser session holds at least one open stream.
func (b *Broker) IsAlive(clientToken string) bool {
	return b.ClientCount(clientToken) > 0
}

func (b *Broker) Publish(ctx context.Context, clientToken string, event Event) error {
	if b.redis == nil {
		b.broadcast(clientToken, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.SessionEventChannel(clientToken), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, clientToken string) {
	channel := redisclient.SessionEventChannel(clientToken)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal event")
				continue
			}

			b.broadcast(clientToken, event)
		}
	}
}

func (b *Broker) broadcast(clientToken string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.clients[clientToken] {
		select {
		case sub.Events <- event:
		default:
			log.Warn().
				Str("subscriptionId", sub.ID).
				Str("eventType", event.Type).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for sub := range clients {
			close(sub.Done)
			metrics.LiveConnections.Dec()
		}
	}
	b.clients = make(map[string]map[*Subscription]bool)
	b.relays = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(clientToken string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[clientToken])
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
