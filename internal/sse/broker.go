package sse

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	redisclient "github.com/salescrm/pairing-server/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBufferSize  = 100
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type Client struct {
	Topic  string
	Events chan Event
	Done   chan struct{}
}

// Broker fans events out to subscribers of a topic. With a redis client the
// fan-out crosses instances through pub/sub; without one it stays in-process.
type Broker struct {
	redis     *redisclient.Client
	clients   map[string]map[*Client]bool // topic -> set of clients
	upstreams map[string]context.CancelFunc
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:     redisClient,
		clients:   make(map[string]map[*Client]bool),
		upstreams: make(map[string]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NewLocalBroker returns a broker that never leaves the process.
func NewLocalBroker() *Broker {
	return NewBroker(nil)
}

func (b *Broker) Subscribe(topic string) *Client {
	client := &Client{
		Topic:  topic,
		Events: make(chan Event, clientBufferSize),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.clients[topic] == nil {
		b.clients[topic] = make(map[*Client]bool)
		if b.redis != nil {
			subCtx, subCancel := context.WithCancel(b.ctx)
			b.upstreams[topic] = subCancel
			go b.subscribeToRedis(subCtx, topic)
		}
	}
	b.clients[topic][client] = true
	clientCount := len(b.clients[topic])
	b.mu.Unlock()

	log.Debug().
		Str("topic", topic).
		Int("clientCount", clientCount).
		Msg("broker client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients, ok := b.clients[client.Topic]
	if !ok || !clients[client] {
		return
	}

	delete(clients, client)
	close(client.Done)

	if len(clients) == 0 {
		delete(b.clients, client.Topic)
		if stop, ok := b.upstreams[client.Topic]; ok {
			stop()
			delete(b.upstreams, client.Topic)
		}
	}

	log.Debug().
		Str("topic", client.Topic).
		Int("clientCount", len(clients)).
		Msg("broker client unsubscribed")
}

func (b *Broker) Publish(ctx context.Context, topic string, event Event) error {
	if b.redis == nil {
		b.broadcast(topic, event)
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.redis.Publish(ctx, topic, data).Err()
}

// PublishJSON marshals data and publishes it as an event of eventType.
func (b *Broker) PublishJSON(ctx context.Context, topic, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, Event{Type: eventType, Data: payload})
}

func (b *Broker) subscribeToRedis(ctx context.Context, topic string) {
	pubsub := b.redis.Subscribe(ctx, topic)
	defer pubsub.Close()

	log.Debug().
		Str("topic", topic).
		Msg("redis pubsub subscribed")

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

			b.broadcast(topic, event)
		}
	}
}

func (b *Broker) broadcast(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for client := range b.clients[topic] {
		select {
		case client.Events <- event:
		default:
			log.Warn().
				Str("topic", topic).
				Msg("client event buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
	b.upstreams = make(map[string]context.CancelFunc)
}

func (b *Broker) ClientCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[topic])
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
