package stream

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "studio:"
	channelSuffix  = ":broadcast"
	channelPattern = channelPrefix + "*" + channelSuffix
)

// Hub fans ingest results out to websocket subscribers of a studio. With Redis
// configured every replica hears every publish; without it delivery stays
// in-process.
type Hub struct {
	redis   *redis.Client
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex

	stop  context.CancelFunc
	ready chan struct{}
	done  chan struct{}
}

type Client struct {
	StudioID string
	Send     chan []byte
}

func NewHub(redisClient *redis.Client) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		redis:   redisClient,
		clients: map[string]map[*Client]struct{}{},
		stop:    cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	if redisClient != nil {
		go h.subscribeRedis(ctx)
	} else {
		close(h.ready)
		close(h.done)
	}
	return h
}

func (h *Hub) Register(studioID string) *Client {
	client := &Client{
		StudioID: studioID,
		Send:     make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[studioID] == nil {
		h.clients[studioID] = map[*Client]struct{}{}
	}
	h.clients[studioID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if studioClients, ok := h.clients[client.StudioID]; ok {
		if _, ok := studioClients[client]; !ok {
			return
		}
		delete(studioClients, client)
		if len(studioClients) == 0 {
			delete(h.clients, client.StudioID)
		}
		close(client.Send)
	}
}

// Broadcast publishes through Redis when it is configured, and the subscriber
// loop then delivers locally. If the publish fails, or Redis is not configured,
// delivery goes straight to local clients.
func (h *Hub) Broadcast(studioID string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(context.Background(), redisChannel(studioID), payload).Err()
		if err == nil {
			return
		}
		log.Printf("redis publish error: %v", err)
	}
	h.deliver(studioID, payload)
}

// Close stops the Redis subscription and waits for the loop to exit.
func (h *Hub) Close() {
	h.stop()
	<-h.done
}

func (h *Hub) deliver(studioID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[studioID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context) {
	defer close(h.done)

	pubsub := h.redis.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("redis subscribe error: %v", err)
		close(h.ready)
		return
	}
	close(h.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.deliver(studioIDFromChannel(msg.Channel), []byte(msg.Payload))
		}
	}
}

func redisChannel(studioID string) string {
	return channelPrefix + studioID + channelSuffix
}

func studioIDFromChannel(ch string) string {
	// studio:{id}:broadcast
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	if !strings.HasPrefix(ch, channelPrefix) || !strings.HasSuffix(ch, channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
