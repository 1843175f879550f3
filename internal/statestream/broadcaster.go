// Package statestream pushes engine status and forecast/paper/training
// events to connected websocket clients, adapted from the teacher's
// dashboard broadcaster/event-listener pair.
package statestream

import (
	"sync"

	"go.uber.org/zap"
)

// Client represents one connected websocket client.
type Client struct {
	ID   string
	Send chan interface{}
}

// EventType names the kind of payload carried by a Message.
type EventType string

const (
	EventForecastReady   EventType = "forecast_ready"
	EventTrainingEpoch   EventType = "training_epoch"
	EventPaperSnapshot   EventType = "paper_snapshot"
	EventPaperTrade      EventType = "paper_trade"
	EventEngineStateChange EventType = "engine_state_change"
)

// Message is the envelope for every message sent to clients.
type Message struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Broadcaster manages websocket client connections and fans out
// messages, channel-based exactly as the teacher's dashboard broadcaster
// does, with zap logging in place of the teacher's stdlib logger.
type Broadcaster struct {
	clients    map[*Client]bool
	broadcast  chan interface{}
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
	shutdown   chan struct{}
}

// NewBroadcaster creates a Broadcaster. Pass nil for a no-op logger.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan interface{}, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		shutdown:   make(chan struct{}),
	}
}

// Register registers a new client for broadcasts.
func (b *Broadcaster) Register(client *Client) { b.register <- client }

// Unregister removes a client from broadcasts.
func (b *Broadcaster) Unregister(client *Client) { b.unregister <- client }

// Broadcast sends a message to all connected clients.
func (b *Broadcaster) Broadcast(message interface{}) {
	select {
	case b.broadcast <- message:
	case <-b.shutdown:
	}
}

// Run starts the broadcaster loop; call in a goroutine.
func (b *Broadcaster) Run() {
	defer func() {
		b.logger.Info("broadcaster shutting down")
	}()

	for {
		select {
		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			count := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug("client registered", zap.String("client_id", client.ID), zap.Int("total", count))

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				close(client.Send)
			}
			count := len(b.clients)
			b.mu.Unlock()
			b.logger.Debug("client unregistered", zap.String("client_id", client.ID), zap.Int("total", count))

		case message := <-b.broadcast:
			b.mu.RLock()
			clients := make([]*Client, 0, len(b.clients))
			for client := range b.clients {
				clients = append(clients, client)
			}
			b.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.Send <- message:
				default:
					b.logger.Warn("client send buffer full, dropping message", zap.String("client_id", client.ID))
				}
			}

		case <-b.shutdown:
			return
		}
	}
}

// Shutdown closes every client connection and stops the broadcaster.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		close(client.Send)
	}
	b.clients = make(map[*Client]bool)
	close(b.shutdown)
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
