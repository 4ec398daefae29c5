// Package sse streams pipeline side effects to connected presentation
// clients as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/notigate/pkg/models"
)

// Event types sent to clients.
const (
	EventConnected  = "connected"
	EventPresent    = "present"
	EventRetract    = "retract"
	EventUpdate     = "update"
	EventTrayCancel = "tray_cancel"
	EventVibrate    = "vibrate"
	EventSound      = "sound"
	EventAutoExpand = "auto_expand"
	EventConfig     = "config_changed"
)

// Event is one message on the stream.
type Event struct {
	Type         string               `json:"type"`
	Key          string               `json:"key,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
	Intensity    int                  `json:"intensity,omitempty"`
	Message      string               `json:"message,omitempty"`
	Time         time.Time            `json:"time"`
}

// Client is one connected overlay or tray surface.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
	mu      sync.Mutex // serializes writes
}

func (c *Client) write(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.Writer.Write(message); err != nil {
		return err
	}
	c.Flusher.Flush()
	return nil
}

// Broadcaster fans pipeline events out to every connected surface.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
	sent    int64
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient registers w as an event stream consumer.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("client_id", id).
		Int("surfaces", clientCount).
		Msg("Surface connected")

	return client, nil
}

// RemoveClient removes a client connection. It is safe to call twice.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, exists := b.clients[client.ID]
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	if !exists {
		return
	}
	select {
	case <-client.Done:
	default:
		close(client.Done)
	}

	log.Debug().
		Str("client_id", client.ID).
		Int("surfaces", clientCount).
		Msg("Surface disconnected")
}

// Publish sends an event to all connected clients.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	jsonData, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode event")
		return
	}
	message := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, jsonData))

	b.mu.Lock()
	b.sent++
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.Unlock()

	var deadClients []*Client
	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
		}
		if err := client.write(message); err != nil {
			log.Debug().
				Str("client_id", client.ID).
				Err(err).
				Msg("Surface write failed, dropping client")
			deadClients = append(deadClients, client)
		}
	}

	for _, client := range deadClients {
		b.RemoveClient(client)
	}
}

// ClientCount returns how many surfaces are listening.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Sent returns the number of events published.
func (b *Broadcaster) Sent() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sent
}

// HandleSSE streams events to the caller until it disconnects.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	hello, _ := json.Marshal(map[string]string{"type": EventConnected, "clientId": client.ID})
	if err := client.write([]byte(fmt.Sprintf("event: %s\ndata: %s\n\n", EventConnected, hello))); err != nil {
		return
	}

	select {
	case <-r.Context().Done():
	case <-client.Done:
	}
}
