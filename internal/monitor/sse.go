package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/haxidermist/FCMD/internal/dsp"
)

// subscriberBuffer is the per-client frame queue depth. A stalled client
// loses frames rather than applying backpressure to the audio path.
const subscriberBuffer = 8

// Broker fans emitted pipeline frames out to SSE subscribers. Publish
// never blocks: subscribers whose buffers are full miss frames.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan dsp.Result
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan dsp.Result)}
}

// Subscribe registers a new client and returns its ID and frame channel.
// The channel is closed by Unsubscribe or Close.
func (b *Broker) Subscribe() (int, <-chan dsp.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	c := make(chan dsp.Result, subscriberBuffer)
	if b.closed {
		close(c)
		return id, c
	}
	b.subs[id] = c
	return id, c
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(c)
	}
}

// Publish delivers a frame to every subscriber without blocking.
func (b *Broker) Publish(result dsp.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.subs {
		select {
		case c <- result:
		default:
		}
	}
}

// Subscribers returns the current client count.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops all subscribers and rejects future ones.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.subs {
		delete(b.subs, id)
		close(c)
	}
}

// handleStream serves emitted frames as Server-Sent Events, one JSON
// frame per event, until the client disconnects.
func (ws *WebServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		ws.writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, frames := ws.broker.Subscribe()
	defer ws.broker.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case result, ok := <-frames:
			if !ok {
				return
			}
			payload, err := json.Marshal(result)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
