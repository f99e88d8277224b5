package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shutterpost/shutterpost/internal/pipeline"
)

// subscriberBuffer is the per-client event queue length.
const subscriberBuffer = 16

// Event is one SSE message.
type Event struct {
	Name string
	Data any
}

// outcomeEvent is the payload of an "outcome" event.
type outcomeEvent struct {
	Filename  string    `json:"filename"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	ThreadID  string    `json:"thread_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Hub fans pipeline outcomes out to connected SSE clients. Slow clients miss
// events rather than blocking delivery.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a client. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish sends e to every client with room in its queue.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			log.Printf("dashboard: client queue full, dropping %s event", e.Name)
		}
	}
}

// Forward publishes every outcome read from outcomes until ctx is done or
// the channel closes.
func (h *Hub) Forward(ctx context.Context, outcomes <-chan pipeline.Outcome) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-outcomes:
			if !ok {
				return
			}
			h.Publish(Event{Name: "outcome", Data: outcomeEvent{
				Filename:  out.Filename,
				Status:    string(out.Status),
				Message:   out.Message,
				ThreadID:  out.ThreadID,
				MessageID: out.MessageID,
				At:        out.At.UTC(),
			}})
		}
	}
}
