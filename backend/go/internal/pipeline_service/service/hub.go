package service

import (
	"sync"

	"Storyloom/backend/go/pkg/models"
)

const subscriberBuffer = 1024

// Hub fans the events of one pipeline out to any number of subscribers. It keeps up to
// limit events so a late subscriber sees the run from the start. When history is full the
// oldest text chunk goes first, so the plan and the step boundaries outlive the chunks.
// Publish never blocks: a subscriber whose buffer is full is disconnected.
type Hub struct {
	mu      sync.Mutex
	history []models.StreamEvent
	limit   int
	subs    map[int]chan models.StreamEvent
	nextID  int
	closed  bool

	onPublish func(models.StreamEvent)
	onDrop    func()
}

// NewHub creates a hub retaining up to limit events; limit <= 0 keeps none.
func NewHub(limit int) *Hub {
	return &Hub{limit: limit, subs: make(map[int]chan models.StreamEvent)}
}

// Subscription is one consumer of a hub. C is closed after the last event of the
// pipeline, or when the subscriber fell behind.
type Subscription struct {
	C      <-chan models.StreamEvent
	cancel func()
}

// Cancel detaches the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Publish records ev and delivers it to every subscriber. Events published after Close
// are dropped.
func (h *Hub) Publish(ev models.StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.limit > 0 {
		if len(h.history) == h.limit {
			i := h.evictionIndex()
			h.history = append(h.history[:i], h.history[i+1:]...)
		}
		h.history = append(h.history, ev)
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(h.subs, id)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
	if h.onPublish != nil {
		h.onPublish(ev)
	}
}

// evictionIndex picks the oldest agent_stream chunk, else the oldest event other than
// the plan.
func (h *Hub) evictionIndex() int {
	fallback := -1
	for i, ev := range h.history {
		if ev.Type == models.EventAgentStream {
			return i
		}
		if fallback < 0 && ev.Type != models.EventPipelinePlan {
			fallback = i
		}
	}
	if fallback < 0 {
		return 0
	}
	return fallback
}

// Subscribe replays the retained events and then follows the live ones. Subscribing to a
// closed hub yields the retained events followed by a closed channel.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan models.StreamEvent, len(h.history)+subscriberBuffer)
	for _, ev := range h.history {
		ch <- ev
	}
	if h.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return &Subscription{C: ch, cancel: func() { h.unsubscribe(id) }}
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}

// Close ends every subscription. Retained events stay available to Subscribe.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// Closed reports whether the pipeline has published its last event.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
