package hub

import "sync"

// DefaultHistoryCapacity bounds the hub's message history unless overridden.
const DefaultHistoryCapacity = 256

// HistoryFilter narrows a history query. Zero values match everything.
type HistoryFilter struct {
	// EndpointID matches messages sent to or from the endpoint.
	EndpointID string

	// Type matches the message type exactly.
	Type string
}

// history is a bounded ring buffer of dispatched messages. Oldest entries
// are evicted once capacity is reached; retrieval preserves insertion order.
type history struct {
	mu      sync.Mutex
	entries []*Message
	start   int
	count   int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &history{
		entries: make([]*Message, capacity),
	}
}

func (h *history) append(msg *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := (h.start + h.count) % len(h.entries)
	h.entries[idx] = msg.Clone()
	if h.count < len(h.entries) {
		h.count++
	} else {
		h.start = (h.start + 1) % len(h.entries)
	}
}

func (h *history) get(filter HistoryFilter) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*Message
	for i := 0; i < h.count; i++ {
		msg := h.entries[(h.start+i)%len(h.entries)]
		if filter.Type != "" && msg.Type != filter.Type {
			continue
		}
		if filter.EndpointID != "" &&
			msg.Target != filter.EndpointID &&
			msg.Sender != filter.EndpointID &&
			msg.Receiver != filter.EndpointID {
			continue
		}
		out = append(out, msg.Clone())
	}
	return out
}
