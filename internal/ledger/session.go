package ledger

import (
	"sync"
	"time"
)

// Session is the live binding to the ledger.
type Session struct {
	Account     string
	Owner       bool
	ConnectedAt time.Time
	// Epoch increases with every new session so callers can tell a
	// reconnect apart from the session they started with.
	Epoch uint64
}

type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventDisconnected   EventKind = "disconnected"
	EventAccountChanged EventKind = "account_changed"
)

type Event struct {
	Kind    EventKind
	Account string
	Epoch   uint64
	At      time.Time
}

// eventHub fans session events out to subscribers. Slow subscribers lose
// events rather than blocking the client; every event is a full-refresh
// trigger so a dropped one is covered by the next.
type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// publish returns how many subscribers missed the event.
func (h *eventHub) publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
