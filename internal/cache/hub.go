package cache

import (
	"context"
	"sync"

	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

type loadFunc func(ctx context.Context, f Filter) ([]model.Appointment, error)

// hub runs subscriptions. Each subscription owns one goroutine and a
// one-slot trigger, so bursts of changes coalesce into a single reload and
// snapshots are delivered strictly in order.
type hub struct {
	load   loadFunc
	logger *logging.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	filter  Filter
	fn      func([]model.Appointment)
	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHub(load loadFunc, logger *logging.Logger) *hub {
	return &hub{load: load, logger: logger, subs: make(map[int]*subscription)}
}

func (h *hub) subscribe(ctx context.Context, filter Filter, fn func([]model.Appointment)) func() {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		filter:  filter,
		fn:      fn,
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sub.trigger <- struct{}{} // initial snapshot

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go h.run(ctx, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			cancel()
			<-sub.done
		})
	}
}

func (h *hub) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.trigger:
		}

		snapshot, err := h.load(ctx, sub.filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("subscription reload failed", "error", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		sub.fn(snapshot)
	}
}

// notify wakes every subscription the change can affect. A nil change wakes
// all of them.
func (h *hub) notify(c *Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if c != nil && !sub.filter.Affects(*c) {
			continue
		}
		select {
		case sub.trigger <- struct{}{}:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[int]*subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}
