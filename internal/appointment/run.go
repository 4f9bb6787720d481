package appointment

import (
	"context"
	"sync"

	"github.com/hackgods/ledger-appointment-portal/internal/cache"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

// Refresh recomputes the unified view and hands it to every watcher. It is
// safe to call at any time and as often as needed.
func (s *Service) Refresh(ctx context.Context) (View, error) {
	view, err := s.ListUnified(ctx)
	if err != nil {
		return View{}, err
	}
	s.broadcast(view)
	return view, nil
}

// Watch returns a channel of views produced by Refresh. A watcher that falls
// behind only sees the newest view.
func (s *Service) Watch() (<-chan View, func()) {
	ch := make(chan View, 1)

	s.watchMu.Lock()
	id := s.nextW
	s.nextW++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

func (s *Service) broadcast(v View) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (s *Service) requestRefresh() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run keeps watchers current. It refreshes on every cache callback, every
// ledger connectivity event and every local write, until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	unsubscribe, err := s.cache.Subscribe(ctx, cache.Filter{}, func([]model.Appointment) {
		s.requestRefresh()
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	events, stop := s.ledger.Events()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.logger.Info("ledger connectivity changed, refreshing", "kind", ev.Kind, "account", ev.Account)
		case <-s.kick:
		}

		if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("refresh failed", "error", err)
		}
	}
}
