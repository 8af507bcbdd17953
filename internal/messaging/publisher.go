package messaging

import (
	"context"
	"sync"

	"github.com/joao-fontenele/clinic-commerce/internal/domain"
)

// Publisher announces order lifecycle events once the transaction that
// produced them has committed.
type Publisher interface {
	PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error
}

var _ Publisher = (*Producer)(nil)

// Discard drops every event. It stands in when no broker is configured.
type Discard struct{}

func (Discard) PublishOrderEvent(context.Context, domain.OrderEvent) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (r *Recorder) PublishOrderEvent(_ context.Context, event domain.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []domain.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderEvent(nil), r.events...)
}

// Types lists the recorded event types in publish order.
func (r *Recorder) Types() []domain.OrderEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]domain.OrderEventType, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}
