// Package live fans committed changes out to in-process subscribers such as
// the pending-queue and activity streams.
package live

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"approvalq/internal/domain"
)

type Kind string

const (
	KindActivity Kind = "activity"
	KindRequest  Kind = "request"
)

// Event carries exactly one of Activity or Request depending on Kind.
type Event struct {
	Kind     Kind
	Activity *domain.ActivityEntry
	Request  *domain.Request
}

type Handler func(Event)

// Filter selects events. Zero values match everything.
type Filter struct {
	Kinds       []Kind
	RequestType string
}

func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 {
		matched := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.RequestType != "" {
		if ev.Request == nil || ev.Request.Type != f.RequestType {
			return false
		}
	}
	return true
}

var (
	ErrNilHandler           = errors.New("handler cannot be nil")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

type subscription struct {
	filter  Filter
	handler Handler
}

type Hub struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]subscription)}
}

// Subscribe registers handler and returns its subscription id.
func (h *Hub) Subscribe(filter Filter, handler Handler) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	id := uuid.NewString()
	h.mu.Lock()
	h.subs[id] = subscription{filter: filter, handler: handler}
	h.mu.Unlock()
	return id, nil
}

func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(h.subs, id)
	return nil
}

// Publish invokes matching handlers synchronously, outside the lock, so a
// handler may unsubscribe itself.
func (h *Hub) Publish(_ context.Context, ev Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.subs))
	for _, s := range h.subs {
		if s.filter.Matches(ev) {
			handlers = append(handlers, s.handler)
		}
	}
	h.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	h.subs = make(map[string]subscription)
	h.mu.Unlock()
}
