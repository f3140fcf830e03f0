package gateway

import (
	"log/slog"
	"sync"

	"github.com/eapache/queue"
	"github.com/google/uuid"
)

type HandlerIdentifier = uuid.UUID

// EventDispatch is a typed multi-subscriber broadcast. Handlers are
// notified in registration order. Every subscriber owns a FIFO drained
// by its own goroutine, so a slow or panicking handler never stalls the
// notifier or the other subscribers, while each subscriber still sees
// events in publish order.
type EventDispatch[T any] struct {
	mu   sync.Mutex
	subs []*subscriber[T]
	log  *slog.Logger
}

type subscriber[T any] struct {
	id      HandlerIdentifier
	handler func(T)
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
	log     *slog.Logger
}

func NewEventDispatch[T any](log *slog.Logger) *EventDispatch[T] {
	if log == nil {
		log = slog.Default()
	}
	return &EventDispatch[T]{log: log}
}

func (d *EventDispatch[T]) AddHandler(fn func(T)) HandlerIdentifier {
	s := &subscriber[T]{
		id:      uuid.New(),
		handler: fn,
		pending: queue.New(),
		log:     d.log,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s.id
}

func (d *EventDispatch[T]) RemoveHandler(id HandlerIdentifier) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.id == id {
			d.subs = append(d.subs[:i], d.subs[i+1:]...)
			s.close()
			return true
		}
	}
	return false
}

// RemoveAll tears down every subscriber. Used on gateway teardown so
// registrations never outlive the manager.
func (d *EventDispatch[T]) RemoveAll() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (d *EventDispatch[T]) Notify(v T) {
	d.mu.Lock()
	subs := make([]*subscriber[T], len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()
	for _, s := range subs {
		s.enqueue(v)
	}
}

func (s *subscriber[T]) enqueue(v T) {
	s.mu.Lock()
	if !s.closed {
		s.pending.Add(v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber[T]) drain() {
	for {
		s.mu.Lock()
		for s.pending.Length() == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.pending.Length() == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		v := s.pending.Remove().(T)
		s.mu.Unlock()
		s.invoke(v)
	}
}

func (s *subscriber[T]) invoke(v T) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", "handler_id", s.id.String(), "panic", r)
		}
	}()
	s.handler(v)
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}
