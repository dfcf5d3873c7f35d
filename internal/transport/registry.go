package transport

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry holds event handlers and state observers. It is safe for
// concurrent use; handlers run on the goroutine calling Dispatch.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
	watchers []stateWatcher
	logger   *logrus.Logger
}

type subscription struct {
	id uint64
	h  Handler
}

type stateWatcher struct {
	id uint64
	fn func(State)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		handlers: make(map[string][]subscription),
		logger:   logger,
	}
}

// On registers h for event and returns its unsubscribe func. Calling the
// returned func more than once is harmless.
func (r *Registry) On(event string, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[event] = append(r.handlers[event], subscription{id: id, h: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			subs := r.handlers[event]
			for i, s := range subs {
				if s.id == id {
					r.handlers[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(r.handlers[event]) == 0 {
				delete(r.handlers, event)
			}
		})
	}
}

// OnStateChange registers fn to observe connection state transitions.
func (r *Registry) OnStateChange(fn func(State)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.watchers = append(r.watchers, stateWatcher{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, w := range r.watchers {
				if w.id == id {
					r.watchers = append(r.watchers[:i:i], r.watchers[i+1:]...)
					break
				}
			}
		})
	}
}

// Handlers returns the number of handlers registered for event.
func (r *Registry) Handlers(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Dispatch invokes every handler registered for event, in registration
// order. A panicking handler is logged and does not stop the others.
func (r *Registry) Dispatch(event string, data json.RawMessage) {
	r.mu.RLock()
	subs := append([]subscription(nil), r.handlers[event]...)
	r.mu.RUnlock()

	if len(subs) == 0 {
		r.logger.WithField("event", event).Debug("no handler for event")
		return
	}
	for _, s := range subs {
		r.invoke(event, s.h, data)
	}
}

func (r *Registry) invoke(event string, h Handler, data json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"event": event,
				"panic": rec,
			}).Error("event handler panicked")
		}
	}()
	h(data)
}

// Notify tells every state observer about s.
func (r *Registry) Notify(s State) {
	r.mu.RLock()
	watchers := append([]stateWatcher(nil), r.watchers...)
	r.mu.RUnlock()
	for _, w := range watchers {
		w.fn(s)
	}
}

// Clear drops all handlers and observers.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.handlers = make(map[string][]subscription)
	r.watchers = nil
	r.mu.Unlock()
}
