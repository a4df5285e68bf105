package auth

import "sync"

// SessionEvent is the discrete notification the auth collaborator emits when
// a user signs in or out. The orchestrator consumes these instead of
// observing shared session state.
type SessionEvent struct {
	UserID string
	Active bool
}

// SessionEvents dispatches session changes to subscribers. Subscription
// happens at composition time; Publish may be called from any goroutine.
type SessionEvents struct {
	mu          sync.Mutex
	subscribers []func(SessionEvent)
}

// NewSessionEvents returns an empty dispatcher.
func NewSessionEvents() *SessionEvents {
	return &SessionEvents{}
}

// Subscribe registers a handler for future session events.
func (e *SessionEvents) Subscribe(handler func(SessionEvent)) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, handler)
}

// Publish delivers the event to every subscriber in registration order.
func (e *SessionEvents) Publish(event SessionEvent) {
	e.mu.Lock()
	handlers := make([]func(SessionEvent), len(e.subscribers))
	copy(handlers, e.subscribers)
	e.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}
