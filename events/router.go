package events

import (
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/pkg/logger"
)

// Handler receives the raw payload of one matched event.
type Handler func(payload json.RawMessage)

type listener struct {
	handlerID string // "" matches every payload
	fn        Handler
	removed   bool
}

// Router demultiplexes the transport's event stream. Transport interest is
// lazy: an event name is listened to only while at least one listener is
// registered for it, and the listen is withdrawn when the last one leaves.
type Router struct {
	transport bridge.Transport
	log       *logger.Logger

	mu        sync.Mutex
	listeners map[Name][]*listener
}

// NewRouter creates a router over the transport.
func NewRouter(transport bridge.Transport, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Router{
		transport: transport,
		log:       log,
		listeners: make(map[Name][]*listener),
	}
}

// On registers a listener for the event. A non-empty handlerID drops payloads
// whose "handlerId" field does not match, silently. Listeners for the same
// name run in registration order and never interfere with each other. The
// returned remove func is idempotent; removing the last listener for a name
// withdraws the transport listen.
func (r *Router) On(name Name, handlerID string, fn Handler) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.listeners[name]) == 0 {
		if err := r.transport.Listen(string(name), func(payload json.RawMessage) {
			r.dispatch(name, payload)
		}); err != nil {
			return nil, err
		}
	}

	l := &listener{handlerID: handlerID, fn: fn}
	r.listeners[name] = append(r.listeners[name], l)

	return func() { r.remove(name, l) }, nil
}

func (r *Router) remove(name Name, target *listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if target.removed {
		return
	}
	target.removed = true

	current := r.listeners[name]
	for i, l := range current {
		if l == target {
			r.listeners[name] = append(current[:i:i], current[i+1:]...)
			break
		}
	}
	if len(r.listeners[name]) == 0 {
		delete(r.listeners, name)
		if err := r.transport.Unlisten(string(name)); err != nil {
			r.log.WithError(err).WithField("event", string(name)).Warn("unlisten failed")
		}
	}
}

// ListenerCount returns the number of live listeners for the event.
func (r *Router) ListenerCount(name Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners[name])
}

func (r *Router) dispatch(name Name, payload json.RawMessage) {
	r.mu.Lock()
	snapshot := make([]*listener, len(r.listeners[name]))
	copy(snapshot, r.listeners[name])
	r.mu.Unlock()

	var payloadHandlerID string
	var extracted bool

	for _, l := range snapshot {
		if l.handlerID != "" {
			if !extracted {
				payloadHandlerID = gjson.GetBytes(payload, "handlerId").String()
				extracted = true
			}
			if payloadHandlerID != l.handlerID {
				continue
			}
		}
		r.invoke(name, l, payload)
	}
}

// invoke isolates listener panics so one failing callback cannot block
// delivery to the rest or crash the process.
func (r *Router) invoke(name Name, l *listener, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("event", string(name)).
				WithField("panic", rec).
				Error("event listener panicked")
		}
	}()
	l.fn(payload)
}
