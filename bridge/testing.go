package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockCall records one request issued against the mock transport.
type MockCall struct {
	Method string
	Params json.RawMessage
}

// MockHandler scripts the engine's response for one method.
type MockHandler func(params json.RawMessage) (any, error)

// MockTransport is a scripted in-memory Transport for tests. Unscripted
// methods succeed with an empty object result.
type MockTransport struct {
	mu        sync.Mutex
	scripts   map[string]MockHandler
	calls     []MockCall
	listeners map[string]EventFunc
	closed    bool
}

// NewMockTransport creates an empty mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		scripts:   make(map[string]MockHandler),
		listeners: make(map[string]EventFunc),
	}
}

// Handle scripts the response for a method.
func (m *MockTransport) Handle(method string, fn MockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[method] = fn
}

// Call records the request and runs the scripted handler.
func (m *MockTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if params != nil {
		if mp, ok := params.(map[string]any); ok {
			params = Sanitize(mp)
		}
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = encoded
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.calls = append(m.calls, MockCall{Method: method, Params: raw})
	fn := m.scripts[method]
	m.mu.Unlock()

	if fn == nil {
		return json.RawMessage(`{}`), nil
	}
	result, err := fn(raw)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return json.RawMessage(`{}`), nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return encoded, nil
}

// Listen installs the event handler for an event name.
func (m *MockTransport) Listen(event string, fn EventFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.listeners[event] = fn
	return nil
}

// Unlisten removes the event handler for an event name.
func (m *MockTransport) Unlisten(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, event)
	return nil
}

// Close marks the transport closed.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Emit delivers an event payload to the installed listener, if any. The
// payload is marshaled first; delivery is synchronous like the real
// transport's read loop.
func (m *MockTransport) Emit(event string, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("mock transport: marshal %s payload: %v", event, err))
	}
	m.mu.Lock()
	fn := m.listeners[event]
	m.mu.Unlock()
	if fn != nil {
		fn(encoded)
	}
}

// Calls returns a copy of the recorded call log.
func (m *MockTransport) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallMethods returns the recorded methods in order.
func (m *MockTransport) CallMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.Method)
	}
	return out
}

// CallCount returns how many times the method was called.
func (m *MockTransport) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Listening reports whether a listener is installed for the event.
func (m *MockTransport) Listening(event string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.listeners[event]
	return ok
}

// ListenCount returns the number of event names currently listened to.
func (m *MockTransport) ListenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
