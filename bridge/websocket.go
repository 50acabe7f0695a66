package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/revcast/paywallkit/pkg/logger"
)

// Frame types on the wire.
const (
	frameRequest  = "request"
	frameResponse = "response"
	frameEvent    = "event"
)

// Control methods understood by the engine itself rather than the SDK surface.
const (
	methodListen   = "listen"
	methodUnlisten = "unlisten"
)

// Frame is the wire envelope. Requests carry id/method/params; responses echo
// the id with result or error; events carry event/payload.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	// URL is the bridge endpoint, e.g. ws://localhost:9800/bridge.
	URL string
	// APIKey is sent as a query parameter during the handshake.
	APIKey string
	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration
	// HeartbeatInterval paces keepalive pings. Defaults to 30s.
	HeartbeatInterval time.Duration
	// CallTimeout bounds calls whose context carries no deadline. Defaults to 30s.
	CallTimeout time.Duration
	// Log receives transport diagnostics. Nil uses a default logger.
	Log *logger.Logger
}

// WSTransport implements Transport over a WebSocket connection.
type WSTransport struct {
	cfg     WSConfig
	log     *logger.Logger
	redials *rate.Limiter

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[uint64]chan Frame
	handlers map[string]EventFunc
	nextID   uint64
	closed   bool
	done     chan struct{}

	writeMu sync.Mutex
}

// NewWSTransport creates a WebSocket transport. Connect must be called before
// use.
func NewWSTransport(cfg WSConfig) *WSTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("bridge")
	}
	return &WSTransport{
		cfg:      cfg,
		log:      log,
		redials:  rate.NewLimiter(rate.Every(2*time.Second), 1),
		pending:  make(map[uint64]chan Frame),
		handlers: make(map[string]EventFunc),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the reader and
// heartbeat goroutines. Calling Connect on a connected transport is a no-op.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	url := t.cfg.URL
	if t.cfg.APIKey != "" {
		url += "?apiKey=" + t.cfg.APIKey
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	t.conn = conn
	// Snapshot under the lock; writeListen and write re-acquire it.
	events := make([]string, 0, len(t.handlers))
	for event := range t.handlers {
		events = append(events, event)
	}
	t.mu.Unlock()

	go t.readLoop(conn)
	go t.heartbeat(conn)

	// Re-declare event interest after a redial.
	for _, event := range events {
		if err := t.writeListen(methodListen, event); err != nil {
			t.log.WithError(err).WithField("event", event).Warn("re-listen after connect")
		}
	}
	return nil
}

// Call issues a request and suspends until the engine responds, the context
// is done, or the transport closes. Map params are sanitized before encoding.
func (t *WSTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if deadline, ok := ctx.Deadline(); !ok || deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := t.call(ctx, method, params)
	observeCall(method, start, err)
	return result, err
}

func (t *WSTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if m, ok := params.(map[string]any); ok {
		params = Sanitize(m)
	}

	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = encoded
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.conn == nil {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.nextID++
	id := t.nextID
	reply := make(chan Frame, 1)
	t.pending[id] = reply
	done := t.done
	t.mu.Unlock()

	frame := Frame{Type: frameRequest, ID: id, Method: method, Params: raw}
	if err := t.write(frame); err != nil {
		t.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.dropPending(id)
		return nil, ctx.Err()
	case <-done:
		return nil, ErrClosed
	}
}

// Listen declares interest in an event and installs its handler. The handler
// replaces any previous handler for the same event name.
func (t *WSTransport) Listen(event string, fn EventFunc) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.handlers[event] = fn
	connected := t.conn != nil
	t.mu.Unlock()

	if !connected {
		return nil // declared on connect
	}
	return t.writeListen(methodListen, event)
}

// Unlisten withdraws interest in an event.
func (t *WSTransport) Unlisten(event string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	delete(t.handlers, event)
	connected := t.conn != nil
	t.mu.Unlock()

	if !connected {
		return nil
	}
	return t.writeListen(methodUnlisten, event)
}

// Close tears down the connection and fails every pending call with ErrClosed.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return conn.Close()
}

func (t *WSTransport) writeListen(method, event string) error {
	params, _ := json.Marshal(map[string]string{"event": event})
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.mu.Unlock()
	return t.write(Frame{Type: frameRequest, ID: id, Method: method, Params: params})
}

func (t *WSTransport) write(frame Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(frame)
}

func (t *WSTransport) dropPending(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			t.log.WithError(err).Warn("malformed bridge frame")
			continue
		}

		switch frame.Type {
		case frameResponse:
			t.mu.Lock()
			reply, ok := t.pending[frame.ID]
			if ok {
				delete(t.pending, frame.ID)
			}
			t.mu.Unlock()
			if ok {
				reply <- frame
			}
		case frameEvent:
			recordEvent(frame.Event)
			t.mu.Lock()
			fn := t.handlers[frame.Event]
			t.mu.Unlock()
			if fn != nil {
				// Synchronous delivery preserves per-event ordering for the
				// router above.
				fn(frame.Payload)
			}
		}
	}
}

func (t *WSTransport) handleDisconnect(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	// In-flight calls cannot complete on a new connection; fail them now.
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	_ = conn.Close()

	t.log.WithError(cause).Warn("bridge connection lost; redialing")
	go t.redial()
}

func (t *WSTransport) redial() {
	for {
		t.mu.Lock()
		closed := t.closed
		connected := t.conn != nil
		t.mu.Unlock()
		if closed || connected {
			return
		}

		if err := t.redials.Wait(context.Background()); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		err := t.Connect(ctx)
		cancel()
		if err == nil {
			t.log.Info("bridge reconnected")
			return
		}
		if err == ErrClosed {
			return
		}
		t.log.WithError(err).Warn("bridge redial failed")
	}
}

func (t *WSTransport) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			current := t.conn
			t.mu.Unlock()
			if current != conn {
				return
			}
			t.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
