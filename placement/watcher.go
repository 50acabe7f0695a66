// Package placement provides the Watcher, a per-consumer view over one
// placement registration cycle. It owns a stable handler id for its lifetime
// so re-registrations replace the previous cycle instead of stacking
// listeners, and it releases everything on Close.
package placement

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/revcast/paywallkit/paywall"
	"github.com/revcast/paywallkit/pkg/logger"
	"github.com/revcast/paywallkit/store"
)

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("placement: watcher closed")

// Watcher drives placement registrations through the store and exposes the
// resulting presentation state. One watcher per presentation surface.
type Watcher struct {
	store     *store.Store
	log       *logger.Logger
	handlerID string
	onChange  func(rec paywall.PresentationRecord)

	mu     sync.Mutex
	closed bool
	last   paywall.PresentationRecord
}

// WatcherOption customizes watcher construction.
type WatcherOption func(*Watcher)

// WithOnChange installs a callback invoked on every state transition of the
// watcher's placement. It must not block.
func WithOnChange(fn func(rec paywall.PresentationRecord)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// NewWatcher creates a watcher with a fresh unique handler id.
func NewWatcher(st *store.Store, log *logger.Logger, opts ...WatcherOption) *Watcher {
	if log == nil {
		log = logger.NewDefault("placement")
	}
	w := &Watcher{
		store:     st,
		log:       log,
		handlerID: uuid.NewString(),
		last:      paywall.PresentationRecord{State: paywall.StateIdle},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandlerID returns the watcher's stable handler id.
func (w *Watcher) HandlerID() string { return w.handlerID }

// Register starts a new registration cycle for the placement. A second call
// replaces the previous cycle; its record and listeners are dropped first.
// feature, when non-nil, runs if registration is accepted.
func (w *Watcher) Register(ctx context.Context, placement string, params map[string]any, feature func()) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	handler := &store.PlacementHandler{
		OnPresent: func(*paywall.PaywallInfo) { w.refresh() },
		OnDismiss: func(*paywall.PaywallInfo, paywall.PaywallResult) { w.refresh() },
		OnSkip:    func(string) { w.refresh() },
		OnError:   func(error) { w.refresh() },
	}
	if err := w.store.RegisterPlacement(ctx, placement, params, w.handlerID, handler); err != nil {
		w.refresh()
		return err
	}
	w.refresh()
	if feature != nil {
		feature()
	}
	return nil
}

// refresh pulls the current record from the store and notifies onChange when
// it moved.
func (w *Watcher) refresh() {
	rec, ok := w.store.Placement(w.handlerID)
	if !ok {
		rec = paywall.PresentationRecord{HandlerID: w.handlerID, State: paywall.StateIdle}
	}

	w.mu.Lock()
	changed := rec.State != w.last.State || !rec.UpdatedAt.Equal(w.last.UpdatedAt)
	w.last = rec
	onChange := w.onChange
	closed := w.closed
	w.mu.Unlock()

	if changed && onChange != nil && !closed {
		onChange(rec)
	}
}

// Record returns the latest observed presentation record.
func (w *Watcher) Record() paywall.PresentationRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// State returns the latest observed presentation state.
func (w *Watcher) State() paywall.PresentationState {
	return w.Record().State
}

// Info returns the presented paywall's info, if any.
func (w *Watcher) Info() *paywall.PaywallInfo {
	return w.Record().Info
}

// Result returns the dismissal result, if the cycle reached one.
func (w *Watcher) Result() *paywall.PaywallResult {
	return w.Record().Result
}

// SkipReason returns the skip reason for a skipped cycle.
func (w *Watcher) SkipReason() string {
	return w.Record().SkipReason
}

// Err returns the error message for an errored cycle.
func (w *Watcher) Err() string {
	return w.Record().Err
}

// Close releases the watcher's placement record and listeners. Idempotent.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.store.ReleasePlacement(w.handlerID)
}
