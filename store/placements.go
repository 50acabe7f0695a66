package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/events"
	"github.com/revcast/paywallkit/paywall"
)

// RegisterPlacement asks the engine to evaluate a placement. The record is
// created in the loading state before the engine call so observers never see
// a gap, and event listeners are installed before the call so no outcome can
// race past them. A nil handler registers fire-and-forget: no callbacks, but
// the record still tracks the terminal state pushed for the id and is retired
// with its listeners once that state is reached.
//
// handlerID may be empty; DefaultHandlerID is used, which means concurrent
// anonymous registrations share one record slot (last registration wins).
func (s *Store) RegisterPlacement(ctx context.Context, placement string, params map[string]any, handlerID string, handler *PlacementHandler) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if placement == "" {
		return errors.New("store: placement name required")
	}
	if handlerID == "" {
		handlerID = DefaultHandlerID
	}

	s.releaseCleanups(handlerID) // a re-registered id replaces its listeners

	s.mu.Lock()
	s.placements[handlerID] = &paywall.PresentationRecord{
		HandlerID: handlerID,
		Placement: placement,
		State:     paywall.StateLoading,
		UpdatedAt: time.Now(),
	}
	s.mu.Unlock()
	s.notify()

	if err := s.attachPlacementListeners(handlerID, handler); err != nil {
		s.settlePlacement(handlerID, func(rec *paywall.PresentationRecord) {
			rec.State = paywall.StateErrored
			rec.Err = err.Error()
		})
		s.scheduleRetention(handlerID)
		return fmt.Errorf("attach placement listeners: %w", err)
	}

	callParams := map[string]any{
		"placement": placement,
		"handlerId": handlerID,
	}
	if params != nil {
		callParams["params"] = params
	}
	if _, err := s.transport.Call(ctx, bridge.MethodRegisterPlacement, callParams); err != nil {
		wrapped := fmt.Errorf("register placement %q: %w", placement, err)
		s.settlePlacement(handlerID, func(rec *paywall.PresentationRecord) {
			rec.State = paywall.StateErrored
			rec.Err = wrapped.Error()
		})
		s.releaseCleanups(handlerID)
		s.scheduleRetention(handlerID)
		return wrapped
	}
	return nil
}

// ReleasePlacement drops the record and listeners for a handler id. Watchers
// call this on unmount; any retention timer still pending becomes a no-op.
func (s *Store) ReleasePlacement(handlerID string) {
	s.mu.Lock()
	s.dropPlacementLocked(handlerID)
	s.mu.Unlock()
	s.releaseCleanups(handlerID)
	s.notify()
}

func (s *Store) attachPlacementListeners(handlerID string, handler *PlacementHandler) error {
	if handler == nil {
		handler = &PlacementHandler{}
	}
	type binding struct {
		name events.Name
		fn   events.Handler
	}
	bindings := []binding{
		{events.OnPaywallPresent, func(payload json.RawMessage) {
			var p events.PaywallEventPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				s.log.WithError(err).Warn("malformed present payload")
				return
			}
			s.settlePlacement(handlerID, func(rec *paywall.PresentationRecord) {
				rec.State = paywall.StatePresented
				rec.Info = p.Info
			})
			if handler.OnPresent != nil {
				handler.OnPresent(p.Info)
			}
		}},
		{events.OnPaywallDismiss, func(payload json.RawMessage) {
			var p events.PaywallEventPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				s.log.WithError(err).Warn("malformed dismiss payload")
				return
			}
			result := paywall.PaywallResult{Type: paywall.ResultDeclined}
			if p.Result != nil {
				result = *p.Result
			}
			s.settlePlacement(handlerID, func(rec *paywall.PresentationRecord) {
				rec.State = paywall.StateDismissed
				if p.Info != nil {
					rec.Info = p.Info
				}
				rec.Result = &result
			})
			if handler.OnDismiss != nil {
				handler.OnDismiss(p.Info, result)
			}
			s.scheduleRetention(handlerID)
		}},
		{events.OnPaywallSkip, func(payload json.RawMessage) {
			var p events.PaywallEventPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				s.log.WithError(err).Warn("malformed skip payload")
				return
			}
			s.settlePlacement(handlerID, func(rec *paywall.PresentationRecord) {
				rec.State = paywall.StateSkipped
				rec.SkipReason = p.Reason
			})
			if handler.OnSkip != nil {
				handler.OnSkip(p.Reason)
			}
			s.scheduleRetention(handlerID)
		}},
		{events.OnPaywallError, func(payload json.RawMessage) {
			var p events.PaywallEventPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				s.log.WithError(err).Warn("malformed error payload")
				return
			}
			s.settlePlacement(handlerID, func(rec *paywall.PresentationRecord) {
				rec.State = paywall.StateErrored
				rec.Err = p.Error
			})
			if handler.OnError != nil {
				handler.OnError(errors.New(p.Error))
			}
			s.scheduleRetention(handlerID)
		}},
	}

	removes := make([]func(), 0, len(bindings))
	for _, b := range bindings {
		remove, err := s.router.On(b.name, handlerID, b.fn)
		if err != nil {
			for _, r := range removes {
				r()
			}
			return err
		}
		removes = append(removes, remove)
	}

	s.mu.Lock()
	s.cleanups[handlerID] = removes
	s.mu.Unlock()
	return nil
}

func (s *Store) settlePlacement(handlerID string, mutate func(*paywall.PresentationRecord)) {
	s.mu.Lock()
	rec, ok := s.placements[handlerID]
	if ok {
		mutate(rec)
		rec.UpdatedAt = time.Now()
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// scheduleRetention retires a settled record, and its listeners, after the
// retention window so late readers still see the outcome without the map or
// the router growing unbounded. The timer is pinned to the record it was
// scheduled for; a re-registration under the same id starts a fresh cycle
// that the stale timer must not touch.
func (s *Store) scheduleRetention(handlerID string) {
	s.mu.RLock()
	target := s.placements[handlerID]
	s.mu.RUnlock()
	if target == nil {
		return
	}
	time.AfterFunc(s.retention, func() {
		s.mu.Lock()
		rec, ok := s.placements[handlerID]
		if ok && rec == target && rec.State.Terminal() {
			s.dropPlacementLocked(handlerID)
		} else {
			ok = false
		}
		s.mu.Unlock()
		if ok {
			s.releaseCleanups(handlerID)
			s.notify()
		}
	})
}

func (s *Store) dropPlacementLocked(handlerID string) {
	delete(s.placements, handlerID)
}

func (s *Store) releaseCleanups(handlerID string) {
	s.mu.Lock()
	removes := s.cleanups[handlerID]
	delete(s.cleanups, handlerID)
	s.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}
