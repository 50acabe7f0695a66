package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/paywall"
)

// This file holds the thin pass-throughs: operations the engine owns outright
// where the store only gates on configuration and decodes the response.

// GetEntitlements fetches the granted entitlements and refreshes the cache.
func (s *Store) GetEntitlements(ctx context.Context) ([]paywall.Entitlement, error) {
	if err := s.refreshEntitlements(ctx); err != nil {
		return nil, fmt.Errorf("get entitlements: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]paywall.Entitlement(nil), s.entitlements...), nil
}

// GetAssignments fetches experiment assignments and caches them in the
// snapshot.
func (s *Store) GetAssignments(ctx context.Context) ([]paywall.Assignment, error) {
	result, err := s.transport.Call(ctx, bridge.MethodGetAssignments, nil)
	if err != nil {
		return nil, fmt.Errorf("get assignments: %w", err)
	}
	var assignments []paywall.Assignment
	if err := json.Unmarshal(result, &assignments); err != nil {
		return nil, fmt.Errorf("decode assignments: %w", err)
	}
	s.mu.Lock()
	s.assignments = assignments
	s.mu.Unlock()
	s.notify()
	return assignments, nil
}

// ConfirmAllAssignments confirms every pending assignment and returns the
// confirmed set.
func (s *Store) ConfirmAllAssignments(ctx context.Context) ([]paywall.Assignment, error) {
	result, err := s.transport.Call(ctx, bridge.MethodConfirmAllAssignments, nil)
	if err != nil {
		return nil, fmt.Errorf("confirm assignments: %w", err)
	}
	var assignments []paywall.Assignment
	if err := json.Unmarshal(result, &assignments); err != nil {
		return nil, fmt.Errorf("decode assignments: %w", err)
	}
	s.mu.Lock()
	s.assignments = assignments
	s.mu.Unlock()
	s.notify()
	return assignments, nil
}

// GetPresentationResult evaluates a placement without presenting and returns
// the engine's raw result.
func (s *Store) GetPresentationResult(ctx context.Context, placement string, params map[string]any) (json.RawMessage, error) {
	callParams := map[string]any{"placement": placement}
	if params != nil {
		callParams["params"] = params
	}
	result, err := s.transport.Call(ctx, bridge.MethodGetPresentationResult, callParams)
	if err != nil {
		return nil, fmt.Errorf("presentation result for %q: %w", placement, err)
	}
	return result, nil
}

// PreloadPaywalls warms the paywall cache for the given placement names.
func (s *Store) PreloadPaywalls(ctx context.Context, placements []string) error {
	if _, err := s.transport.Call(ctx, bridge.MethodPreloadPaywalls, map[string]any{"placements": placements}); err != nil {
		return fmt.Errorf("preload paywalls: %w", err)
	}
	return nil
}

// PreloadAllPaywalls warms the cache for every known placement.
func (s *Store) PreloadAllPaywalls(ctx context.Context) error {
	if _, err := s.transport.Call(ctx, bridge.MethodPreloadAllPaywalls, nil); err != nil {
		return fmt.Errorf("preload all paywalls: %w", err)
	}
	return nil
}

// Dismiss closes whatever paywall is currently presented, if any.
func (s *Store) Dismiss(ctx context.Context) error {
	if _, err := s.transport.Call(ctx, bridge.MethodDismiss, nil); err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	return nil
}

// SetLogLevel adjusts the engine's log verbosity at runtime.
func (s *Store) SetLogLevel(ctx context.Context, level string) error {
	if _, err := s.transport.Call(ctx, bridge.MethodSetLogLevel, map[string]any{"level": level}); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	return nil
}

// SetInterfaceStyle forces the paywall interface style ("LIGHT", "DARK") or
// restores system behavior with an empty string.
func (s *Store) SetInterfaceStyle(ctx context.Context, style string) error {
	params := map[string]any{"style": style}
	if style == "" {
		params["style"] = nil // engine reads null as "follow the system"
	}
	if _, err := s.transport.Call(ctx, bridge.MethodSetInterfaceStyle, params); err != nil {
		return fmt.Errorf("set interface style: %w", err)
	}
	return nil
}

// SetUserAttributes merges attributes into the engine-side user. Nil-valued
// entries are stripped before the wire, same as every other call; delete an
// attribute by setting it to an empty string instead.
func (s *Store) SetUserAttributes(ctx context.Context, attributes map[string]any) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if _, err := s.transport.Call(ctx, bridge.MethodSetUserAttributes, map[string]any{"attributes": attributes}); err != nil {
		return fmt.Errorf("set user attributes: %w", err)
	}

	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.refreshIdentity(refreshCtx); err != nil {
			s.log.WithError(err).Warn("post-attributes identity refresh")
		}
	}()
	return nil
}

// GetUserAttributes fetches the engine-side user attributes and refreshes the
// cached identity.
func (s *Store) GetUserAttributes(ctx context.Context) (paywall.UserIdentity, error) {
	if err := s.refreshIdentity(ctx); err != nil {
		return paywall.UserIdentity{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, nil
}

// SetIntegrationAttributes forwards third-party integration identifiers.
func (s *Store) SetIntegrationAttributes(ctx context.Context, attributes map[string]string) error {
	if _, err := s.transport.Call(ctx, bridge.MethodSetIntegrationAttributes, map[string]any{"attributes": attributes}); err != nil {
		return fmt.Errorf("set integration attributes: %w", err)
	}
	return nil
}

// GetIntegrationAttributes returns the engine's integration identifiers.
func (s *Store) GetIntegrationAttributes(ctx context.Context) (map[string]string, error) {
	result, err := s.transport.Call(ctx, bridge.MethodGetIntegrationAttributes, nil)
	if err != nil {
		return nil, fmt.Errorf("get integration attributes: %w", err)
	}
	var attributes map[string]string
	if err := json.Unmarshal(result, &attributes); err != nil {
		return nil, fmt.Errorf("decode integration attributes: %w", err)
	}
	return attributes, nil
}

// HandleDeepLink forwards a deep link for redemption. Returns whether the
// engine recognized and will handle it.
func (s *Store) HandleDeepLink(ctx context.Context, rawURL string) (bool, error) {
	result, err := s.transport.Call(ctx, bridge.MethodHandleDeepLink, map[string]any{"url": rawURL})
	if err != nil {
		return false, fmt.Errorf("handle deep link: %w", err)
	}
	var handled bool
	if err := json.Unmarshal(result, &handled); err != nil {
		return false, fmt.Errorf("decode deep link result: %w", err)
	}
	return handled, nil
}
