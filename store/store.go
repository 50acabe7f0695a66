// Package store holds the single source-of-truth mirror of engine state:
// configuration lifecycle, user identity, subscription status, entitlements,
// assignments and in-flight placement presentations. State mutates only in
// response to engine responses or pushed events, and consumers observe it
// through snapshots and change notifications.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/events"
	"github.com/revcast/paywallkit/paywall"
	"github.com/revcast/paywallkit/pkg/logger"
)

// Errors
var (
	// ErrNotConfigured is returned by operations that require a completed
	// configure call.
	ErrNotConfigured = errors.New("store: not configured")
	// ErrAlreadyConfigured marks a redundant configure. Configure itself
	// treats this as a benign no-op and returns nil; the sentinel exists for
	// callers that probe explicitly.
	ErrAlreadyConfigured = errors.New("store: already configured")
)

// DefaultHandlerID keys placements registered without an explicit handler id.
const DefaultHandlerID = "default"

// DefaultRetention is how long a dismissed presentation record stays
// readable before it is dropped, balancing memory against late reads by
// consumers that have not re-rendered yet.
const DefaultRetention = time.Second

// PlacementHandler carries the optional per-placement lifecycle callbacks.
type PlacementHandler struct {
	OnPresent func(info *paywall.PaywallInfo)
	OnDismiss func(info *paywall.PaywallInfo, result paywall.PaywallResult)
	OnSkip    func(reason string)
	OnError   func(err error)
}

// Handlers is one consumer's optional callback set for store-level events.
type Handlers struct {
	OnSubscriptionStatusChange func(status paywall.SubscriptionStatus)
}

// Snapshot is a copied view of store state, safe to retain.
type Snapshot struct {
	Configuration paywall.ConfigurationState
	Identity      paywall.UserIdentity
	Subscription  paywall.SubscriptionStatus
	Entitlements  []paywall.Entitlement
	Assignments   []paywall.Assignment
	Placements    map[string]paywall.PresentationRecord
}

// Option customizes store construction.
type Option func(*Store)

// WithRetention overrides how long dismissed placement records are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithSDKVersion overrides the version string reported to the engine during
// configure. The compat layer uses this to mark its traffic.
func WithSDKVersion(v string) Option {
	return func(s *Store) {
		if v != "" {
			s.sdkVersion = v
		}
	}
}

// Store is the reactive state store. Construct exactly one per application
// composition and pass it by reference; it holds no package-level state.
type Store struct {
	transport  bridge.Transport
	router     *events.Router
	log        *logger.Logger
	retention  time.Duration
	sdkVersion string

	mu           sync.RWMutex
	config       paywall.ConfigurationState
	identity     paywall.UserIdentity
	subscription paywall.SubscriptionStatus
	entitlements []paywall.Entitlement
	assignments  []paywall.Assignment
	placements   map[string]*paywall.PresentationRecord
	cleanups     map[string][]func()

	handlerSeq uint64
	handlers   map[uint64]Handlers
	watcherSeq uint64
	watchers   map[uint64]func()

	removeStatusListener func()
	closed               bool
}

// New constructs a store and installs its persistent subscription-status
// listener.
func New(transport bridge.Transport, router *events.Router, log *logger.Logger, opts ...Option) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("store")
	}
	s := &Store{
		transport:    transport,
		router:       router,
		log:          log,
		retention:    DefaultRetention,
		sdkVersion:   paywall.Version,
		subscription: paywall.UnknownStatus(),
		placements:   make(map[string]*paywall.PresentationRecord),
		cleanups:     make(map[string][]func()),
		handlers:     make(map[uint64]Handlers),
		watchers:     make(map[uint64]func()),
	}
	for _, opt := range opts {
		opt(s)
	}

	remove, err := router.On(events.SubscriptionStatusDidChange, "", s.onStatusChanged)
	if err != nil {
		return nil, fmt.Errorf("subscribe status changes: %w", err)
	}
	s.removeStatusListener = remove
	return s, nil
}

// Close removes every listener the store registered. In-flight calls are
// left to complete; their results are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	remove := s.removeStatusListener
	var all []func()
	for id, fns := range s.cleanups {
		all = append(all, fns...)
		delete(s.cleanups, id)
	}
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
	for _, fn := range all {
		fn()
	}
}

// =============================================================================
// Configure / identify / reset
// =============================================================================

// Configure performs the one-shot engine configure. A call while configured
// or configuring is a benign no-op. On transport failure the error is
// recorded in the configuration state and returned; the store never stays in
// the loading state after a failure.
func (s *Store) Configure(ctx context.Context, keys paywall.APIKeys, platform paywall.Platform, options *paywall.Options) error {
	s.mu.Lock()
	if s.config.IsConfigured || s.config.IsLoading {
		s.mu.Unlock()
		return nil
	}
	s.config.IsLoading = true
	s.config.Status = paywall.ConfigurationPending
	s.config.Err = ""
	s.mu.Unlock()
	s.notify()

	apiKey, err := keys.For(platform)
	if err != nil {
		s.failConfigure(err)
		return err
	}

	params := map[string]any{
		"apiKey":     apiKey,
		"platform":   string(platform),
		"sdkVersion": s.sdkVersion,
	}
	if options != nil {
		params["options"] = options
	}
	if _, err := s.transport.Call(ctx, bridge.MethodConfigure, params); err != nil {
		wrapped := fmt.Errorf("configure: %w", err)
		s.failConfigure(wrapped)
		return wrapped
	}

	s.fetchInitialState(ctx)

	s.mu.Lock()
	s.config = paywall.ConfigurationState{
		IsConfigured: true,
		Status:       paywall.ConfigurationConfigured,
	}
	s.mu.Unlock()
	s.notify()
	s.log.Info("store configured")
	return nil
}

func (s *Store) failConfigure(err error) {
	s.mu.Lock()
	s.config = paywall.ConfigurationState{
		Status: paywall.ConfigurationFailed,
		Err:    err.Error(),
	}
	s.mu.Unlock()
	s.notify()
}

// fetchInitialState pulls identity, subscription status, entitlements and
// assignments concurrently. Individual fetch failures are logged, not fatal;
// the affected slice stays at its zero value until refreshed.
func (s *Store) fetchInitialState(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := s.refreshIdentity(ctx); err != nil {
			s.log.WithError(err).Warn("initial identity fetch")
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.refreshSubscription(ctx); err != nil {
			s.log.WithError(err).Warn("initial subscription fetch")
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.refreshEntitlements(ctx); err != nil {
			s.log.WithError(err).Warn("initial entitlements fetch")
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := s.GetAssignments(ctx); err != nil {
			s.log.WithError(err).Warn("initial assignments fetch")
		}
	}()
	wg.Wait()
}

// Identify switches the engine to the given user. The local state refresh
// runs asynchronously; readers observe the new identity eventually, not on
// return.
func (s *Store) Identify(ctx context.Context, userID string, options map[string]any) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	params := map[string]any{"userId": userID}
	if options != nil {
		params["options"] = options
	}
	if _, err := s.transport.Call(ctx, bridge.MethodIdentify, params); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.refreshIdentity(refreshCtx); err != nil {
			s.log.WithError(err).Warn("post-identify identity refresh")
		}
		if err := s.refreshSubscription(refreshCtx); err != nil {
			s.log.WithError(err).Warn("post-identify subscription refresh")
		}
	}()
	return nil
}

// Reset clears the engine-side user and the local mirror.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if _, err := s.transport.Call(ctx, bridge.MethodReset, nil); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	s.mu.Lock()
	s.identity = paywall.UserIdentity{}
	s.subscription = paywall.UnknownStatus()
	s.entitlements = nil
	s.assignments = nil
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) requireConfigured() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.config.IsConfigured {
		return ErrNotConfigured
	}
	return nil
}

// =============================================================================
// State access
// =============================================================================

// State returns a copied snapshot of the store.
func (s *Store) State() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Configuration: s.config,
		Identity:      s.identity,
		Subscription:  s.subscription,
		Entitlements:  append([]paywall.Entitlement(nil), s.entitlements...),
		Assignments:   append([]paywall.Assignment(nil), s.assignments...),
		Placements:    make(map[string]paywall.PresentationRecord, len(s.placements)),
	}
	for id, rec := range s.placements {
		snap.Placements[id] = *rec
	}
	return snap
}

// Placement returns a copy of the presentation record for a handler id.
func (s *Store) Placement(handlerID string) (paywall.PresentationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.placements[handlerID]
	if !ok {
		return paywall.PresentationRecord{}, false
	}
	return *rec, true
}

// SubscriptionStatus returns the current subscription status.
func (s *Store) SubscriptionStatus() paywall.SubscriptionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscription
}

// Watch registers a change notification callback, invoked after every state
// mutation. The callback must not block.
func (s *Store) Watch(fn func()) (cancel func()) {
	s.mu.Lock()
	s.watcherSeq++
	id := s.watcherSeq
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// AddEventHandlers registers one consumer's callback set. Many consumers may
// be registered at once; each is invoked independently.
func (s *Store) AddEventHandlers(h Handlers) (remove func()) {
	s.mu.Lock()
	s.handlerSeq++
	id := s.handlerSeq
	s.handlers[id] = h
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.RLock()
	watchers := make([]func(), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.RUnlock()
	for _, fn := range watchers {
		fn()
	}
}

// =============================================================================
// Subscription status
// =============================================================================

// SetSubscriptionStatus pushes a status to the engine and applies it locally
// for immediate reads. The engine remains the source of truth; its pushed
// status-change event will overwrite this if they disagree.
func (s *Store) SetSubscriptionStatus(ctx context.Context, status paywall.SubscriptionStatus) error {
	if err := s.requireConfigured(); err != nil {
		return err
	}
	if _, err := s.transport.Call(ctx, bridge.MethodSetSubscriptionStatus, map[string]any{"status": status}); err != nil {
		return fmt.Errorf("set subscription status: %w", err)
	}
	s.applyStatus(status)
	return nil
}

func (s *Store) onStatusChanged(payload json.RawMessage) {
	var change events.StatusChangePayload
	if err := json.Unmarshal(payload, &change); err != nil {
		s.log.WithError(err).Warn("malformed status change payload")
		return
	}
	s.applyStatus(change.To)
}

func (s *Store) applyStatus(status paywall.SubscriptionStatus) {
	s.mu.Lock()
	s.subscription = status
	if status.Kind == paywall.SubscriptionActive {
		s.entitlements = append([]paywall.Entitlement(nil), status.Entitlements...)
	}
	fanout := make([]Handlers, 0, len(s.handlers))
	for _, h := range s.handlers {
		fanout = append(fanout, h)
	}
	s.mu.Unlock()

	for _, h := range fanout {
		if h.OnSubscriptionStatusChange != nil {
			h.OnSubscriptionStatusChange(status)
		}
	}
	s.notify()
}

func (s *Store) refreshSubscription(ctx context.Context) error {
	result, err := s.transport.Call(ctx, bridge.MethodGetSubscriptionStatus, nil)
	if err != nil {
		return err
	}
	var status paywall.SubscriptionStatus
	if err := json.Unmarshal(result, &status); err != nil {
		return fmt.Errorf("decode subscription status: %w", err)
	}
	s.mu.Lock()
	s.subscription = status
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) refreshIdentity(ctx context.Context) error {
	result, err := s.transport.Call(ctx, bridge.MethodGetUserAttributes, nil)
	if err != nil {
		return err
	}
	var identity paywall.UserIdentity
	if err := json.Unmarshal(result, &identity); err != nil {
		return fmt.Errorf("decode user attributes: %w", err)
	}
	s.mu.Lock()
	s.identity = identity // replaced wholesale, never merged
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Store) refreshEntitlements(ctx context.Context) error {
	result, err := s.transport.Call(ctx, bridge.MethodGetEntitlements, nil)
	if err != nil {
		return err
	}
	var entitlements []paywall.Entitlement
	if err := json.Unmarshal(result, &entitlements); err != nil {
		return fmt.Errorf("decode entitlements: %w", err)
	}
	s.mu.Lock()
	s.entitlements = entitlements
	s.mu.Unlock()
	s.notify()
	return nil
}
