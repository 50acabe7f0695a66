// Package compat is the legacy single-object surface. It wraps the store,
// event router and purchase bridge behind one Facade whose methods queue
// until configuration completes, mirroring how earlier SDK generations let
// callers invoke anything immediately after process start.
package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/events"
	"github.com/revcast/paywallkit/paywall"
	"github.com/revcast/paywallkit/pkg/logger"
	"github.com/revcast/paywallkit/purchases"
	"github.com/revcast/paywallkit/store"
)

// ConfigureRequest carries everything a legacy configure call supplies.
type ConfigureRequest struct {
	Keys       paywall.APIKeys
	Platform   paywall.Platform
	Options    *paywall.Options
	Controller purchases.Controller
	// Completion runs after the engine call settles, with its error if any.
	Completion func(err error)
}

// RegisterRequest carries a legacy register call.
type RegisterRequest struct {
	Placement string
	Params    map[string]any
	// Pairs is the older flattened form: alternating key, value. Merged
	// into Params; Params wins on collision.
	Pairs   []any
	Handler *store.PlacementHandler
	// Feature runs when the placement does not gate the user out. See the
	// TODO in Register about its timing.
	Feature func()
}

func (r RegisterRequest) params() map[string]any {
	if len(r.Pairs) == 0 {
		return r.Params
	}
	merged := make(map[string]any, len(r.Params)+len(r.Pairs)/2)
	for i := 0; i+1 < len(r.Pairs); i += 2 {
		key, ok := r.Pairs[i].(string)
		if !ok {
			continue
		}
		merged[key] = r.Pairs[i+1]
	}
	for k, v := range r.Params {
		merged[k] = v
	}
	return merged
}

// Facade is the all-in-one legacy entry point. Construct one per process
// composition; every method is safe for concurrent use.
type Facade struct {
	transport bridge.Transport
	router    *events.Router
	store     *store.Store
	purchases *purchases.DelegationBridge
	log       *logger.Logger

	configured *gate

	mu              sync.Mutex
	delegate        Delegate
	delegateRemoves []func()
}

// New builds the facade over a transport. Unlike the granular API, every
// delegate event stream is subscribed immediately so a delegate set later
// never misses events that a lazy subscription would have skipped.
func New(transport bridge.Transport, log *logger.Logger) (*Facade, error) {
	if log == nil {
		log = logger.NewDefault("compat")
	}
	router := events.NewRouter(transport, log.WithField("component", "router"))
	st, err := store.New(transport, router, log.WithField("component", "store"),
		store.WithSDKVersion(paywall.Version+"+compat"))
	if err != nil {
		return nil, fmt.Errorf("compat store: %w", err)
	}

	f := &Facade{
		transport:  transport,
		router:     router,
		store:      st,
		purchases:  purchases.NewDelegationBridge(transport, router, log.WithField("component", "purchases")),
		log:        log,
		configured: newGate(),
	}
	if err := f.subscribeDelegateEvents(); err != nil {
		st.Close()
		return nil, fmt.Errorf("compat delegate events: %w", err)
	}
	return f, nil
}

// Store exposes the underlying store for callers migrating off the facade.
func (f *Facade) Store() *store.Store { return f.store }

// Configure runs the one-shot engine configure. Calling again is a benign
// no-op except that a newly supplied controller replaces the mounted one,
// matching last-wins static assignment in the legacy API.
func (f *Facade) Configure(ctx context.Context, req ConfigureRequest) error {
	if req.Controller != nil {
		if f.purchases.Attached() {
			f.log.Debug("replacing purchase controller")
			if err := f.purchases.SetController(req.Controller, req.Platform); err != nil {
				return fmt.Errorf("swap controller: %w", err)
			}
		} else if err := f.purchases.Attach(req.Controller, req.Platform); err != nil {
			return fmt.Errorf("attach controller: %w", err)
		}
	}

	if f.configured.fired() {
		if req.Completion != nil {
			req.Completion(nil)
		}
		return nil
	}

	if req.Options == nil {
		req.Options = &paywall.Options{}
	}
	if req.Controller != nil {
		req.Options.ShouldObservePurchases = false
		req.Options.PurchaseManagement = paywall.PurchasesDelegated
	}

	err := f.store.Configure(ctx, req.Keys, req.Platform, req.Options)
	if req.Completion != nil {
		req.Completion(err)
	}
	if err != nil {
		return err
	}
	// A concurrent Configure returns nil while the winner is still in
	// flight; only the completed state opens the gate.
	if f.store.State().Configuration.IsConfigured {
		f.configured.fire()
	}
	return nil
}

// SetDelegate replaces the delegate; nil clears it. Event subscriptions stay
// installed either way.
func (f *Facade) SetDelegate(d Delegate) {
	f.mu.Lock()
	f.delegate = d
	f.mu.Unlock()
}

func (f *Facade) currentDelegate() Delegate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delegate
}

// Register evaluates a placement. The returned error reflects registration
// only; outcomes arrive through the handler.
//
// TODO: Feature fires as soon as registration is accepted. It should wait
// for the engine's gating verdict (paywall declined non-gated vs purchased)
// before running; needs a completion signal on the register call itself.
func (f *Facade) Register(ctx context.Context, req RegisterRequest) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}

	handlerID := ""
	if req.Handler != nil {
		handlerID = uuid.NewString()
	}
	if err := f.store.RegisterPlacement(ctx, req.Placement, req.params(), handlerID, req.Handler); err != nil {
		return err
	}
	if req.Feature != nil {
		req.Feature()
	}
	return nil
}

// =============================================================================
// Gated pass-throughs
// =============================================================================

func (f *Facade) Identify(ctx context.Context, userID string, options map[string]any) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.Identify(ctx, userID, options)
}

func (f *Facade) Reset(ctx context.Context) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.Reset(ctx)
}

func (f *Facade) SetUserAttributes(ctx context.Context, attributes map[string]any) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.SetUserAttributes(ctx, attributes)
}

func (f *Facade) GetUserAttributes(ctx context.Context) (paywall.UserIdentity, error) {
	if err := f.configured.wait(ctx); err != nil {
		return paywall.UserIdentity{}, err
	}
	return f.store.GetUserAttributes(ctx)
}

func (f *Facade) SubscriptionStatus(ctx context.Context) (paywall.SubscriptionStatus, error) {
	if err := f.configured.wait(ctx); err != nil {
		return paywall.UnknownStatus(), err
	}
	return f.store.SubscriptionStatus(), nil
}

func (f *Facade) SetSubscriptionStatus(ctx context.Context, status paywall.SubscriptionStatus) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.SetSubscriptionStatus(ctx, status)
}

func (f *Facade) GetEntitlements(ctx context.Context) ([]paywall.Entitlement, error) {
	if err := f.configured.wait(ctx); err != nil {
		return nil, err
	}
	return f.store.GetEntitlements(ctx)
}

func (f *Facade) GetAssignments(ctx context.Context) ([]paywall.Assignment, error) {
	if err := f.configured.wait(ctx); err != nil {
		return nil, err
	}
	return f.store.GetAssignments(ctx)
}

func (f *Facade) ConfirmAllAssignments(ctx context.Context) ([]paywall.Assignment, error) {
	if err := f.configured.wait(ctx); err != nil {
		return nil, err
	}
	return f.store.ConfirmAllAssignments(ctx)
}

func (f *Facade) GetPresentationResult(ctx context.Context, placement string, params map[string]any) (json.RawMessage, error) {
	if err := f.configured.wait(ctx); err != nil {
		return nil, err
	}
	return f.store.GetPresentationResult(ctx, placement, params)
}

func (f *Facade) PreloadPaywalls(ctx context.Context, placements []string) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.PreloadPaywalls(ctx, placements)
}

func (f *Facade) PreloadAllPaywalls(ctx context.Context) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.PreloadAllPaywalls(ctx)
}

func (f *Facade) Dismiss(ctx context.Context) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.Dismiss(ctx)
}

func (f *Facade) SetLogLevel(ctx context.Context, level string) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.SetLogLevel(ctx, level)
}

func (f *Facade) SetInterfaceStyle(ctx context.Context, style string) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.SetInterfaceStyle(ctx, style)
}

func (f *Facade) SetIntegrationAttributes(ctx context.Context, attributes map[string]string) error {
	if err := f.configured.wait(ctx); err != nil {
		return err
	}
	return f.store.SetIntegrationAttributes(ctx, attributes)
}

func (f *Facade) GetIntegrationAttributes(ctx context.Context) (map[string]string, error) {
	if err := f.configured.wait(ctx); err != nil {
		return nil, err
	}
	return f.store.GetIntegrationAttributes(ctx)
}

func (f *Facade) HandleDeepLink(ctx context.Context, rawURL string) (bool, error) {
	if err := f.configured.wait(ctx); err != nil {
		return false, err
	}
	return f.store.HandleDeepLink(ctx, rawURL)
}

// Close tears down the facade's subscriptions and the underlying store.
func (f *Facade) Close() {
	f.mu.Lock()
	removes := f.delegateRemoves
	f.delegateRemoves = nil
	f.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
	f.purchases.Detach()
	f.store.Close()
}

// =============================================================================
// Delegate event plumbing
// =============================================================================

func (f *Facade) subscribeDelegateEvents() error {
	decodeInfo := func(payload json.RawMessage) *paywall.PaywallInfo {
		var p events.PaywallEventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			f.log.WithError(err).Warn("malformed paywall event payload")
			return nil
		}
		return p.Info
	}
	decodeURL := func(payload json.RawMessage) string {
		var p events.URLPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			f.log.WithError(err).Warn("malformed url payload")
			return ""
		}
		return p.URL
	}

	type binding struct {
		name events.Name
		fn   events.Handler
	}
	bindings := []binding{
		{events.WillPresentPaywall, func(p json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.WillPresentPaywall(decodeInfo(p))
			}
		}},
		{events.DidPresentPaywall, func(p json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.DidPresentPaywall(decodeInfo(p))
			}
		}},
		{events.WillDismissPaywall, func(p json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.WillDismissPaywall(decodeInfo(p))
			}
		}},
		{events.DidDismissPaywall, func(p json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.DidDismissPaywall(decodeInfo(p))
			}
		}},
		{events.CustomPaywallAction, func(p json.RawMessage) {
			d := f.currentDelegate()
			if d == nil {
				return
			}
			var action struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(p, &action); err != nil {
				f.log.WithError(err).Warn("malformed custom action payload")
				return
			}
			d.HandleCustomPaywallAction(action.Name)
		}},
		{events.SubscriptionStatusDidChange, func(p json.RawMessage) {
			d := f.currentDelegate()
			if d == nil {
				return
			}
			var change events.StatusChangePayload
			if err := json.Unmarshal(p, &change); err != nil {
				f.log.WithError(err).Warn("malformed status change payload")
				return
			}
			from := paywall.UnknownStatus()
			if change.From != nil {
				from = *change.From
			}
			d.SubscriptionStatusDidChange(from, change.To)
		}},
		{events.LogEmitted, func(p json.RawMessage) {
			d := f.currentDelegate()
			if d == nil {
				return
			}
			var entry events.LogPayload
			if err := json.Unmarshal(p, &entry); err != nil {
				f.log.WithError(err).Warn("malformed log payload")
				return
			}
			d.HandleLog(entry.Level, entry.Scope, entry.Message, entry.Info, entry.Error)
		}},
		{events.PaywallWillOpenURL, func(p json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.PaywallWillOpenURL(decodeURL(p))
			}
		}},
		{events.PaywallWillOpenDeepLink, func(p json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.PaywallWillOpenDeepLink(decodeURL(p))
			}
		}},
		{events.WillRedeemLink, func(json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.WillRedeemLink()
			}
		}},
		{events.DidRedeemLink, func(p json.RawMessage) {
			d := f.currentDelegate()
			if d == nil {
				return
			}
			var redemption events.RedemptionPayload
			if err := json.Unmarshal(p, &redemption); err != nil {
				f.log.WithError(err).Warn("malformed redemption payload")
				return
			}
			d.DidRedeemLink(redemption.Result)
		}},
		{events.EngineEventOccurred, func(p json.RawMessage) {
			if d := f.currentDelegate(); d != nil {
				d.HandleEngineEvent(p)
			}
		}},
	}

	removes := make([]func(), 0, len(bindings))
	for _, b := range bindings {
		remove, err := f.router.On(b.name, "", b.fn)
		if err != nil {
			for _, r := range removes {
				r()
			}
			return err
		}
		removes = append(removes, remove)
	}

	f.mu.Lock()
	f.delegateRemoves = removes
	f.mu.Unlock()
	return nil
}
