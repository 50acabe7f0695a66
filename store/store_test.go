package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/events"
	"github.com/revcast/paywallkit/paywall"
	"github.com/revcast/paywallkit/pkg/logger"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *bridge.MockTransport) {
	t.Helper()
	mock := bridge.NewMockTransport()
	mock.Handle(bridge.MethodGetUserAttributes, func(json.RawMessage) (any, error) {
		return paywall.UserIdentity{AppUserID: "user-1"}, nil
	})
	mock.Handle(bridge.MethodGetSubscriptionStatus, func(json.RawMessage) (any, error) {
		return paywall.InactiveStatus(), nil
	})
	mock.Handle(bridge.MethodGetEntitlements, func(json.RawMessage) (any, error) {
		return []paywall.Entitlement{}, nil
	})
	mock.Handle(bridge.MethodGetAssignments, func(json.RawMessage) (any, error) {
		return []paywall.Assignment{}, nil
	})

	log := logger.NewDefault("store-test")
	log.SetOutput(io.Discard)
	router := events.NewRouter(mock, log)
	s, err := New(mock, router, log, opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	return s, mock
}

func configure(t *testing.T, s *Store) {
	t.Helper()
	keys := paywall.APIKeys{IOS: "pk_ios", Android: "pk_android"}
	if err := s.Configure(context.Background(), keys, paywall.PlatformIOS, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
}

func TestStore_ConfigureOnce(t *testing.T) {
	s, mock := newTestStore(t)

	keys := paywall.APIKeys{IOS: "pk_ios"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Configure(context.Background(), keys, paywall.PlatformIOS, nil); err != nil {
				t.Errorf("configure: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := mock.CallCount(bridge.MethodConfigure); n != 1 {
		t.Fatalf("expected exactly 1 configure call, got %d", n)
	}
	snap := s.State()
	if !snap.Configuration.IsConfigured || snap.Configuration.IsLoading {
		t.Fatalf("unexpected configuration state: %+v", snap.Configuration)
	}
	if snap.Identity.AppUserID != "user-1" {
		t.Fatalf("identity not fetched after configure: %+v", snap.Identity)
	}
}

func TestStore_ConfigureFailureLeavesRetryableState(t *testing.T) {
	s, mock := newTestStore(t)

	fail := true
	mock.Handle(bridge.MethodConfigure, func(json.RawMessage) (any, error) {
		if fail {
			return nil, errors.New("invalid api key")
		}
		return nil, nil
	})

	keys := paywall.APIKeys{IOS: "pk_ios"}
	if err := s.Configure(context.Background(), keys, paywall.PlatformIOS, nil); err == nil {
		t.Fatalf("expected configure error")
	}
	snap := s.State()
	if snap.Configuration.IsLoading || snap.Configuration.IsConfigured {
		t.Fatalf("failure must clear loading: %+v", snap.Configuration)
	}
	if snap.Configuration.Status != paywall.ConfigurationFailed || snap.Configuration.Err == "" {
		t.Fatalf("failure not recorded: %+v", snap.Configuration)
	}

	fail = false
	if err := s.Configure(context.Background(), keys, paywall.PlatformIOS, nil); err != nil {
		t.Fatalf("retry configure: %v", err)
	}
	if !s.State().Configuration.IsConfigured {
		t.Fatalf("retry did not configure")
	}
}

func TestStore_ConfigureMissingPlatformKey(t *testing.T) {
	s, mock := newTestStore(t)

	keys := paywall.APIKeys{IOS: "pk_ios"}
	if err := s.Configure(context.Background(), keys, paywall.PlatformAndroid, nil); err == nil {
		t.Fatalf("expected missing key error")
	}
	if n := mock.CallCount(bridge.MethodConfigure); n != 0 {
		t.Fatalf("configure reached the engine without a key: %d calls", n)
	}
}

func TestStore_OperationsRequireConfigure(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Identify(context.Background(), "user-2", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("identify: expected ErrNotConfigured, got %v", err)
	}
	if err := s.RegisterPlacement(context.Background(), "campaign_trigger", nil, "", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("register: expected ErrNotConfigured, got %v", err)
	}
	if err := s.SetSubscriptionStatus(context.Background(), paywall.InactiveStatus()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("set status: expected ErrNotConfigured, got %v", err)
	}
}

func TestStore_PlacementLifecycle(t *testing.T) {
	s, mock := newTestStore(t, WithRetention(20*time.Millisecond))
	configure(t, s)

	var presented *paywall.PaywallInfo
	var dismissedResult paywall.PaywallResult
	handler := &PlacementHandler{
		OnPresent: func(info *paywall.PaywallInfo) { presented = info },
		OnDismiss: func(_ *paywall.PaywallInfo, result paywall.PaywallResult) { dismissedResult = result },
	}

	if err := s.RegisterPlacement(context.Background(), "campaign_trigger", map[string]any{"source": "test"}, "h1", handler); err != nil {
		t.Fatalf("register placement: %v", err)
	}

	rec, ok := s.Placement("h1")
	if !ok || rec.State != paywall.StateLoading {
		t.Fatalf("expected loading record, got %+v (ok=%v)", rec, ok)
	}

	mock.Emit(string(events.OnPaywallPresent), events.PaywallEventPayload{
		HandlerID: "h1",
		Info:      &paywall.PaywallInfo{Identifier: "pw_1", Name: "Launch Offer"},
	})
	rec, _ = s.Placement("h1")
	if rec.State != paywall.StatePresented || presented == nil || presented.Identifier != "pw_1" {
		t.Fatalf("present not applied: %+v", rec)
	}

	mock.Emit(string(events.OnPaywallDismiss), events.PaywallEventPayload{
		HandlerID: "h1",
		Result:    &paywall.PaywallResult{Type: paywall.ResultPurchased, ProductID: "pro_monthly"},
	})
	rec, _ = s.Placement("h1")
	if rec.State != paywall.StateDismissed || dismissedResult.ProductID != "pro_monthly" {
		t.Fatalf("dismiss not applied: %+v", rec)
	}

	// Dismissed records are readable briefly, then dropped with their
	// listeners.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.Placement("h1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dismissed record not retired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mock.Listening(string(events.OnPaywallPresent)) {
		t.Fatalf("placement listeners leaked after retention")
	}
}

func TestStore_PlacementRejection(t *testing.T) {
	s, mock := newTestStore(t)
	configure(t, s)

	mock.Handle(bridge.MethodRegisterPlacement, func(json.RawMessage) (any, error) {
		return nil, errors.New("unknown placement")
	})

	var gotErr error
	handler := &PlacementHandler{OnError: func(err error) { gotErr = err }}
	err := s.RegisterPlacement(context.Background(), "nope", nil, "h2", handler)
	if err == nil {
		t.Fatalf("expected rejection error")
	}
	_ = gotErr // engine rejection surfaces through the return, not the callback

	rec, ok := s.Placement("h2")
	if !ok || rec.State != paywall.StateErrored || rec.Err == "" {
		t.Fatalf("rejection not recorded: %+v (ok=%v)", rec, ok)
	}
	if mock.Listening(string(events.OnPaywallDismiss)) {
		t.Fatalf("rejected placement left listeners behind")
	}
}

func TestStore_SkipAndErrorOutcomes(t *testing.T) {
	s, mock := newTestStore(t)
	configure(t, s)

	var skipReason string
	if err := s.RegisterPlacement(context.Background(), "holdout_trigger", nil, "h3", &PlacementHandler{
		OnSkip: func(reason string) { skipReason = reason },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mock.Emit(string(events.OnPaywallSkip), events.PaywallEventPayload{HandlerID: "h3", Reason: "Holdout"})
	rec, _ := s.Placement("h3")
	if rec.State != paywall.StateSkipped || skipReason != "Holdout" {
		t.Fatalf("skip not applied: %+v (reason %q)", rec, skipReason)
	}

	var gotErr error
	if err := s.RegisterPlacement(context.Background(), "broken_trigger", nil, "h4", &PlacementHandler{
		OnError: func(err error) { gotErr = err },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mock.Emit(string(events.OnPaywallError), events.PaywallEventPayload{HandlerID: "h4", Error: "no paywall configured"})
	rec, _ = s.Placement("h4")
	if rec.State != paywall.StateErrored || gotErr == nil {
		t.Fatalf("error not applied: %+v (err %v)", rec, gotErr)
	}
}

func TestStore_NilHandlerStillTracksLifecycle(t *testing.T) {
	s, mock := newTestStore(t, WithRetention(20*time.Millisecond))
	configure(t, s)

	if err := s.RegisterPlacement(context.Background(), "campaign_trigger", nil, "h5", nil); err != nil {
		t.Fatalf("register placement: %v", err)
	}

	mock.Emit(string(events.OnPaywallPresent), events.PaywallEventPayload{
		HandlerID: "h5",
		Info:      &paywall.PaywallInfo{Identifier: "pw_1"},
	})
	rec, ok := s.Placement("h5")
	if !ok || rec.State != paywall.StatePresented {
		t.Fatalf("present not tracked without callbacks: %+v (ok=%v)", rec, ok)
	}

	mock.Emit(string(events.OnPaywallDismiss), events.PaywallEventPayload{HandlerID: "h5"})
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := s.Placement("h5"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fire-and-forget record not retired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mock.Listening(string(events.OnPaywallDismiss)) {
		t.Fatalf("fire-and-forget listeners leaked after retention")
	}
}

func TestStore_TerminalRecordsRetired(t *testing.T) {
	s, mock := newTestStore(t, WithRetention(20*time.Millisecond))
	configure(t, s)

	if err := s.RegisterPlacement(context.Background(), "holdout_trigger", nil, "h6", &PlacementHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mock.Emit(string(events.OnPaywallSkip), events.PaywallEventPayload{HandlerID: "h6", Reason: "Holdout"})

	if err := s.RegisterPlacement(context.Background(), "broken_trigger", nil, "h7", &PlacementHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mock.Emit(string(events.OnPaywallError), events.PaywallEventPayload{HandlerID: "h7", Error: "no paywall configured"})

	// Skipped and errored records are retired like dismissed ones; they must
	// not pin their router listeners forever.
	deadline := time.Now().Add(time.Second)
	for {
		_, okSkip := s.Placement("h6")
		_, okErr := s.Placement("h7")
		if !okSkip && !okErr {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("terminal records not retired (skip=%v err=%v)", okSkip, okErr)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mock.Listening(string(events.OnPaywallSkip)) || mock.Listening(string(events.OnPaywallError)) {
		t.Fatalf("terminal placements leaked listeners")
	}
}

func TestStore_StatusChangeFanOut(t *testing.T) {
	s, mock := newTestStore(t)
	configure(t, s)

	var got []paywall.SubscriptionStatus
	remove := s.AddEventHandlers(Handlers{
		OnSubscriptionStatusChange: func(status paywall.SubscriptionStatus) {
			got = append(got, status)
		},
	})

	active := paywall.ActiveStatus(paywall.Entitlement{ID: "pro"})
	mock.Emit(string(events.SubscriptionStatusDidChange), events.StatusChangePayload{To: active})

	if len(got) != 1 || got[0].Kind != paywall.SubscriptionActive {
		t.Fatalf("status change not fanned out: %+v", got)
	}
	snap := s.State()
	if snap.Subscription.Kind != paywall.SubscriptionActive {
		t.Fatalf("status not applied: %+v", snap.Subscription)
	}
	if len(snap.Entitlements) != 1 || snap.Entitlements[0].ID != "pro" {
		t.Fatalf("entitlements not synced from active status: %+v", snap.Entitlements)
	}

	remove()
	mock.Emit(string(events.SubscriptionStatusDidChange), events.StatusChangePayload{To: paywall.InactiveStatus()})
	if len(got) != 1 {
		t.Fatalf("removed handler still invoked")
	}
}

func TestStore_SetSubscriptionStatusAppliesLocally(t *testing.T) {
	s, mock := newTestStore(t)
	configure(t, s)

	active := paywall.ActiveStatus(paywall.Entitlement{ID: "plus"})
	if err := s.SetSubscriptionStatus(context.Background(), active); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if n := mock.CallCount(bridge.MethodSetSubscriptionStatus); n != 1 {
		t.Fatalf("expected 1 engine call, got %d", n)
	}
	if s.SubscriptionStatus().Kind != paywall.SubscriptionActive {
		t.Fatalf("status not applied locally")
	}
}

func TestStore_ResetClearsLocalState(t *testing.T) {
	s, mock := newTestStore(t)
	configure(t, s)

	mock.Emit(string(events.SubscriptionStatusDidChange), events.StatusChangePayload{
		To: paywall.ActiveStatus(paywall.Entitlement{ID: "pro"}),
	})
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := s.State()
	if snap.Subscription.Kind != paywall.SubscriptionUnknown {
		t.Fatalf("subscription survived reset: %+v", snap.Subscription)
	}
	if snap.Identity.AppUserID != "" || len(snap.Entitlements) != 0 {
		t.Fatalf("identity or entitlements survived reset: %+v", snap)
	}
}

func TestStore_IdentifyRefreshesEventually(t *testing.T) {
	s, mock := newTestStore(t)
	configure(t, s)

	mock.Handle(bridge.MethodGetUserAttributes, func(json.RawMessage) (any, error) {
		return paywall.UserIdentity{AppUserID: "user-2"}, nil
	})
	if err := s.Identify(context.Background(), "user-2", nil); err != nil {
		t.Fatalf("identify: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.State().Identity.AppUserID != "user-2" {
		if time.Now().After(deadline) {
			t.Fatalf("identity never refreshed: %+v", s.State().Identity)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStore_WatchNotifies(t *testing.T) {
	s, mock := newTestStore(t)

	var mu sync.Mutex
	changes := 0
	cancel := s.Watch(func() {
		mu.Lock()
		changes++
		mu.Unlock()
	})
	defer cancel()

	configure(t, s)
	mock.Emit(string(events.SubscriptionStatusDidChange), events.StatusChangePayload{To: paywall.InactiveStatus()})

	mu.Lock()
	defer mu.Unlock()
	if changes == 0 {
		t.Fatalf("watcher never notified")
	}
}
