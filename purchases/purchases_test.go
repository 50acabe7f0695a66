package purchases

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/events"
	"github.com/revcast/paywallkit/paywall"
	"github.com/revcast/paywallkit/pkg/logger"
)

type scriptedController struct {
	appStore   func(ctx context.Context, productID string) (paywall.PurchaseResult, error)
	googlePlay func(ctx context.Context, productID, basePlanID, offerID string) (paywall.PurchaseResult, error)
	restore    func(ctx context.Context) (paywall.RestorationResult, error)
}

func (c *scriptedController) PurchaseFromAppStore(ctx context.Context, productID string) (paywall.PurchaseResult, error) {
	if c.appStore == nil {
		return paywall.Purchased(), nil
	}
	return c.appStore(ctx, productID)
}

func (c *scriptedController) PurchaseFromGooglePlay(ctx context.Context, productID, basePlanID, offerID string) (paywall.PurchaseResult, error) {
	if c.googlePlay == nil {
		return paywall.Purchased(), nil
	}
	return c.googlePlay(ctx, productID, basePlanID, offerID)
}

func (c *scriptedController) RestorePurchases(ctx context.Context) (paywall.RestorationResult, error) {
	if c.restore == nil {
		return paywall.Restored(), nil
	}
	return c.restore(ctx)
}

func newTestBridge(t *testing.T) (*DelegationBridge, *bridge.MockTransport) {
	t.Helper()
	mock := bridge.NewMockTransport()
	log := logger.NewDefault("purchases-test")
	log.SetOutput(io.Discard)
	router := events.NewRouter(mock, log)
	return NewDelegationBridge(mock, router, log), mock
}

// awaitCall polls for a report to land; controller calls run on their own
// goroutines.
func awaitCall(t *testing.T, mock *bridge.MockTransport, method string) bridge.MockCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, c := range mock.Calls() {
			if c.Method == method {
				return c
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s call recorded", method)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDelegationBridge_PurchaseSuccess(t *testing.T) {
	b, mock := newTestBridge(t)

	var gotProduct string
	ctrl := &scriptedController{
		appStore: func(_ context.Context, productID string) (paywall.PurchaseResult, error) {
			gotProduct = productID
			return paywall.Purchased(), nil
		},
	}
	if err := b.Attach(ctrl, paywall.PlatformIOS); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.Detach()

	mock.Emit(string(events.OnPurchase), events.PurchasePayload{ProductID: "pro_monthly"})

	call := awaitCall(t, mock, bridge.MethodDidPurchase)
	if gotProduct != "pro_monthly" {
		t.Fatalf("controller got product %q", gotProduct)
	}
	if typ := gjson.GetBytes(call.Params, "result.type").String(); typ != "purchased" {
		t.Fatalf("reported type %q, want purchased", typ)
	}
}

func TestDelegationBridge_GooglePlayFields(t *testing.T) {
	b, mock := newTestBridge(t)

	var gotBasePlan, gotOffer string
	ctrl := &scriptedController{
		googlePlay: func(_ context.Context, _, basePlanID, offerID string) (paywall.PurchaseResult, error) {
			gotBasePlan, gotOffer = basePlanID, offerID
			return paywall.Purchased(), nil
		},
	}
	if err := b.Attach(ctrl, paywall.PlatformAndroid); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.Detach()

	mock.Emit(string(events.OnPurchase), events.PurchasePayload{
		ProductID:  "pro_annual",
		BasePlanID: "annual",
		OfferID:    "intro",
	})
	awaitCall(t, mock, bridge.MethodDidPurchase)
	if gotBasePlan != "annual" || gotOffer != "intro" {
		t.Fatalf("android fields dropped: basePlan=%q offer=%q", gotBasePlan, gotOffer)
	}
}

func TestDelegationBridge_ControllerErrorStillResolves(t *testing.T) {
	b, mock := newTestBridge(t)

	ctrl := &scriptedController{
		appStore: func(context.Context, string) (paywall.PurchaseResult, error) {
			return paywall.PurchaseResult{}, errors.New("store unavailable")
		},
	}
	if err := b.Attach(ctrl, paywall.PlatformIOS); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.Detach()

	mock.Emit(string(events.OnPurchase), events.PurchasePayload{ProductID: "pro_monthly"})

	call := awaitCall(t, mock, bridge.MethodDidPurchase)
	result := gjson.GetBytes(call.Params, "result")
	if result.Get("type").String() != "failed" {
		t.Fatalf("error must report failed, got %s", result.Raw)
	}
	if result.Get("error").String() != "store unavailable" {
		t.Fatalf("error message dropped: %s", result.Raw)
	}
}

func TestDelegationBridge_ControllerPanicStillResolves(t *testing.T) {
	b, mock := newTestBridge(t)

	ctrl := &scriptedController{
		appStore: func(context.Context, string) (paywall.PurchaseResult, error) {
			panic("controller bug")
		},
		restore: func(context.Context) (paywall.RestorationResult, error) {
			panic("controller bug")
		},
	}
	if err := b.Attach(ctrl, paywall.PlatformIOS); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.Detach()

	mock.Emit(string(events.OnPurchase), events.PurchasePayload{ProductID: "pro_monthly"})
	call := awaitCall(t, mock, bridge.MethodDidPurchase)
	if typ := gjson.GetBytes(call.Params, "result.type").String(); typ != "failed" {
		t.Fatalf("panic must report failed, got %q", typ)
	}

	mock.Emit(string(events.OnPurchaseRestore), map[string]any{})
	call = awaitCall(t, mock, bridge.MethodDidRestore)
	if typ := gjson.GetBytes(call.Params, "result.type").String(); typ != "failed" {
		t.Fatalf("restore panic must report failed, got %q", typ)
	}
}

func TestDelegationBridge_UnspecifiedResultReportsPurchased(t *testing.T) {
	b, mock := newTestBridge(t)

	ctrl := &scriptedController{
		appStore: func(context.Context, string) (paywall.PurchaseResult, error) {
			return paywall.PurchaseResult{}, nil // controller forgot to set a kind
		},
	}
	if err := b.Attach(ctrl, paywall.PlatformIOS); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.Detach()

	mock.Emit(string(events.OnPurchase), events.PurchasePayload{ProductID: "pro_monthly"})
	call := awaitCall(t, mock, bridge.MethodDidPurchase)
	if typ := gjson.GetBytes(call.Params, "result.type").String(); typ != "purchased" {
		t.Fatalf("zero-value result reported as %q, want purchased", typ)
	}
}

func TestDelegationBridge_AttachLifecycle(t *testing.T) {
	b, mock := newTestBridge(t)

	ctrl := &scriptedController{}
	if err := b.Attach(ctrl, paywall.PlatformIOS); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := b.Attach(ctrl, paywall.PlatformIOS); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("double attach: got %v", err)
	}
	if !mock.Listening(string(events.OnPurchase)) || !mock.Listening(string(events.OnPurchaseRestore)) {
		t.Fatalf("listeners not installed")
	}

	b.Detach()
	if b.Attached() {
		t.Fatalf("still attached after detach")
	}
	if mock.Listening(string(events.OnPurchase)) || mock.Listening(string(events.OnPurchaseRestore)) {
		t.Fatalf("listeners leaked after detach")
	}

	if err := b.Attach(ctrl, paywall.PlatformIOS); err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	b.Detach()
}

func TestDelegationBridge_ControllerSwapUpdatesPlatform(t *testing.T) {
	b, mock := newTestBridge(t)

	if err := b.Attach(&scriptedController{}, paywall.PlatformIOS); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.Detach()

	googlePlayCalled := false
	swapped := &scriptedController{
		googlePlay: func(context.Context, string, string, string) (paywall.PurchaseResult, error) {
			googlePlayCalled = true
			return paywall.Purchased(), nil
		},
	}
	if err := b.SetController(swapped, paywall.PlatformAndroid); err != nil {
		t.Fatalf("swap controller: %v", err)
	}

	mock.Emit(string(events.OnPurchase), events.PurchasePayload{ProductID: "pro_annual"})
	awaitCall(t, mock, bridge.MethodDidPurchase)
	if !googlePlayCalled {
		t.Fatalf("swap kept the old platform; purchase routed to the app store method")
	}
}

func TestDelegationBridge_RestoreSuccess(t *testing.T) {
	b, mock := newTestBridge(t)

	if err := b.Attach(&scriptedController{}, paywall.PlatformIOS); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer b.Detach()

	mock.Emit(string(events.OnPurchaseRestore), json.RawMessage(`{}`))
	call := awaitCall(t, mock, bridge.MethodDidRestore)
	if typ := gjson.GetBytes(call.Params, "result.type").String(); typ != "restored" {
		t.Fatalf("reported type %q, want restored", typ)
	}
}
