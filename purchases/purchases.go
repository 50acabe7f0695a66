// Package purchases bridges engine-initiated purchase requests to an
// application-supplied purchase controller. Its one hard guarantee: every
// request the engine sends gets exactly one completion call back, no matter
// how the controller fails.
package purchases

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

var (
	// ErrAlreadyAttached is returned when a second controller is attached
	// without detaching the first.
	ErrAlreadyAttached = errors.New("purchases: controller already attached")
	// ErrNoController marks a purchase request arriving with no controller
	// mounted. Should not happen while attached; kept as the failure message
	// sent back to the engine if it does.
	ErrNoController = errors.New("purchases: no controller attached")
)

// controllerTimeout bounds how long a controller may run before the bridge
// reports failure on its behalf.
const controllerTimeout = 5 * time.Minute

// Controller is the application-side purchase implementation. Implementations
// may block; each request runs on its own goroutine.
type Controller interface {
	PurchaseFromAppStore(ctx context.Context, productID string) (paywall.PurchaseResult, error)
	PurchaseFromGooglePlay(ctx context.Context, productID, basePlanID, offerID string) (paywall.PurchaseResult, error)
	RestorePurchases(ctx context.Context) (paywall.RestorationResult, error)
}

// DelegationBridge wires the engine's onPurchase / onPurchaseRestore events
// to a Controller and reports each outcome back over the transport.
type DelegationBridge struct {
	transport bridge.Transport
	router    *events.Router
	log       *logger.Logger

	mu         sync.Mutex
	controller Controller
	platform   paywall.Platform
	removes    []func()
}

// NewDelegationBridge creates an unattached bridge.
func NewDelegationBridge(transport bridge.Transport, router *events.Router, log *logger.Logger) *DelegationBridge {
	if log == nil {
		log = logger.NewDefault("purchases")
	}
	return &DelegationBridge{
		transport: transport,
		router:    router,
		log:       log,
	}
}

// Attach mounts the controller and starts listening for purchase requests.
// Only one controller may be attached at a time.
func (b *DelegationBridge) Attach(controller Controller, platform paywall.Platform) error {
	if controller == nil {
		return errors.New("purchases: nil controller")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.controller != nil {
		return ErrAlreadyAttached
	}

	removePurchase, err := b.router.On(events.OnPurchase, "", b.onPurchase)
	if err != nil {
		return fmt.Errorf("listen purchases: %w", err)
	}
	removeRestore, err := b.router.On(events.OnPurchaseRestore, "", b.onRestore)
	if err != nil {
		removePurchase()
		return fmt.Errorf("listen restores: %w", err)
	}

	b.controller = controller
	b.platform = platform
	b.removes = []func(){removePurchase, removeRestore}
	return nil
}

// SetController swaps the mounted controller in place, keeping the existing
// listeners. The platform always updates so a reconfigure that switches
// platform routes subsequent purchases through the right controller method.
// A nil controller keeps the current one. Attaching through Attach first is
// required.
func (b *DelegationBridge) SetController(controller Controller, platform paywall.Platform) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.controller == nil {
		return ErrNoController
	}
	if controller != nil {
		b.controller = controller
	}
	b.platform = platform
	return nil
}

// Detach unmounts the controller and withdraws the listeners. In-flight
// requests complete against the controller they started with.
func (b *DelegationBridge) Detach() {
	b.mu.Lock()
	removes := b.removes
	b.removes = nil
	b.controller = nil
	b.mu.Unlock()
	for _, remove := range removes {
		remove()
	}
}

// Attached reports whether a controller is mounted.
func (b *DelegationBridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.controller != nil
}

func (b *DelegationBridge) onPurchase(payload json.RawMessage) {
	var req events.PurchasePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		b.log.WithError(err).Error("malformed purchase request")
		return
	}

	b.mu.Lock()
	controller := b.controller
	platform := b.platform
	b.mu.Unlock()

	go func() {
		result := b.runPurchase(controller, platform, req)
		b.reportPurchase(result)
	}()
}

// runPurchase executes the controller call under panic isolation. A panic or
// returned error becomes a failed result so the engine's paywall never hangs
// waiting on a completion that will not come.
func (b *DelegationBridge) runPurchase(controller Controller, platform paywall.Platform, req events.PurchasePayload) (result paywall.PurchaseResult) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.WithField("panic", rec).Error("purchase controller panicked")
			result = paywall.PurchaseFailedResult(fmt.Errorf("purchase controller panic: %v", rec))
		}
	}()

	if controller == nil {
		return paywall.PurchaseFailedResult(ErrNoController)
	}

	ctx, cancel := context.WithTimeout(context.Background(), controllerTimeout)
	defer cancel()

	var err error
	if platform == paywall.PlatformAndroid {
		result, err = controller.PurchaseFromGooglePlay(ctx, req.ProductID, req.BasePlanID, req.OfferID)
	} else {
		result, err = controller.PurchaseFromAppStore(ctx, req.ProductID)
	}
	if err != nil {
		return paywall.PurchaseFailedResult(err)
	}
	return result
}

func (b *DelegationBridge) reportPurchase(result paywall.PurchaseResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.transport.Call(ctx, bridge.MethodDidPurchase, map[string]any{"result": result}); err != nil {
		b.log.WithError(err).Error("report purchase result")
	}
}

func (b *DelegationBridge) onRestore(payload json.RawMessage) {
	b.mu.Lock()
	controller := b.controller
	b.mu.Unlock()

	go func() {
		result := b.runRestore(controller)
		b.reportRestore(result)
	}()
}

func (b *DelegationBridge) runRestore(controller Controller) (result paywall.RestorationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			b.log.WithField("panic", rec).Error("restore controller panicked")
			result = paywall.RestorationFailedResult(fmt.Errorf("restore controller panic: %v", rec))
		}
	}()

	if controller == nil {
		return paywall.RestorationFailedResult(ErrNoController)
	}

	ctx, cancel := context.WithTimeout(context.Background(), controllerTimeout)
	defer cancel()

	result, err := controller.RestorePurchases(ctx)
	if err != nil {
		return paywall.RestorationFailedResult(err)
	}
	return result
}

func (b *DelegationBridge) reportRestore(result paywall.RestorationResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.transport.Call(ctx, bridge.MethodDidRestore, map[string]any{"result": result}); err != nil {
		b.log.WithError(err).Error("report restore result")
	}
}
