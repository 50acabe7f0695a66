// Package events demultiplexes the bridge's pushed event stream. The Router
// fans each named event out to independently registered listeners, optionally
// filtered by the handler id embedded in the payload.
package events

// Name identifies a pushed engine event.
type Name string

// Placement lifecycle events, correlated by handler id.
const (
	OnPaywallPresent Name = "onPaywallPresent"
	OnPaywallDismiss Name = "onPaywallDismiss"
	OnPaywallError   Name = "onPaywallError"
	OnPaywallSkip    Name = "onPaywallSkip"
)

// Purchase delegation requests from the engine.
const (
	OnPurchase        Name = "onPurchase"
	OnPurchaseRestore Name = "onPurchaseRestore"
)

// Subscription state pushes.
const (
	SubscriptionStatusDidChange Name = "subscriptionStatusDidChange"
)

// Delegate notification events.
const (
	EngineEventOccurred     Name = "handleEngineEvent"
	CustomPaywallAction     Name = "handleCustomPaywallAction"
	LogEmitted              Name = "handleLog"
	WillPresentPaywall      Name = "willPresentPaywall"
	DidPresentPaywall       Name = "didPresentPaywall"
	WillDismissPaywall      Name = "willDismissPaywall"
	DidDismissPaywall       Name = "didDismissPaywall"
	PaywallWillOpenDeepLink Name = "paywallWillOpenDeepLink"
	PaywallWillOpenURL      Name = "paywallWillOpenURL"
	WillRedeemLink          Name = "willRedeemLink"
	DidRedeemLink           Name = "didRedeemLink"
)
