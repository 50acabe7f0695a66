package compat

import (
	"encoding/json"

	"github.com/revcast/paywallkit/paywall"
)

// Delegate receives engine-side notifications the facade forwards. All
// methods are optional in spirit; embed BaseDelegate to implement only the
// ones you need. Callbacks arrive on the transport's event goroutine and
// must not block.
type Delegate interface {
	WillPresentPaywall(info *paywall.PaywallInfo)
	DidPresentPaywall(info *paywall.PaywallInfo)
	WillDismissPaywall(info *paywall.PaywallInfo)
	DidDismissPaywall(info *paywall.PaywallInfo)
	HandleCustomPaywallAction(name string)
	SubscriptionStatusDidChange(from, to paywall.SubscriptionStatus)
	HandleLog(level, scope, message string, info map[string]any, errMessage string)
	PaywallWillOpenURL(url string)
	PaywallWillOpenDeepLink(url string)
	WillRedeemLink()
	DidRedeemLink(result json.RawMessage)
	HandleEngineEvent(payload json.RawMessage)
}

// BaseDelegate is a no-op Delegate for embedding.
type BaseDelegate struct{}

func (BaseDelegate) WillPresentPaywall(*paywall.PaywallInfo)                     {}
func (BaseDelegate) DidPresentPaywall(*paywall.PaywallInfo)                      {}
func (BaseDelegate) WillDismissPaywall(*paywall.PaywallInfo)                     {}
func (BaseDelegate) DidDismissPaywall(*paywall.PaywallInfo)                      {}
func (BaseDelegate) HandleCustomPaywallAction(string)                            {}
func (BaseDelegate) SubscriptionStatusDidChange(_, _ paywall.SubscriptionStatus) {}
func (BaseDelegate) HandleLog(string, string, string, map[string]any, string)    {}
func (BaseDelegate) PaywallWillOpenURL(string)                                   {}
func (BaseDelegate) PaywallWillOpenDeepLink(string)                              {}
func (BaseDelegate) WillRedeemLink()                                             {}
func (BaseDelegate) DidRedeemLink(json.RawMessage)                               {}
func (BaseDelegate) HandleEngineEvent(json.RawMessage)                           {}
