package events

import (
	"encoding/json"

	"github.com/revcast/paywallkit/paywall"
)

// PaywallEventPayload is the payload shape for placement lifecycle events.
type PaywallEventPayload struct {
	HandlerID string                  `json:"handlerId"`
	Info      *paywall.PaywallInfo    `json:"paywallInfo,omitempty"`
	Result    *paywall.PaywallResult  `json:"result,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// PurchasePayload is the payload of an engine purchase request. The iOS shape
// carries only the product id; Android adds base-plan and offer ids. Fields
// pass through to the controller unmodified.
type PurchasePayload struct {
	Platform   string `json:"platform,omitempty"`
	ProductID  string `json:"productId"`
	BasePlanID string `json:"basePlanId,omitempty"`
	OfferID    string `json:"offerId,omitempty"`
}

// StatusChangePayload is the payload of subscriptionStatusDidChange.
type StatusChangePayload struct {
	From *paywall.SubscriptionStatus `json:"from,omitempty"`
	To   paywall.SubscriptionStatus  `json:"to"`
}

// LogPayload is the payload of handleLog.
type LogPayload struct {
	Level   string         `json:"level"`
	Scope   string         `json:"scope"`
	Message string         `json:"message"`
	Info    map[string]any `json:"info,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// URLPayload is the payload of deep-link and URL-open events.
type URLPayload struct {
	URL string `json:"url"`
}

// RedemptionPayload is the payload of link redemption events. The result is
// kept raw; the compat delegate forwards it verbatim.
type RedemptionPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
}
