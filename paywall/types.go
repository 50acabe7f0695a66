package paywall

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the SDK version reported to the engine during configure.
const Version = "1.0.0"

// =============================================================================
// Configuration
// =============================================================================

// ConfigurationStatus tracks the one-shot configure lifecycle.
type ConfigurationStatus int

const (
	ConfigurationPending ConfigurationStatus = iota
	ConfigurationConfigured
	ConfigurationFailed
)

func (s ConfigurationStatus) String() string {
	switch s {
	case ConfigurationPending:
		return "pending"
	case ConfigurationConfigured:
		return "configured"
	case ConfigurationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConfigurationState is the store's view of the configure lifecycle.
// Status transitions to configured or failed exactly once per process.
type ConfigurationState struct {
	IsConfigured bool
	IsLoading    bool
	Status       ConfigurationStatus
	Err          string
}

// =============================================================================
// User identity
// =============================================================================

// UserIdentity mirrors the engine's view of the current user. It is replaced
// wholesale after identify, reset or attribute updates; the SDK never merges
// local edits into it.
type UserIdentity struct {
	AppUserID              string         `json:"appUserId"`
	AliasID                string         `json:"aliasId"`
	ApplicationInstalledAt string         `json:"applicationInstalledAt"`
	Seed                   int            `json:"seed"`
	Attributes             map[string]any `json:"attributes"`
}

// =============================================================================
// Subscription status
// =============================================================================

// SubscriptionKind discriminates the subscription status union.
type SubscriptionKind int

const (
	SubscriptionUnknown SubscriptionKind = iota
	SubscriptionInactive
	SubscriptionActive
)

func (k SubscriptionKind) String() string {
	switch k {
	case SubscriptionActive:
		return "ACTIVE"
	case SubscriptionInactive:
		return "INACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Entitlement is a granted capability or subscription tier.
type Entitlement struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// SubscriptionStatus is a tagged union: exactly one of active, inactive or
// unknown. Active always carries an entitlement set, possibly empty.
type SubscriptionStatus struct {
	Kind         SubscriptionKind
	Entitlements []Entitlement
}

// ActiveStatus builds an active status carrying the given entitlements.
func ActiveStatus(entitlements ...Entitlement) SubscriptionStatus {
	if entitlements == nil {
		entitlements = []Entitlement{}
	}
	return SubscriptionStatus{Kind: SubscriptionActive, Entitlements: entitlements}
}

// InactiveStatus builds an inactive status.
func InactiveStatus() SubscriptionStatus {
	return SubscriptionStatus{Kind: SubscriptionInactive}
}

// UnknownStatus builds the unknown status.
func UnknownStatus() SubscriptionStatus {
	return SubscriptionStatus{Kind: SubscriptionUnknown}
}

type subscriptionStatusJSON struct {
	Status       string        `json:"status"`
	Entitlements []Entitlement `json:"entitlements,omitempty"`
}

// MarshalJSON encodes the union as {"status": ..., "entitlements": [...]}.
// Active always writes the entitlements key, even when the set is empty.
func (s SubscriptionStatus) MarshalJSON() ([]byte, error) {
	if s.Kind == SubscriptionActive {
		entitlements := s.Entitlements
		if entitlements == nil {
			entitlements = []Entitlement{}
		}
		return json.Marshal(struct {
			Status       string        `json:"status"`
			Entitlements []Entitlement `json:"entitlements"`
		}{Status: s.Kind.String(), Entitlements: entitlements})
	}
	return json.Marshal(subscriptionStatusJSON{Status: s.Kind.String()})
}

// UnmarshalJSON decodes the engine payload shape.
func (s *SubscriptionStatus) UnmarshalJSON(data []byte) error {
	var raw subscriptionStatusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(raw.Status)) {
	case "ACTIVE":
		*s = ActiveStatus(raw.Entitlements...)
	case "INACTIVE":
		*s = InactiveStatus()
	default:
		*s = UnknownStatus()
	}
	return nil
}

// =============================================================================
// Placement presentation
// =============================================================================

// PresentationState is the per-registration paywall lifecycle state machine.
type PresentationState int

const (
	StateIdle PresentationState = iota
	StateLoading
	StatePresented
	StateDismissed
	StateSkipped
	StateErrored
)

func (s PresentationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePresented:
		return "presented"
	case StateDismissed:
		return "dismissed"
	case StateSkipped:
		return "skipped"
	case StateErrored:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a presentation cycle.
func (s PresentationState) Terminal() bool {
	return s == StateDismissed || s == StateSkipped || s == StateErrored
}

// PaywallInfo describes a paywall the engine presented.
type PaywallInfo struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Paywall result types reported on dismissal.
const (
	ResultPurchased = "purchased"
	ResultDeclined  = "declined"
	ResultRestored  = "restored"
)

// PaywallResult carries the outcome the engine attaches to a dismissal.
type PaywallResult struct {
	Type      string `json:"type"`
	ProductID string `json:"productId,omitempty"`
}

// PresentationRecord tracks one registered placement, keyed by handler id.
type PresentationRecord struct {
	HandlerID  string
	Placement  string
	State      PresentationState
	Info       *PaywallInfo
	Result     *PaywallResult
	SkipReason string
	Err        string
	UpdatedAt  time.Time
}

// =============================================================================
// Assignments
// =============================================================================

// Variant identifies the experiment arm a user landed in.
type Variant struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	PaywallID string `json:"paywallId,omitempty"`
}

// Assignment is a read-only experiment assignment snapshot. It is always
// re-fetched from the engine, never mutated locally.
type Assignment struct {
	ExperimentID   string  `json:"experimentId"`
	Variant        Variant `json:"variant"`
	IsSentToServer bool    `json:"isSentToServer"`
}

// =============================================================================
// Purchase outcomes
// =============================================================================

// PurchaseResultKind discriminates purchase outcomes. The zero value is
// unspecified and is reported to the engine as purchased, matching the
// behavior of controllers that complete without an explicit result.
type PurchaseResultKind int

const (
	PurchaseUnspecified PurchaseResultKind = iota
	PurchasePurchased
	PurchaseCancelled
	PurchasePending
	PurchaseFailed
)

func (k PurchaseResultKind) String() string {
	switch k {
	case PurchaseCancelled:
		return "cancelled"
	case PurchasePending:
		return "pending"
	case PurchaseFailed:
		return "failed"
	default:
		return "purchased"
	}
}

// PurchaseResult is the outcome of a delegated purchase.
type PurchaseResult struct {
	Kind       PurchaseResultKind
	ErrMessage string
}

// Purchased builds a successful purchase result.
func Purchased() PurchaseResult { return PurchaseResult{Kind: PurchasePurchased} }

// PurchaseCancelledResult builds a user-cancelled result.
func PurchaseCancelledResult() PurchaseResult { return PurchaseResult{Kind: PurchaseCancelled} }

// PurchasePendingResult builds a pending (deferred approval) result.
func PurchasePendingResult() PurchaseResult { return PurchaseResult{Kind: PurchasePending} }

// PurchaseFailedResult builds a failed result carrying the error message.
func PurchaseFailedResult(err error) PurchaseResult {
	msg := "purchase failed"
	if err != nil {
		msg = err.Error()
	}
	return PurchaseResult{Kind: PurchaseFailed, ErrMessage: msg}
}

// MarshalJSON encodes as {"type": ..., "error": ...}.
func (r PurchaseResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Type  string `json:"type"`
		Error string `json:"error,omitempty"`
	}{Type: r.Kind.String()}
	if r.Kind == PurchaseFailed {
		out.Error = r.ErrMessage
	}
	return json.Marshal(out)
}

// RestorationResultKind discriminates restore outcomes. The zero value is
// unspecified and is reported as restored.
type RestorationResultKind int

const (
	RestorationUnspecified RestorationResultKind = iota
	RestorationRestored
	RestorationFailed
)

func (k RestorationResultKind) String() string {
	if k == RestorationFailed {
		return "failed"
	}
	return "restored"
}

// RestorationResult is the outcome of a delegated restore.
type RestorationResult struct {
	Kind       RestorationResultKind
	ErrMessage string
}

// Restored builds a successful restoration result.
func Restored() RestorationResult { return RestorationResult{Kind: RestorationRestored} }

// RestorationFailedResult builds a failed restoration result.
func RestorationFailedResult(err error) RestorationResult {
	msg := "restore failed"
	if err != nil {
		msg = err.Error()
	}
	return RestorationResult{Kind: RestorationFailed, ErrMessage: msg}
}

// MarshalJSON encodes as {"type": ..., "error": ...}.
func (r RestorationResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Type  string `json:"type"`
		Error string `json:"error,omitempty"`
	}{Type: r.Kind.String()}
	if r.Kind == RestorationFailed {
		out.Error = r.ErrMessage
	}
	return json.Marshal(out)
}

// =============================================================================
// Platform & options
// =============================================================================

// Platform selects which per-platform API key and purchase shape applies.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// APIKeys holds the per-platform engine keys. The key for the active platform
// is required; a blank key for that platform is a fatal configuration error.
type APIKeys struct {
	IOS     string
	Android string
}

// For resolves the key for the given platform.
func (k APIKeys) For(platform Platform) (string, error) {
	switch platform {
	case PlatformIOS:
		if strings.TrimSpace(k.IOS) == "" {
			return "", fmt.Errorf("api key for platform %q is required", platform)
		}
		return k.IOS, nil
	case PlatformAndroid:
		if strings.TrimSpace(k.Android) == "" {
			return "", fmt.Errorf("api key for platform %q is required", platform)
		}
		return k.Android, nil
	default:
		return "", fmt.Errorf("unsupported platform %q", platform)
	}
}

// Purchase management modes.
const (
	PurchasesAutomatic = "automatic"
	PurchasesDelegated = "delegated"
)

// Options is the structured configuration forwarded to the engine on
// configure. All fields are optional.
type Options struct {
	LogLevel                   string   `json:"logLevel,omitempty"`
	LogScopes                  []string `json:"logScopes,omitempty"`
	ShouldObservePurchases     bool     `json:"shouldObservePurchases,omitempty"`
	PassIdentifiersToPlayStore bool     `json:"passIdentifiersToPlayStore,omitempty"`
	NetworkEnvironment         string   `json:"networkEnvironment,omitempty"`
	PurchaseManagement         string   `json:"purchaseManagement,omitempty"`
	LocaleIdentifier           string   `json:"localeIdentifier,omitempty"`
}
