// Package bridge is the single channel between the SDK and the paywall
// engine: request/response calls plus a pushed event stream keyed by event
// name. The WebSocket implementation lives in this package alongside a
// scripted mock for tests.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
)

// Engine request methods.
const (
	MethodConfigure                = "configure"
	MethodIdentify                 = "identify"
	MethodReset                    = "reset"
	MethodRegisterPlacement        = "registerPlacement"
	MethodGetPresentationResult    = "getPresentationResult"
	MethodSetSubscriptionStatus    = "setSubscriptionStatus"
	MethodGetSubscriptionStatus    = "getSubscriptionStatus"
	MethodGetUserAttributes        = "getUserAttributes"
	MethodSetUserAttributes        = "setUserAttributes"
	MethodGetEntitlements          = "getEntitlements"
	MethodConfirmAllAssignments    = "confirmAllAssignments"
	MethodGetAssignments           = "getAssignments"
	MethodPreloadPaywalls          = "preloadPaywalls"
	MethodPreloadAllPaywalls       = "preloadAllPaywalls"
	MethodDismiss                  = "dismiss"
	MethodSetLogLevel              = "setLogLevel"
	MethodSetInterfaceStyle        = "setInterfaceStyle"
	MethodHandleDeepLink           = "handleDeepLink"
	MethodDidPurchase              = "didPurchase"
	MethodDidRestore               = "didRestore"
	MethodGetIntegrationAttributes = "getIntegrationAttributes"
	MethodSetIntegrationAttributes = "setIntegrationAttributes"
)

// Transport errors.
var (
	// ErrClosed is returned for calls issued on, or pending across, a closed
	// transport.
	ErrClosed = errors.New("bridge: transport closed")
	// ErrNotConnected is returned when the transport has not been connected.
	ErrNotConnected = errors.New("bridge: not connected")
)

// EventFunc receives the raw payload of a pushed engine event.
type EventFunc func(payload json.RawMessage)

// Transport is the bridge contract. Call suspends the caller until the engine
// responds. Listen declares interest in a pushed event name; at most one
// EventFunc is active per name (the event router multiplexes above this
// layer). Unlisten withdraws interest so the engine stops sending the event.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Listen(event string, fn EventFunc) error
	Unlisten(event string) error
	Close() error
}

// Sanitize strips nil-valued fields from params before they cross the
// boundary. The engine rejects explicit nulls in object positions, so maps
// are cleaned recursively; slices are cleaned element-wise.
func Sanitize(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if v == nil {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Sanitize(t)
	case []any:
		cleaned := make([]any, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			cleaned = append(cleaned, sanitizeValue(item))
		}
		return cleaned
	default:
		return v
	}
}
