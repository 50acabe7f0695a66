// Package deeplink forwards incoming app links to the engine for campaign
// and promo-code redemption, after filtering out links reserved for local
// tooling.
package deeplink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/revcast/paywallkit/bridge"
	"github.com/revcast/paywallkit/pkg/logger"
)

// Links under these identifiers drive local developer tooling and never
// reach the engine.
const (
	devScheme = "revcast-dev"
	devHost   = "dev.revcast.app"
)

// DefaultReserved reports whether a link belongs to local tooling.
func DefaultReserved(u *url.URL) bool {
	return u.Scheme == devScheme || u.Host == devHost
}

// Forwarder routes deep links to the engine.
type Forwarder struct {
	transport bridge.Transport
	log       *logger.Logger

	// Reserved overrides which links are withheld from the engine. Nil
	// means DefaultReserved.
	Reserved func(u *url.URL) bool
}

// NewForwarder creates a forwarder with the default reservation rule.
func NewForwarder(transport bridge.Transport, log *logger.Logger) *Forwarder {
	if log == nil {
		log = logger.NewDefault("deeplink")
	}
	return &Forwarder{transport: transport, log: log}
}

// Handle forwards one link. It returns true when the engine recognized and
// will handle the link; reserved links return false with no engine call.
func (f *Forwarder) Handle(ctx context.Context, raw string) (bool, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return false, fmt.Errorf("parse deep link: %w", err)
	}

	reserved := f.Reserved
	if reserved == nil {
		reserved = DefaultReserved
	}
	if reserved(u) {
		f.log.WithField("url", raw).Debug("deep link reserved for tooling")
		return false, nil
	}

	result, err := f.transport.Call(ctx, bridge.MethodHandleDeepLink, map[string]any{"url": raw})
	if err != nil {
		return false, fmt.Errorf("handle deep link: %w", err)
	}
	var handled bool
	if err := json.Unmarshal(result, &handled); err != nil {
		return false, fmt.Errorf("decode deep link result: %w", err)
	}
	return handled, nil
}
