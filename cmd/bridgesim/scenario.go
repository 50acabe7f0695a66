package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario scripts how the simulated engine reacts to placements.
type Scenario struct {
	// Entitlements granted when a purchase completes.
	Entitlements []ScenarioEntitlement `yaml:"entitlements"`
	// Placements maps placement name to its scripted outcome. Unknown
	// placements error.
	Placements map[string]PlacementScript `yaml:"placements"`
}

// ScenarioEntitlement is one granted entitlement.
type ScenarioEntitlement struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
}

// PlacementScript is the scripted outcome for one placement.
type PlacementScript struct {
	// Outcome is present, skip or error.
	Outcome string `yaml:"outcome"`
	// PaywallID and PaywallName describe the presented paywall.
	PaywallID   string `yaml:"paywall_id"`
	PaywallName string `yaml:"paywall_name"`
	// Product is the product id attached to a purchased dismissal.
	Product string `yaml:"product"`
	// Result is the dismissal result: purchased, declined or restored.
	// Empty means declined.
	Result string `yaml:"result"`
	// DelegatePurchase routes the purchase through the client's controller
	// instead of completing it engine-side.
	DelegatePurchase bool `yaml:"delegate_purchase"`
	// SkipReason fills the skip outcome.
	SkipReason string `yaml:"skip_reason"`
	// Error fills the error outcome.
	Error string `yaml:"error"`
	// PresentDelay and DismissDelay pace the lifecycle.
	PresentDelay Duration `yaml:"present_delay"`
	DismissDelay Duration `yaml:"dismiss_delay"`
}

// Duration decodes YAML duration strings like "200ms" or "1s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadScenario reads a scenario file. An empty path yields DefaultScenario.
func LoadScenario(path string) (*Scenario, error) {
	if path == "" {
		return DefaultScenario(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(s.Placements) == 0 {
		return nil, fmt.Errorf("scenario %s defines no placements", path)
	}
	for name, script := range s.Placements {
		switch script.Outcome {
		case "present", "skip", "error":
		default:
			return nil, fmt.Errorf("placement %s: unknown outcome %q", name, script.Outcome)
		}
	}
	return &s, nil
}

// DefaultScenario covers the common demo flows without a config file.
func DefaultScenario() *Scenario {
	return &Scenario{
		Entitlements: []ScenarioEntitlement{{ID: "pro", Type: "SERVICE_LEVEL"}},
		Placements: map[string]PlacementScript{
			"campaign_trigger": {
				Outcome:      "present",
				PaywallID:    "pw_default",
				PaywallName:  "Launch Offer",
				Product:      "pro_monthly",
				Result:       "purchased",
				PresentDelay: Duration(200 * time.Millisecond),
				DismissDelay: Duration(time.Second),
			},
			"holdout_trigger": {
				Outcome:    "skip",
				SkipReason: "Holdout",
			},
			"broken_trigger": {
				Outcome: "error",
				Error:   "no paywall configured for placement",
			},
		},
	}
}
