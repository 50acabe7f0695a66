package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/revcast/paywallkit/pkg/logger"
)

// Wire envelope, engine side. Mirrors the SDK transport's frame.
type frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// session is one connected SDK client. Events are only sent for names the
// client has declared interest in, like the real engine.
type session struct {
	conn     *websocket.Conn
	scenario *Scenario
	log      *logger.Logger

	mu           sync.Mutex
	listens      map[string]bool
	configured   bool
	userID       string
	attributes   map[string]any
	status       json.RawMessage
	entitlements []ScenarioEntitlement

	// purchaseWait holds the dismissal continuation while a delegated
	// purchase is out with the client's controller.
	purchaseWait func(resultType string)

	writeMu sync.Mutex
}

func newSession(conn *websocket.Conn, scenario *Scenario, log *logger.Logger) *session {
	return &session{
		conn:     conn,
		scenario: scenario,
		log:      log,
		listens:  make(map[string]bool),
		status:   json.RawMessage(`{"status":"INACTIVE"}`),
	}
}

func (s *session) run() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.log.WithError(err).Debug("session closed")
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.log.WithError(err).Warn("malformed frame")
			continue
		}
		switch f.Type {
		case "request":
			s.handleRequest(f)
		default:
			s.log.WithField("type", f.Type).Warn("unexpected frame type")
		}
	}
}

func (s *session) handleRequest(f frame) {
	switch f.Method {
	case "listen":
		s.setListen(f, true)
	case "unlisten":
		s.setListen(f, false)
	case "configure":
		s.mu.Lock()
		s.configured = true
		s.mu.Unlock()
		s.respond(f.ID, json.RawMessage(`{}`))
	case "identify":
		var p struct {
			UserID string `json:"userId"`
		}
		_ = json.Unmarshal(f.Params, &p)
		s.mu.Lock()
		s.userID = p.UserID
		s.mu.Unlock()
		s.respond(f.ID, json.RawMessage(`{}`))
	case "reset":
		s.mu.Lock()
		s.userID = ""
		s.attributes = nil
		s.status = json.RawMessage(`{"status":"INACTIVE"}`)
		s.entitlements = nil
		s.mu.Unlock()
		s.respond(f.ID, json.RawMessage(`{}`))
	case "getUserAttributes":
		s.mu.Lock()
		out := map[string]any{"appUserId": s.userID, "attributes": s.attributes}
		s.mu.Unlock()
		s.respondJSON(f.ID, out)
	case "setUserAttributes":
		var p struct {
			Attributes map[string]any `json:"attributes"`
		}
		_ = json.Unmarshal(f.Params, &p)
		s.mu.Lock()
		if s.attributes == nil {
			s.attributes = make(map[string]any)
		}
		for k, v := range p.Attributes {
			s.attributes[k] = v
		}
		s.mu.Unlock()
		s.respond(f.ID, json.RawMessage(`{}`))
	case "getSubscriptionStatus":
		s.mu.Lock()
		status := s.status
		s.mu.Unlock()
		s.respond(f.ID, status)
	case "setSubscriptionStatus":
		var p struct {
			Status json.RawMessage `json:"status"`
		}
		_ = json.Unmarshal(f.Params, &p)
		s.mu.Lock()
		if len(p.Status) > 0 {
			s.status = p.Status
		}
		s.mu.Unlock()
		s.respond(f.ID, json.RawMessage(`{}`))
	case "getEntitlements":
		s.mu.Lock()
		ents := s.entitlements
		s.mu.Unlock()
		if ents == nil {
			ents = []ScenarioEntitlement{}
		}
		s.respondJSON(f.ID, entitlementsJSON(ents))
	case "getAssignments", "confirmAllAssignments":
		s.respond(f.ID, json.RawMessage(`[]`))
	case "registerPlacement":
		s.handleRegister(f)
	case "handleDeepLink":
		s.respond(f.ID, json.RawMessage(`true`))
	case "didPurchase":
		s.handleDidPurchase(f)
	case "didRestore":
		s.respond(f.ID, json.RawMessage(`{}`))
	default:
		// preloadPaywalls, dismiss, setLogLevel and friends: acknowledged,
		// nothing to simulate.
		s.respond(f.ID, json.RawMessage(`{}`))
	}
}

func (s *session) setListen(f frame, on bool) {
	var p struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(f.Params, &p); err != nil || p.Event == "" {
		s.respondErr(f.ID, "listen requires an event name")
		return
	}
	s.mu.Lock()
	if on {
		s.listens[p.Event] = true
	} else {
		delete(s.listens, p.Event)
	}
	s.mu.Unlock()
	s.respond(f.ID, json.RawMessage(`{}`))
}

func (s *session) handleRegister(f frame) {
	var p struct {
		Placement string `json:"placement"`
		HandlerID string `json:"handlerId"`
	}
	if err := json.Unmarshal(f.Params, &p); err != nil || p.Placement == "" {
		s.respondErr(f.ID, "registerPlacement requires a placement")
		return
	}
	script, ok := s.scenario.Placements[p.Placement]
	if !ok {
		s.respondErr(f.ID, "unknown placement "+p.Placement)
		return
	}
	s.respond(f.ID, json.RawMessage(`{}`))
	go s.playScript(p.HandlerID, script)
}

func (s *session) playScript(handlerID string, script PlacementScript) {
	switch script.Outcome {
	case "skip":
		s.emitJSON("onPaywallSkip", map[string]any{
			"handlerId": handlerID,
			"reason":    script.SkipReason,
		})
		return
	case "error":
		s.emitJSON("onPaywallError", map[string]any{
			"handlerId": handlerID,
			"error":     script.Error,
		})
		return
	}

	time.Sleep(time.Duration(script.PresentDelay))
	info := map[string]any{"identifier": script.PaywallID, "name": script.PaywallName}
	s.emitJSON("willPresentPaywall", map[string]any{"paywallInfo": info})
	s.emitJSON("onPaywallPresent", map[string]any{
		"handlerId":   handlerID,
		"paywallInfo": info,
	})
	s.emitJSON("didPresentPaywall", map[string]any{"paywallInfo": info})

	dismiss := func(resultType string) {
		result := map[string]any{"type": resultType}
		if resultType == "purchased" {
			result["productId"] = script.Product
		}
		s.emitJSON("willDismissPaywall", map[string]any{"paywallInfo": info})
		s.emitJSON("onPaywallDismiss", map[string]any{
			"handlerId":   handlerID,
			"paywallInfo": info,
			"result":      result,
		})
		s.emitJSON("didDismissPaywall", map[string]any{"paywallInfo": info})
		if resultType == "purchased" || resultType == "restored" {
			s.grantEntitlements()
		}
	}

	resultType := script.Result
	if resultType == "" {
		resultType = "declined"
	}

	if script.DelegatePurchase && resultType == "purchased" {
		s.mu.Lock()
		s.purchaseWait = dismiss
		s.mu.Unlock()
		time.Sleep(time.Duration(script.DismissDelay))
		s.emitJSON("onPurchase", map[string]any{"productId": script.Product})
		return
	}

	time.Sleep(time.Duration(script.DismissDelay))
	dismiss(resultType)
}

// handleDidPurchase completes a delegated purchase: the scripted dismissal
// resumes with the result the controller reported.
func (s *session) handleDidPurchase(f frame) {
	var p struct {
		Result struct {
			Type string `json:"type"`
		} `json:"result"`
	}
	_ = json.Unmarshal(f.Params, &p)
	s.respond(f.ID, json.RawMessage(`{}`))

	s.mu.Lock()
	resume := s.purchaseWait
	s.purchaseWait = nil
	s.mu.Unlock()
	if resume == nil {
		return
	}
	resultType := p.Result.Type
	if resultType == "cancelled" || resultType == "failed" || resultType == "pending" {
		resultType = "declined"
	}
	resume(resultType)
}

func (s *session) grantEntitlements() {
	s.mu.Lock()
	s.entitlements = s.scenario.Entitlements
	from := s.status
	granted, _ := json.Marshal(map[string]any{
		"status":       "ACTIVE",
		"entitlements": entitlementsJSON(s.scenario.Entitlements),
	})
	s.status = granted
	s.mu.Unlock()

	s.emitJSON("subscriptionStatusDidChange", map[string]any{
		"from": json.RawMessage(from),
		"to":   json.RawMessage(granted),
	})
}

func entitlementsJSON(ents []ScenarioEntitlement) []map[string]any {
	out := make([]map[string]any, 0, len(ents))
	for _, e := range ents {
		out = append(out, map[string]any{"id": e.ID, "type": e.Type})
	}
	return out
}

// =============================================================================
// Frame writers
// =============================================================================

func (s *session) respond(id uint64, result json.RawMessage) {
	s.write(frame{Type: "response", ID: id, Result: result})
}

func (s *session) respondJSON(id uint64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondErr(id, "encode result: "+err.Error())
		return
	}
	s.respond(id, raw)
}

func (s *session) respondErr(id uint64, msg string) {
	s.write(frame{Type: "response", ID: id, Error: msg})
}

func (s *session) emitJSON(event string, payload any) {
	s.mu.Lock()
	interested := s.listens[event]
	s.mu.Unlock()
	if !interested {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Error("encode event payload")
		return
	}
	s.write(frame{Type: "event", Event: event, Payload: raw})
}

func (s *session) write(f frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		s.log.WithError(err).Debug("session write failed")
	}
}
