package bridge

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSanitize_StripsNilFields(t *testing.T) {
	in := map[string]any{
		"keep":  "value",
		"drop":  nil,
		"count": 3,
		"nested": map[string]any{
			"inner": nil,
			"ok":    true,
		},
		"list": []any{"a", nil, map[string]any{"x": nil, "y": 1}},
	}

	out := Sanitize(in)

	if _, ok := out["drop"]; ok {
		t.Fatalf("nil field survived sanitize: %#v", out)
	}
	nested, ok := out["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested map missing: %#v", out)
	}
	if _, ok := nested["inner"]; ok {
		t.Fatalf("nested nil field survived: %#v", nested)
	}
	list, ok := out["list"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2 list elements, got %#v", out["list"])
	}
	item, ok := list[1].(map[string]any)
	if !ok {
		t.Fatalf("list element not a map: %#v", list[1])
	}
	if _, ok := item["x"]; ok {
		t.Fatalf("nil field inside list element survived: %#v", item)
	}
	// Original untouched.
	if _, ok := in["drop"]; !ok {
		t.Fatalf("sanitize mutated its input")
	}
}

func TestSanitize_Nil(t *testing.T) {
	if out := Sanitize(nil); out != nil {
		t.Fatalf("expected nil, got %#v", out)
	}
}

func TestMockTransport_ScriptedCall(t *testing.T) {
	mock := NewMockTransport()
	mock.Handle(MethodGetSubscriptionStatus, func(params json.RawMessage) (any, error) {
		return map[string]any{"status": "ACTIVE"}, nil
	})

	result, err := mock.Call(context.Background(), MethodGetSubscriptionStatus, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded.Status != "ACTIVE" {
		t.Fatalf("unexpected status: %q", decoded.Status)
	}
	if got := mock.CallCount(MethodGetSubscriptionStatus); got != 1 {
		t.Fatalf("expected 1 recorded call, got %d", got)
	}
}

func TestMockTransport_UnscriptedCallSucceeds(t *testing.T) {
	mock := NewMockTransport()
	result, err := mock.Call(context.Background(), MethodDismiss, map[string]any{"x": nil})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != "{}" {
		t.Fatalf("expected empty object, got %s", result)
	}
	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if string(calls[0].Params) != "{}" {
		t.Fatalf("expected sanitized params, got %s", calls[0].Params)
	}
}

func TestMockTransport_ClosedCallFails(t *testing.T) {
	mock := NewMockTransport()
	if err := mock.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := mock.Call(context.Background(), MethodReset, nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMockTransport_EmitReachesListener(t *testing.T) {
	mock := NewMockTransport()
	var got json.RawMessage
	if err := mock.Listen("onPaywallPresent", func(payload json.RawMessage) {
		got = payload
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	mock.Emit("onPaywallPresent", map[string]any{"handlerId": "h1"})
	if got == nil {
		t.Fatalf("listener not invoked")
	}
	if !mock.Listening("onPaywallPresent") {
		t.Fatalf("listener should remain installed")
	}

	if err := mock.Unlisten("onPaywallPresent"); err != nil {
		t.Fatalf("unlisten: %v", err)
	}
	if mock.ListenCount() != 0 {
		t.Fatalf("expected no listeners, got %d", mock.ListenCount())
	}
}
