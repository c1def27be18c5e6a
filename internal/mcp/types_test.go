package mcp

import (
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(int64(7), MethodToolsCall, CallToolParams{
		Name:      "github__create_issue",
		Arguments: json.RawMessage(`{"title":"bug"}`),
	})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if req.JSONRPC != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %q", req.JSONRPC)
	}
	if req.Method != MethodToolsCall {
		t.Errorf("expected method %q, got %q", MethodToolsCall, req.Method)
	}

	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("Unmarshal params: %v", err)
	}
	if params.Name != "github__create_issue" {
		t.Errorf("expected tool name to round-trip, got %q", params.Name)
	}
}

func TestNewRequestNilParams(t *testing.T) {
	req, err := NewRequest(int64(1), MethodToolsList, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if req.Params != nil {
		t.Errorf("expected nil params, got %s", req.Params)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := m["params"]; ok {
		t.Error("expected params key to be omitted when nil")
	}
}

func TestNewNotification(t *testing.T) {
	n, err := NewNotification(NotificationToolsChanged, nil)
	if err != nil {
		t.Fatalf("NewNotification() error = %v", err)
	}
	if n.JSONRPC != "2.0" {
		t.Errorf("expected jsonrpc 2.0, got %q", n.JSONRPC)
	}
	if n.Method != NotificationToolsChanged {
		t.Errorf("expected method %q, got %q", NotificationToolsChanged, n.Method)
	}
}

func TestTextResult(t *testing.T) {
	r := TextResult("done")
	if len(r.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(r.Content))
	}
	if r.Content[0].Type != "text" || r.Content[0].Text != "done" {
		t.Errorf("unexpected content block: %+v", r.Content[0])
	}
	if r.IsError {
		t.Error("expected IsError to be false")
	}
}

func TestErrorResult(t *testing.T) {
	r := ErrorResult("boom")
	if !r.IsError {
		t.Error("expected IsError to be true")
	}
	if r.Content[0].Text != "boom" {
		t.Errorf("expected error text, got %q", r.Content[0].Text)
	}
}

func TestResponseErrorRoundTrip(t *testing.T) {
	resp := &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      int64(3),
		Error:   &JSONRPCError{Code: ErrCodeAccessDenied, Message: "tool not visible for role"},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded JSONRPCResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Error == nil {
		t.Fatal("expected error in response")
	}
	if decoded.Error.Code != ErrCodeAccessDenied {
		t.Errorf("expected code %d, got %d", ErrCodeAccessDenied, decoded.Error.Code)
	}
	if decoded.Result != nil {
		t.Error("expected no result alongside error")
	}
}
