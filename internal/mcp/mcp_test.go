package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/fieldsync/internal/awareness"
	"github.com/hpungsan/fieldsync/internal/config"
	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/session"
	"github.com/hpungsan/fieldsync/internal/transport"
)

const (
	title       = "project_title"
	description = "project_description"
)

// testSetup opens an agent session and a human session on the same document
// and waits until each sees the other.
func testSetup(t *testing.T) (agent, human *session.Session, cfg *config.Config) {
	t.Helper()

	cfg = config.DefaultConfig()
	hub := transport.NewHub()
	open := func(name, color string) *session.Session {
		s, err := session.Open(context.Background(), hub, "doc", awareness.User{Name: name, Color: color},
			session.WithFields(cfg.Fields...))
		if err != nil {
			t.Fatalf("failed to open session: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	agent = open("Agent", "#a3a3a3")
	human = open("Alex", "#f472b6")

	require.Eventually(t, func() bool {
		return len(agent.ActiveUsers()) == 2 && len(human.ActiveUsers()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	return agent, human, cfg
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func TestHandleRead(t *testing.T) {
	agent, human, _ := testSetup(t)
	h := NewHandlers(agent)
	ctx := context.Background()

	if err := human.Write(title, "Hello"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	require.Eventually(t, func() bool {
		v, _ := agent.Read(title)
		return v == "Hello"
	}, 3*time.Second, 10*time.Millisecond)

	tests := []struct {
		name      string
		args      map[string]any
		wantError string
		wantText  string
	}{
		{name: "known field", args: map[string]any{"field": title}, wantText: "Hello"},
		{name: "empty field", args: map[string]any{"field": description}, wantText: ""},
		{name: "unknown field", args: map[string]any{"field": "budget"}, wantError: "UNKNOWN_FIELD"},
		{name: "missing field", args: map[string]any{}, wantError: "INVALID_REQUEST"},
		{name: "wrong type", args: map[string]any{"field": 42}, wantError: "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleRead(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantError != "" {
				assertErrorCode(t, result, tt.wantError)
				return
			}
			output := parseOutput(t, result)
			if output["text"] != tt.wantText {
				t.Errorf("text = %v, want %q", output["text"], tt.wantText)
			}
		})
	}
}

func TestHandleWrite(t *testing.T) {
	agent, human, _ := testSetup(t)
	h := NewHandlers(agent)
	ctx := context.Background()

	result, err := h.HandleWrite(ctx, makeRequest(map[string]any{"field": title, "text": "Draft"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output := parseOutput(t, result); output["text"] != "Draft" {
		t.Errorf("text = %v, want Draft", output["text"])
	}

	result, _ = h.HandleWrite(ctx, makeRequest(map[string]any{"field": title, "text": " v2", "append": true}))
	if output := parseOutput(t, result); output["text"] != "Draft v2" {
		t.Errorf("text = %v, want %q", output["text"], "Draft v2")
	}

	require.Eventually(t, func() bool {
		v, _ := human.Read(title)
		return v == "Draft v2"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandleWrite_RefusedWhileLocked(t *testing.T) {
	agent, human, _ := testSetup(t)
	h := NewHandlers(agent)
	ctx := context.Background()

	if err := human.Focus(title); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	require.Eventually(t, func() bool {
		v, _ := agent.LockView(title)
		return v.Locked
	}, 3*time.Second, 10*time.Millisecond)

	result, _ := h.HandleWrite(ctx, makeRequest(map[string]any{"field": title, "text": "mine"}))
	assertErrorCode(t, result, "FIELD_LOCKED")
	if details := errorObject(t, result)["details"].(map[string]any); details["holder"] != "Alex" {
		t.Errorf("holder = %v, want Alex", details["holder"])
	}

	result, _ = h.HandleFocus(ctx, makeRequest(map[string]any{"field": title}))
	assertErrorCode(t, result, "FIELD_LOCKED")

	// other fields stay writable
	result, _ = h.HandleWrite(ctx, makeRequest(map[string]any{"field": description, "text": "notes"}))
	parseOutput(t, result)
}

func TestHandleFocusReleaseSteal(t *testing.T) {
	agent, human, _ := testSetup(t)
	h := NewHandlers(agent)
	ctx := context.Background()

	result, _ := h.HandleFocus(ctx, makeRequest(map[string]any{"field": title}))
	if lock := parseOutput(t, result)["lock"].(map[string]any); lock["locked"] != false {
		t.Errorf("lock = %v, want unlocked for the holder", lock)
	}
	require.Eventually(t, func() bool {
		v, _ := human.LockView(title)
		return v.Locked && v.User.Name == "Agent"
	}, 3*time.Second, 10*time.Millisecond)

	result, _ = h.HandleRelease(ctx, makeRequest(map[string]any{"field": title}))
	parseOutput(t, result)
	require.Eventually(t, func() bool {
		v, _ := human.LockView(title)
		return !v.Locked
	}, 3*time.Second, 10*time.Millisecond)

	if err := human.Focus(description); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	require.Eventually(t, func() bool {
		v, _ := agent.LockView(description)
		return v.Locked
	}, 3*time.Second, 10*time.Millisecond)

	result, _ = h.HandleSteal(ctx, makeRequest(map[string]any{"field": description}))
	parseOutput(t, result)
	require.Eventually(t, func() bool {
		v, _ := human.LockView(description)
		return v.Locked && v.User.Name == "Agent"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestHandleLockStatus(t *testing.T) {
	agent, human, _ := testSetup(t)
	h := NewHandlers(agent)
	ctx := context.Background()

	if err := human.Focus(description); err != nil {
		t.Fatalf("Focus() error = %v", err)
	}
	require.Eventually(t, func() bool {
		v, _ := agent.LockView(description)
		return v.Locked
	}, 3*time.Second, 10*time.Millisecond)

	result, _ := h.HandleLockStatus(ctx, makeRequest(map[string]any{}))
	locks := parseOutput(t, result)["locks"].([]any)
	if len(locks) != 2 {
		t.Fatalf("locks = %v, want 2 entries", locks)
	}
	locked := map[string]bool{}
	for _, l := range locks {
		m := l.(map[string]any)
		locked[m["field"].(string)] = m["locked"].(bool)
	}
	if locked[title] || !locked[description] {
		t.Errorf("locked = %v, want only %s", locked, description)
	}

	result, _ = h.HandleLockStatus(ctx, makeRequest(map[string]any{"field": title}))
	if locks := parseOutput(t, result)["locks"].([]any); len(locks) != 1 {
		t.Errorf("locks = %v, want 1 entry", locks)
	}

	result, _ = h.HandleLockStatus(ctx, makeRequest(map[string]any{"field": "budget"}))
	assertErrorCode(t, result, "UNKNOWN_FIELD")
}

func TestHandleUsers(t *testing.T) {
	agent, _, _ := testSetup(t)
	h := NewHandlers(agent)

	result, err := h.HandleUsers(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	users := parseOutput(t, result)["users"].([]any)
	if len(users) != 2 {
		t.Fatalf("users = %v, want 2", users)
	}
	names := map[string]bool{}
	for _, u := range users {
		user := u.(map[string]any)["user"].(map[string]any)
		names[user["name"].(string)] = true
	}
	if !names["Agent"] || !names["Alex"] {
		t.Errorf("names = %v, want Agent and Alex", names)
	}
}

func TestHandle_ClosedSession(t *testing.T) {
	agent, _, _ := testSetup(t)
	h := NewHandlers(agent)
	agent.Close()

	result, _ := h.HandleRead(context.Background(), makeRequest(map[string]any{"field": title}))
	assertErrorCode(t, result, "SESSION_CLOSED")
}

func TestServerRegistration(t *testing.T) {
	agent, _, cfg := testSetup(t)

	tests := []struct {
		name      string
		disabled  []string
		wantCount int
		wantGone  []string
	}{
		{name: "all enabled", wantCount: 7},
		{name: "some disabled", disabled: []string{"field_steal", "field_write"}, wantCount: 5, wantGone: []string{"field_steal", "field_write"}},
		{name: "duplicates", disabled: []string{"field_steal", "field_steal"}, wantCount: 6, wantGone: []string{"field_steal"}},
		{name: "all disabled", disabled: AllToolNames(), wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			c.DisabledTools = tt.disabled
			tools := NewServer(agent, &c, "test").ListTools()
			if len(tools) != tt.wantCount {
				t.Errorf("registered tool count = %d, want %d", len(tools), tt.wantCount)
			}
			for _, name := range tt.wantGone {
				if _, ok := tools[name]; ok {
					t.Errorf("disabled tool %q should not be registered", name)
				}
			}
		})
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{"all valid", []string{"field_steal", "users_list"}, 0},
		{"one unknown", []string{"field_steal", "capsule_purge"}, 1},
		{"empty list", []string{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unknown := ValidateDisabledTools(tt.input); len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}

	if unknown := ValidateDisabledTools(AllToolNames()); len(unknown) != 0 {
		t.Errorf("AllToolNames() returned invalid names: %v", unknown)
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(fmt.Errorf("dial tcp 10.0.0.7:7420: connection refused"))
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}
	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
}

func TestErrorResult_WrappedErrorKeepsCode(t *testing.T) {
	r := errorResult(fmt.Errorf("fields[1]: %w", errors.NewUnknownField("budget")))
	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrUnknownField) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrUnknownField)
	}
	if _, ok := errObj["details"]; !ok {
		t.Fatal("expected non-INTERNAL errors to include details when present")
	}
}

// Helper functions

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func errorObject(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in payload: %v", payload)
	}
	return errObj
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected error %s, got success", expectedCode)
	}
	if code := errorObject(t, result)["code"]; code != expectedCode {
		t.Errorf("got error code %v, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}
	return text.Text
}
