package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/fieldsync/internal/errors"
	"github.com/hpungsan/fieldsync/internal/lock"
	"github.com/hpungsan/fieldsync/internal/session"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	sess *session.Session
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sess *session.Session) *Handlers {
	return &Handlers{sess: sess}
}

// FieldRequest represents the arguments of the single-field tools.
type FieldRequest struct {
	Field string `json:"field"`
}

// WriteRequest represents the arguments for field_write.
type WriteRequest struct {
	Field  string `json:"field"`
	Text   string `json:"text"`
	Append bool   `json:"append,omitempty"`
}

// LockStatusRequest represents the arguments for field_lock_status.
type LockStatusRequest struct {
	Field string `json:"field,omitempty"`
}

// FieldResult is returned by every single-field tool.
type FieldResult struct {
	Field string    `json:"field"`
	Text  string    `json:"text"`
	Lock  lock.View `json:"lock"`
}

// LockStatusResult lists lock views.
type LockStatusResult struct {
	Locks []lock.View `json:"locks"`
}

// UsersResult lists the active users.
type UsersResult struct {
	Users []session.Participant `json:"users"`
}

// decode converts the loosely typed tool arguments into T.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var out T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return out, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("invalid arguments: %w", err)
	}
	return out, nil
}

func (h *Handlers) fieldResult(field string) (*mcp.CallToolResult, error) {
	text, err := h.sess.Read(field)
	if err != nil {
		return errorResult(err), nil
	}
	v, err := h.sess.LockView(field)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(FieldResult{Field: field, Text: text, Lock: v})
}

// HandleRead handles the field_read tool call.
func (h *Handlers) HandleRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FieldRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	return h.fieldResult(input.Field)
}

// HandleWrite handles the field_write tool call. A field held by another
// replica is refused so agents respect the same soft lock as people do.
func (h *Handlers) HandleWrite(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[WriteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	v, err := h.sess.LockView(input.Field)
	if err != nil {
		return errorResult(err), nil
	}
	if v.Locked {
		return errorResult(errors.NewFieldLocked(input.Field, v.User.Name)), nil
	}

	if input.Append {
		current, err := h.sess.Read(input.Field)
		if err != nil {
			return errorResult(err), nil
		}
		err = h.sess.Insert(input.Field, utf8.RuneCountInString(current), input.Text)
		if err != nil {
			return errorResult(err), nil
		}
	} else if err := h.sess.Write(input.Field, input.Text); err != nil {
		return errorResult(err), nil
	}
	glog.V(1).Infof("[mcp]field_write %s\n", input.Field)

	return h.fieldResult(input.Field)
}

// HandleFocus handles the field_focus tool call.
func (h *Handlers) HandleFocus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FieldRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := h.sess.Focus(input.Field); err != nil {
		return errorResult(err), nil
	}
	return h.fieldResult(input.Field)
}

// HandleRelease handles the field_release tool call.
func (h *Handlers) HandleRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FieldRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := h.sess.Blur(input.Field); err != nil {
		return errorResult(err), nil
	}
	return h.fieldResult(input.Field)
}

// HandleSteal handles the field_steal tool call.
func (h *Handlers) HandleSteal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FieldRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := h.sess.Steal(input.Field); err != nil {
		return errorResult(err), nil
	}
	glog.Infof("[mcp]field_steal %s\n", input.Field)
	return h.fieldResult(input.Field)
}

// HandleLockStatus handles the field_lock_status tool call.
func (h *Handlers) HandleLockStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[LockStatusRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	fields := h.sess.Fields()
	if input.Field != "" {
		fields = []string{input.Field}
	}

	result := LockStatusResult{Locks: make([]lock.View, 0, len(fields))}
	for _, f := range fields {
		v, err := h.sess.LockView(f)
		if err != nil {
			return errorResult(err), nil
		}
		result.Locks = append(result.Locks, v)
	}
	return successResult(result)
}

// HandleUsers handles the users_list tool call.
func (h *Handlers) HandleUsers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(UsersResult{Users: h.sess.ActiveUsers()})
}

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error details are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	sErr := errors.As(err)
	errorObj := map[string]any{
		"code":    sErr.Code,
		"message": sErr.Message,
		"status":  sErr.Status,
	}
	if sErr.Code != errors.ErrInternal && sErr.Details != nil {
		errorObj["details"] = sErr.Details
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
