package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/fieldsync/internal/config"
	"github.com/hpungsan/fieldsync/internal/session"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var fieldArg = mcp.WithString("field",
	mcp.Required(),
	mcp.Description("Field name, e.g. project_title"),
)

var (
	readToolDef = mcp.NewTool("field_read",
		mcp.WithDescription("Read the current text of a field together with its lock state."),
		fieldArg,
	)
	writeToolDef = mcp.NewTool("field_write",
		mcp.WithDescription("Replace the text of a field, or append to it. Fails with FIELD_LOCKED while another user is editing the field."),
		fieldArg,
		mcp.WithString("text", mcp.Required(), mcp.Description("New text")),
		mcp.WithBoolean("append", mcp.Description("Append text instead of replacing the field")),
	)
	focusToolDef = mcp.NewTool("field_focus",
		mcp.WithDescription("Claim a field for editing. Other users see it locked until it is released."),
		fieldArg,
	)
	releaseToolDef = mcp.NewTool("field_release",
		mcp.WithDescription("Give up a field claimed with field_focus."),
		fieldArg,
	)
	stealToolDef = mcp.NewTool("field_steal",
		mcp.WithDescription("Take a field over from the user currently editing it."),
		fieldArg,
	)
	lockStatusToolDef = mcp.NewTool("field_lock_status",
		mcp.WithDescription("Report which fields are being edited and by whom. Without a field, reports every field."),
		mcp.WithString("field", mcp.Description("Field name; omit for all fields")),
	)
	usersToolDef = mcp.NewTool("users_list",
		mcp.WithDescription("List the users connected to the document and the field each one is editing."),
	)
)

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"field_read": {
		def:     readToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRead },
	},
	"field_write": {
		def:     writeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleWrite },
	},
	"field_focus": {
		def:     focusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFocus },
	},
	"field_release": {
		def:     releaseToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRelease },
	},
	"field_steal": {
		def:     stealToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSteal },
	},
	"field_lock_status": {
		def:     lockStatusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleLockStatus },
	},
	"users_list": {
		def:     usersToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUsers },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server editing the document of sess.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(sess *session.Session, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"fieldsync",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(sess)

	disabled := make(map[string]bool)
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(sess *session.Session, cfg *config.Config, version string) error {
	s := NewServer(sess, cfg, version)
	return server.ServeStdio(s)
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
