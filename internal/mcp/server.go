package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/casetrack/internal/config"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"tracker_signal": {
		def:     signalToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleSignal },
	},
	"tracker_track": {
		def:     trackToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTrack },
	},
	"tracker_flag": {
		def:     flagToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFlag },
	},
	"tracker_flush": {
		def:     flushToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleFlush },
	},
	"tracker_status": {
		def:     statusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStatus },
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

// NewServer creates a new MCP server with the tracker tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(h *Handlers, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"casetrack",
		version,
		server.WithToolCapabilities(true),
	)

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

// Run serves the tracker tools over stdio. The current page load is closed
// when the client disconnects.
func Run(h *Handlers, cfg *config.Config, version string) error {
	s := NewServer(h, cfg, version)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout()+time.Second)
		defer cancel()
		_ = h.Close(ctx)
	}()
	return server.ServeStdio(s)
}
