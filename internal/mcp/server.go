package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/keydeck/keydeck/internal/config"
	"github.com/keydeck/keydeck/internal/export"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"incident_preview": {
		def:     previewToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePreview },
	},
	"incident_export_start": {
		def:     exportStartToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExportStart },
	},
	"incident_export_status": {
		def:     exportStatusToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExportStatus },
	},
	"incident_export_cancel": {
		def:     exportCancelToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExportCancel },
	},
	"incident_export_resume": {
		def:     exportResumeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExportResume },
	},
	"incident_bundle_list": {
		def:     bundleListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleBundleList },
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

// NewServer creates a new MCP server with the incident tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(manager *export.Manager, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"keydeck",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(manager)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
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

// Run starts the MCP server using stdio transport. Logging goes to stderr;
// stdout carries the protocol.
func Run(manager *export.Manager, cfg *config.Config, logger *slog.Logger, version string) error {
	s := NewServer(manager, cfg, version)
	logger.Info("mcp server listening on stdio", "version", version)
	return server.ServeStdio(s)
}
