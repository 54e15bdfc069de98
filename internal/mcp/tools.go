package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// windowSchema is the shared JSON schema for the request time window.
var windowSchema = map[string]any{
	"type":        "object",
	"description": "Half-open time interval [from_ns, to_ns) in unix nanoseconds; from_ns < to_ns required.",
	"properties": map[string]any{
		"from_ns": map[string]any{"type": "integer"},
		"to_ns":   map[string]any{"type": "integer"},
	},
	"required": []string{"from_ns", "to_ns"},
}

var previewToolDef = mcp.NewTool("incident_preview",
	mcp.WithDescription("Assemble an incident bundle preview without persisting anything: per-kind record counts, size estimate, truncation flag, record manifest, and a checksum prefix."),
	mcp.WithObject("window", mcp.Required(),
		mcp.Properties(windowSchema["properties"].(map[string]any)),
		mcp.Description("Time window to cover, [from_ns, to_ns) in unix nanoseconds."),
	),
	mcp.WithArray("includes", mcp.Required(),
		mcp.Description("Artifact kinds to include: timeline, logs, diagnostics, metrics."),
		mcp.Items(map[string]any{"type": "string", "enum": []string{"timeline", "logs", "diagnostics", "metrics"}}),
	),
	mcp.WithArray("connection_ids",
		mcp.Description("Restrict to these connection IDs. Omit for all connections."),
		mcp.Items(map[string]any{"type": "string"}),
	),
	mcp.WithString("namespace_id",
		mcp.Description("Restrict to one namespace."),
	),
	mcp.WithString("profile",
		mcp.Description("Redaction profile: default or strict. Omit for default."),
		mcp.Enum("default", "strict"),
	),
)

var exportStartToolDef = mcp.NewTool("incident_export_start",
	mcp.WithDescription("Start a background export job for an incident bundle. Returns the running job; poll incident_export_status for completion."),
	mcp.WithObject("window", mcp.Required(),
		mcp.Properties(windowSchema["properties"].(map[string]any)),
		mcp.Description("Time window to cover, [from_ns, to_ns) in unix nanoseconds."),
	),
	mcp.WithArray("includes", mcp.Required(),
		mcp.Description("Artifact kinds to include: timeline, logs, diagnostics, metrics."),
		mcp.Items(map[string]any{"type": "string", "enum": []string{"timeline", "logs", "diagnostics", "metrics"}}),
	),
	mcp.WithArray("connection_ids",
		mcp.Description("Restrict to these connection IDs. Omit for all connections."),
		mcp.Items(map[string]any{"type": "string"}),
	),
	mcp.WithString("namespace_id",
		mcp.Description("Restrict to one namespace."),
	),
	mcp.WithString("profile",
		mcp.Description("Redaction profile: default or strict. Omit for default."),
		mcp.Enum("default", "strict"),
	),
	mcp.WithString("destination",
		mcp.Description("Artifact path (.jsonl, inside the exports directory or an allowed path). Omit for a generated path."),
	),
)

var exportStatusToolDef = mcp.NewTool("incident_export_status",
	mcp.WithDescription("Get the current status, stage, and progress of an export job."),
	mcp.WithString("job_id", mcp.Required(), mcp.Description("Export job ID.")),
)

var exportCancelToolDef = mcp.NewTool("incident_export_cancel",
	mcp.WithDescription("Request cooperative cancellation of a running export job. Cancelling a finished job is a no-op."),
	mcp.WithString("job_id", mcp.Required(), mcp.Description("Export job ID.")),
)

var exportResumeToolDef = mcp.NewTool("incident_export_resume",
	mcp.WithDescription("Resume a failed or cancelled export job. Re-runs every stage from scratch with the original request."),
	mcp.WithString("job_id", mcp.Required(), mcp.Description("Export job ID.")),
)

var bundleListToolDef = mcp.NewTool("incident_bundle_list",
	mcp.WithDescription("List exported incident bundles, most recent first."),
	mcp.WithNumber("limit", mcp.Description("Maximum entries to return. Defaults to 50.")),
	mcp.WithString("namespace_id", mcp.Description("Only bundles scoped to this namespace.")),
)
