// Package mcp exposes the incident bundle operations as MCP tools over
// stdio, so agent tooling can drive previews and exports.
package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/export"
	"github.com/keydeck/keydeck/internal/telemetry"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	manager *export.Manager
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(manager *export.Manager) *Handlers {
	return &Handlers{manager: manager}
}

// Request types for each tool

// BundleRequest represents the shared preview/export request arguments.
type BundleRequest struct {
	Window        telemetry.Window `json:"window"`
	ConnectionIDs []string         `json:"connection_ids,omitempty"`
	NamespaceID   *string          `json:"namespace_id,omitempty"`
	Includes      []string         `json:"includes"`
	Profile       string           `json:"profile,omitempty"`
	Destination   string           `json:"destination,omitempty"`
}

func (r BundleRequest) toBundle() bundle.Request {
	includes := make([]telemetry.Kind, 0, len(r.Includes))
	for _, k := range r.Includes {
		includes = append(includes, telemetry.Kind(k))
	}
	return bundle.Request{
		Window:        r.Window,
		ConnectionIDs: r.ConnectionIDs,
		NamespaceID:   r.NamespaceID,
		Includes:      includes,
		Profile:       telemetry.Profile(r.Profile),
	}
}

// JobRequest represents the arguments for status/cancel/resume.
type JobRequest struct {
	JobID string `json:"job_id"`
}

// ListRequest represents the arguments for bundle listing.
type ListRequest struct {
	Limit       int     `json:"limit,omitempty"`
	NamespaceID *string `json:"namespace_id,omitempty"`
}

// Handler implementations

// HandlePreview handles the incident_preview tool call.
func (h *Handlers) HandlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[BundleRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Destination != "" {
		return errorResult(errors.NewInvalidRequest("preview does not accept a destination")), nil
	}

	preview, err := h.manager.Preview(ctx, input.toBundle())
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(preview)
}

// HandleExportStart handles the incident_export_start tool call.
func (h *Handlers) HandleExportStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[BundleRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	job, err := h.manager.Start(ctx, input.toBundle(), input.Destination)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(job)
}

// HandleExportStatus handles the incident_export_status tool call.
func (h *Handlers) HandleExportStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[JobRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	job, err := h.manager.Get(ctx, input.JobID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(job)
}

// HandleExportCancel handles the incident_export_cancel tool call.
func (h *Handlers) HandleExportCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[JobRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	job, err := h.manager.Cancel(ctx, input.JobID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(job)
}

// HandleExportResume handles the incident_export_resume tool call.
func (h *Handlers) HandleExportResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[JobRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	job, err := h.manager.Resume(ctx, input.JobID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(job)
}

// HandleBundleList handles the incident_bundle_list tool call.
func (h *Handlers) HandleBundleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	bundles, err := h.manager.ListBundles(ctx, input.Limit, input.NamespaceID)
	if err != nil {
		return errorResult(err), nil
	}
	if bundles == nil {
		bundles = []*bundle.Bundle{}
	}
	return successResult(map[string]any{"bundles": bundles})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Note: Internal error details are not exposed to prevent leaking sensitive info.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if kErr, ok := err.(*errors.KeydeckError); ok {
		errorObj := map[string]any{
			"code":    kErr.Code,
			"message": kErr.Message,
			"status":  kErr.Status,
		}
		// Only include details for non-internal errors to avoid leaking
		// sensitive info like file paths or SQL errors
		if kErr.Code != errors.ErrInternal && kErr.Details != nil {
			errorObj["details"] = kErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
