package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/export"
	"github.com/keydeck/keydeck/internal/telemetry"
)

// Handlers contains HTTP route handlers for the keydeck service.
type Handlers struct {
	manager *export.Manager
	logger  *slog.Logger
	version string
}

// exportRequest is the wire form of a preview/export request body.
type exportRequest struct {
	Window        telemetry.Window `json:"window"`
	ConnectionIDs []string         `json:"connection_ids,omitempty"`
	NamespaceID   *string          `json:"namespace_id,omitempty"`
	Includes      []string         `json:"includes"`
	Profile       string           `json:"profile,omitempty"`
	Destination   string           `json:"destination,omitempty"`
}

func (req *exportRequest) toBundle() bundle.Request {
	includes := make([]telemetry.Kind, 0, len(req.Includes))
	for _, k := range req.Includes {
		includes = append(includes, telemetry.Kind(k))
	}
	return bundle.Request{
		Window:        req.Window,
		ConnectionIDs: req.ConnectionIDs,
		NamespaceID:   req.NamespaceID,
		Includes:      includes,
		Profile:       telemetry.Profile(req.Profile),
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewInvalidRequest("invalid request body: " + err.Error())
	}
	return nil
}

// HandlePreview handles POST /api/preview — assemble without persistence.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		h.renderError(w, err)
		return
	}
	if req.Destination != "" {
		h.renderError(w, errors.NewInvalidRequest("preview does not accept a destination"))
		return
	}

	preview, err := h.manager.Preview(r.Context(), req.toBundle())
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, preview)
}

// HandleStartExport handles POST /api/exports — start an export job.
func (h *Handlers) HandleStartExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		h.renderError(w, err)
		return
	}

	job, err := h.manager.Start(r.Context(), req.toBundle(), req.Destination)
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusAccepted, job)
}

// HandleGetJob handles GET /api/exports/{id} — job status polling.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, job)
}

// HandleCancelJob handles POST /api/exports/{id}/cancel.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, job)
}

// HandleResumeJob handles POST /api/exports/{id}/resume.
func (h *Handlers) HandleResumeJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, job)
}

// HandleListBundles handles GET /api/bundles — the catalog, most recent
// first. Optional query params: limit, namespace_id.
func (h *Handlers) HandleListBundles(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 0)
	var namespaceID *string
	if ns := r.URL.Query().Get("namespace_id"); ns != "" {
		namespaceID = &ns
	}

	bundles, err := h.manager.ListBundles(r.Context(), limit, namespaceID)
	if err != nil {
		h.renderError(w, err)
		return
	}
	if bundles == nil {
		bundles = []*bundle.Bundle{}
	}
	renderJSON(w, http.StatusOK, map[string]any{"bundles": bundles})
}

// HandleGetBundle handles GET /api/bundles/{id}.
func (h *Handlers) HandleGetBundle(w http.ResponseWriter, r *http.Request) {
	entry, err := h.manager.GetBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	renderJSON(w, http.StatusOK, entry)
}

// HandleBundleReport handles GET /bundles/{id}/report — an HTML summary of
// one catalog entry.
func (h *Handlers) HandleBundleReport(w http.ResponseWriter, r *http.Request) {
	entry, err := h.manager.GetBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.renderReport(w, entry)
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
