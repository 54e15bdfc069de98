package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/errors"
)

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderError writes a structured JSON error. Unknown errors map to 500;
// server-side failures are logged.
func (h *Handlers) renderError(w http.ResponseWriter, err error) {
	var kErr *errors.KeydeckError
	if !stderrors.As(err, &kErr) {
		kErr = errors.NewInternal(err)
	}
	if kErr.Status >= 500 {
		h.logger.Error("request failed", "code", string(kErr.Code), "error", kErr.Message)
	}

	renderJSON(w, kErr.Status, map[string]any{
		"error": map[string]any{
			"code":    string(kErr.Code),
			"message": kErr.Message,
			"status":  kErr.Status,
			"details": kErr.Details,
		},
	})
}

// reportPage wraps rendered report HTML in a minimal self-contained page.
// The desktop shell embeds this view directly; there is no shared layout.
const reportPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #1a1a2e; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.8rem; text-align: left; }
code { background: #f2f2f5; padding: 0.1rem 0.3rem; border-radius: 3px; }
blockquote { border-left: 3px solid #e0a030; margin-left: 0; padding-left: 1rem; color: #555; }
footer { margin-top: 2rem; font-size: 0.8rem; color: #888; }
</style>
</head>
<body>
%s
<footer>keydeck %s</footer>
</body>
</html>
`

// renderReport converts a bundle's markdown report to HTML using goldmark
// and writes it as a full page.
func (h *Handlers) renderReport(w http.ResponseWriter, entry *bundle.Bundle) {
	md := bundle.Report(entry)

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		h.renderError(w, errors.NewInternal(err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, reportPage,
		template.HTMLEscapeString("Incident bundle "+entry.ID),
		buf.String(),
		template.HTMLEscapeString(h.version))
}
