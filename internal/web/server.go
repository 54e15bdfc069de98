// Package web serves the local HTTP API the desktop shell talks to: preview,
// export job control, the bundle catalog, and an HTML report view.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/keydeck/keydeck/internal/export"
)

// NewServer creates and configures the HTTP server for the keydeck service.
func NewServer(manager *export.Manager, logger *slog.Logger, version, bind string, port int) *http.Server {
	h := &Handlers{
		manager: manager,
		logger:  logger,
		version: version,
	}

	mux := http.NewServeMux()

	// Routes using Go 1.22+ pattern syntax
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/bundles", http.StatusFound)
	})
	mux.HandleFunc("POST /api/preview", h.HandlePreview)
	mux.HandleFunc("POST /api/exports", h.HandleStartExport)
	mux.HandleFunc("GET /api/exports/{id}", h.HandleGetJob)
	mux.HandleFunc("POST /api/exports/{id}/cancel", h.HandleCancelJob)
	mux.HandleFunc("POST /api/exports/{id}/resume", h.HandleResumeJob)
	mux.HandleFunc("GET /api/bundles", h.HandleListBundles)
	mux.HandleFunc("GET /api/bundles/{id}", h.HandleGetBundle)
	mux.HandleFunc("GET /bundles/{id}/report", h.HandleBundleReport)

	handler := securityHeaders(mux)

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", bind, port),
		Handler: handler,
	}
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
// Running export jobs are drained before the process exits.
func Run(srv *http.Server, manager *export.Manager, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("keydeck service running", "addr", srv.Addr)

	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		logger.Warn("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(ctx)
		manager.Wait()
		return err
	}
}
