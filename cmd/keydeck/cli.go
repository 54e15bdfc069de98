package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/export"
	"github.com/keydeck/keydeck/internal/telemetry"
	"github.com/keydeck/keydeck/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(manager *export.Manager, logger *slog.Logger) *cli.App {
	app := &cli.App{
		Name:    "keydeck",
		Usage:   "Incident bundle export for Redis/Memcached ops",
		Version: Version,
		Commands: []*cli.Command{
			previewCmd(manager),
			exportStartCmd(manager),
			statusCmd(manager),
			cancelCmd(manager),
			resumeCmd(manager),
			bundlesCmd(manager),
			bundleCmd(manager),
			serveCmd(manager, logger),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// requestFlags are the flags shared by preview and export.
func requestFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{Name: "from-ns", Required: true, Usage: "Window start, unix nanoseconds (inclusive)"},
		&cli.Int64Flag{Name: "to-ns", Required: true, Usage: "Window end, unix nanoseconds (exclusive)"},
		&cli.StringFlag{Name: "include", Aliases: []string{"i"}, Required: true, Usage: "Comma-separated artifact kinds: timeline,logs,diagnostics,metrics"},
		&cli.StringFlag{Name: "connections", Aliases: []string{"c"}, Usage: "Comma-separated connection IDs (default: all)"},
		&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "Restrict to one namespace ID"},
		&cli.StringFlag{Name: "profile", Aliases: []string{"p"}, Usage: "Redaction profile: default|strict"},
	}
}

// requestFromFlags builds a bundle request from the shared flags.
func requestFromFlags(c *cli.Context) bundle.Request {
	req := bundle.Request{
		Window: telemetry.Window{
			FromNs: c.Int64("from-ns"),
			ToNs:   c.Int64("to-ns"),
		},
		ConnectionIDs: splitList(c.String("connections")),
		Profile:       telemetry.Profile(c.String("profile")),
	}
	for _, k := range splitList(c.String("include")) {
		req.Includes = append(req.Includes, telemetry.Kind(k))
	}
	if ns := c.String("namespace"); ns != "" {
		req.NamespaceID = &ns
	}
	return req
}

// previewCmd creates the preview command.
func previewCmd(manager *export.Manager) *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Assemble a bundle preview without writing anything",
		Flags: requestFlags(),
		Action: func(c *cli.Context) error {
			preview, err := manager.Preview(c.Context, requestFromFlags(c))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(preview)
		},
	}
}

// exportStartCmd creates the export command. The CLI process is the job
// driver, so the command blocks until the job terminates; detached exports
// belong to the serve/MCP surfaces.
func exportStartCmd(manager *export.Manager) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export a bundle and wait for completion",
		Flags: append(requestFlags(),
			&cli.StringFlag{Name: "destination", Aliases: []string{"d"}, Usage: "Artifact path (.jsonl; default: generated under ~/.keydeck/exports)"},
		),
		Action: func(c *cli.Context) error {
			job, err := manager.Start(c.Context, requestFromFlags(c), c.String("destination"))
			if err != nil {
				return outputError(err)
			}
			return waitAndPrint(c.Context, manager, job.ID)
		},
	}
}

// statusCmd creates the status command.
func statusCmd(manager *export.Manager) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show an export job",
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewInvalidRequest("job ID is required"))
			}
			job, err := manager.Get(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(job)
		},
	}
}

// cancelCmd creates the cancel command.
func cancelCmd(manager *export.Manager) *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cancellation of an export job",
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewInvalidRequest("job ID is required"))
			}
			job, err := manager.Cancel(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(job)
		},
	}
}

// resumeCmd creates the resume command. Blocks like export: this process
// drives the re-run.
func resumeCmd(manager *export.Manager) *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Re-run a failed or cancelled export job and wait for completion",
		ArgsUsage: "<job-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewInvalidRequest("job ID is required"))
			}
			job, err := manager.Resume(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return waitAndPrint(c.Context, manager, job.ID)
		},
	}
}

// bundlesCmd creates the bundles listing command.
func bundlesCmd(manager *export.Manager) *cli.Command {
	return &cli.Command{
		Name:  "bundles",
		Usage: "List exported bundles, most recent first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum entries (default 50)"},
			&cli.StringFlag{Name: "namespace", Aliases: []string{"n"}, Usage: "Only bundles scoped to this namespace ID"},
		},
		Action: func(c *cli.Context) error {
			var namespaceID *string
			if ns := c.String("namespace"); ns != "" {
				namespaceID = &ns
			}
			bundles, err := manager.ListBundles(c.Context, c.Int("limit"), namespaceID)
			if err != nil {
				return outputError(err)
			}
			if bundles == nil {
				bundles = []*bundle.Bundle{}
			}
			return outputJSON(map[string]any{"bundles": bundles})
		},
	}
}

// bundleCmd creates the single-bundle command.
func bundleCmd(manager *export.Manager) *cli.Command {
	return &cli.Command{
		Name:      "bundle",
		Usage:     "Show one bundle catalog entry",
		ArgsUsage: "<bundle-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "report", Usage: "Print a markdown report instead of JSON"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return outputError(errors.NewInvalidRequest("bundle ID is required"))
			}
			entry, err := manager.GetBundle(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			if c.Bool("report") {
				fmt.Fprint(os.Stdout, bundle.Report(entry))
				return nil
			}
			return outputJSON(entry)
		},
	}
}

// serveCmd creates the serve command for the local HTTP API.
func serveCmd(manager *export.Manager, logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the local HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Bind address"},
			&cli.IntFlag{Name: "port", Value: 7433, Usage: "Listen port"},
		},
		Action: func(c *cli.Context) error {
			srv := web.NewServer(manager, logger, Version, c.String("bind"), c.Int("port"))
			return web.Run(srv, manager, logger)
		},
	}
}

// waitAndPrint polls a job until it reaches a terminal status, then prints
// it. Exits non-zero for failed or cancelled jobs.
func waitAndPrint(ctx context.Context, manager *export.Manager, jobID string) error {
	for {
		job, err := manager.Get(ctx, jobID)
		if err != nil {
			return outputError(err)
		}
		if job.Status.Terminal() {
			if err := outputJSON(job); err != nil {
				return err
			}
			if job.Status != bundle.JobSuccess {
				return cli.Exit("", 1)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return outputError(errors.NewCancelled("export wait"))
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if kErr, ok := err.(*errors.KeydeckError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", kErr.Code, kErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// splitList splits a comma-separated string into trimmed non-empty parts.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
