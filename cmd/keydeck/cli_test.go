package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/config"
	"github.com/keydeck/keydeck/internal/db"
	"github.com/keydeck/keydeck/internal/export"
	"github.com/keydeck/keydeck/internal/telemetry"
	"github.com/urfave/cli/v2"
)

// setupTestApp builds a CLI app over a seeded temporary database.
func setupTestApp(t *testing.T) (*cli.App, string) {
	t.Helper()

	tmpDir := t.TempDir()
	database, err := db.Init(tmpDir)
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.InsertConnection(database, "conn-1", "prod", "redis-prod:6379"); err != nil {
		t.Fatalf("InsertConnection failed: %v", err)
	}
	for _, rec := range []telemetry.Record{
		telemetry.TimelineEvent{Meta: telemetry.Meta{ID: "t1", ConnectionID: "conn-1", TsNs: 100}, Action: "SET", KeyPattern: "user:*"},
		telemetry.TimelineEvent{Meta: telemetry.Meta{ID: "t2", ConnectionID: "conn-1", TsNs: 200}, Action: "DEL", KeyPattern: "sess:*"},
		telemetry.LogEvent{Meta: telemetry.Meta{ID: "l1", ConnectionID: "conn-1", TsNs: 150}, Level: "warn", Message: "slow reply"},
	} {
		if err := db.InsertRecord(database, rec); err != nil {
			t.Fatalf("InsertRecord failed: %v", err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true // Allow temp dirs in tests

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := export.NewManager(database, &db.TelemetrySource{DB: database}, &db.Registry{DB: database}, cfg, logger, tmpDir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	return newCLIApp(manager, logger), tmpDir
}

// runApp runs the app with the given arguments and returns captured stdout.
func runApp(t *testing.T, app *cli.App, args ...string) (string, error) {
	t.Helper()

	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := app.Run(append([]string{"keydeck"}, args...))

	w.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	os.Stdout = oldStdout

	return buf.String(), err
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single item", input: "timeline", expected: []string{"timeline"}},
		{name: "multiple items", input: "timeline,logs,metrics", expected: []string{"timeline", "logs", "metrics"}},
		{name: "items with spaces", input: " timeline , logs ", expected: []string{"timeline", "logs"}},
		{name: "empty items filtered", input: "timeline,,logs,", expected: []string{"timeline", "logs"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitList(tt.input)
			if len(result) != len(tt.expected) {
				t.Fatalf("expected %d items, got %d", len(tt.expected), len(result))
			}
			for i, item := range result {
				if item != tt.expected[i] {
					t.Errorf("expected item[%d]=%q, got %q", i, tt.expected[i], item)
				}
			}
		})
	}
}

func TestCLIPreview(t *testing.T) {
	app, _ := setupTestApp(t)

	out, err := runApp(t, app, "preview",
		"--from-ns=0", "--to-ns=1000", "--include=timeline,logs")
	if err != nil {
		t.Fatalf("preview command failed: %v", err)
	}

	var preview bundle.Preview
	if err := json.Unmarshal([]byte(out), &preview); err != nil {
		t.Fatalf("failed to parse preview output %q: %v", out, err)
	}
	if preview.Counts.Timeline != 2 || preview.Counts.Logs != 1 {
		t.Errorf("expected counts 2/1, got %+v", preview.Counts)
	}
	if preview.ChecksumPreview == "" {
		t.Error("expected a checksum preview")
	}
}

func TestCLIPreviewInvalidWindow(t *testing.T) {
	app, _ := setupTestApp(t)

	_, err := runApp(t, app, "preview",
		"--from-ns=100", "--to-ns=100", "--include=timeline")
	if err == nil {
		t.Fatal("expected an error for an empty window")
	}
	if !strings.Contains(err.Error(), "INVALID_WINDOW") {
		t.Errorf("expected INVALID_WINDOW in error, got %q", err.Error())
	}
}

func TestCLIExportWaitsForCompletion(t *testing.T) {
	app, dir := setupTestApp(t)
	dest := filepath.Join(dir, "cli-export.jsonl")

	out, err := runApp(t, app, "export",
		"--from-ns=0", "--to-ns=1000", "--include=timeline,logs",
		"--destination="+dest)
	if err != nil {
		t.Fatalf("export command failed: %v", err)
	}

	var job bundle.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("failed to parse job output %q: %v", out, err)
	}
	if job.Status != bundle.JobSuccess {
		t.Fatalf("expected success, got %s", job.Status)
	}
	if job.ProgressPercent != 100 || job.Checksum == nil {
		t.Errorf("completed job must report 100%% and a checksum: %+v", job)
	}
	if _, statErr := os.Stat(dest); statErr != nil {
		t.Errorf("artifact missing at %s: %v", dest, statErr)
	}
}

func TestCLIStatusAndBundles(t *testing.T) {
	app, dir := setupTestApp(t)
	dest := filepath.Join(dir, "status-test.jsonl")

	out, err := runApp(t, app, "export",
		"--from-ns=0", "--to-ns=1000", "--include=timeline",
		"--destination="+dest)
	if err != nil {
		t.Fatalf("export command failed: %v", err)
	}
	var job bundle.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("failed to parse job output: %v", err)
	}

	out, err = runApp(t, app, "status", job.ID)
	if err != nil {
		t.Fatalf("status command failed: %v", err)
	}
	var got bundle.Job
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("failed to parse status output: %v", err)
	}
	if got.ID != job.ID || got.Status != bundle.JobSuccess {
		t.Errorf("unexpected status output: %+v", got)
	}

	out, err = runApp(t, app, "bundles")
	if err != nil {
		t.Fatalf("bundles command failed: %v", err)
	}
	var listing struct {
		Bundles []*bundle.Bundle `json:"bundles"`
	}
	if err := json.Unmarshal([]byte(out), &listing); err != nil {
		t.Fatalf("failed to parse bundles output: %v", err)
	}
	if len(listing.Bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(listing.Bundles))
	}

	out, err = runApp(t, app, "bundle", "--report", listing.Bundles[0].ID)
	if err != nil {
		t.Fatalf("bundle --report failed: %v", err)
	}
	if !strings.Contains(out, listing.Bundles[0].Checksum) {
		t.Error("report should include the bundle checksum")
	}
}

func TestCLICancelTerminalIsNoOp(t *testing.T) {
	app, dir := setupTestApp(t)
	dest := filepath.Join(dir, "cancel-test.jsonl")

	out, err := runApp(t, app, "export",
		"--from-ns=0", "--to-ns=1000", "--include=timeline",
		"--destination="+dest)
	if err != nil {
		t.Fatalf("export command failed: %v", err)
	}
	var job bundle.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("failed to parse job output: %v", err)
	}

	out, err = runApp(t, app, "cancel", job.ID)
	if err != nil {
		t.Fatalf("cancel on a finished job must not fail: %v", err)
	}
	var cancelled bundle.Job
	if err := json.Unmarshal([]byte(out), &cancelled); err != nil {
		t.Fatalf("failed to parse cancel output: %v", err)
	}
	if cancelled.Status != bundle.JobSuccess {
		t.Errorf("finished job must be returned unchanged, got %s", cancelled.Status)
	}

	_, err = runApp(t, app, "resume", job.ID)
	if err == nil {
		t.Fatal("expected resume on a finished job to fail")
	}
	if !strings.Contains(err.Error(), "INVALID_JOB_STATE") {
		t.Errorf("expected INVALID_JOB_STATE in error, got %q", err.Error())
	}
}

func TestCLIStatusNotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	_, err := runApp(t, app, "status", "missing-job")
	if err == nil {
		t.Fatal("expected an error for a missing job")
	}
	if !strings.Contains(err.Error(), "NOT_FOUND") {
		t.Errorf("expected NOT_FOUND in error, got %q", err.Error())
	}
}

func TestCLIMissingArgument(t *testing.T) {
	app, _ := setupTestApp(t)

	for _, cmd := range []string{"status", "cancel", "resume", "bundle"} {
		_, err := runApp(t, app, cmd)
		if err == nil {
			t.Errorf("%s without an ID should fail", cmd)
		}
	}
}
