package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/config"
	"github.com/keydeck/keydeck/internal/db"
	"github.com/keydeck/keydeck/internal/export"
	"github.com/keydeck/keydeck/internal/telemetry"
)

type testServer struct {
	handler http.Handler
	dir     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Init(dir)
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.InsertConnection(database, "conn-1", "prod", "redis-prod:6379"); err != nil {
		t.Fatalf("InsertConnection failed: %v", err)
	}
	for _, rec := range []telemetry.Record{
		telemetry.TimelineEvent{Meta: telemetry.Meta{ID: "t1", ConnectionID: "conn-1", TsNs: 100}, Action: "SET", KeyPattern: "cache:*"},
		telemetry.TimelineEvent{Meta: telemetry.Meta{ID: "t2", ConnectionID: "conn-1", TsNs: 200}, Action: "DEL"},
		telemetry.TimelineEvent{Meta: telemetry.Meta{ID: "t3", ConnectionID: "conn-1", TsNs: 300}, Action: "EXPIRE"},
		telemetry.MetricSnapshot{Meta: telemetry.Meta{ID: "m1", ConnectionID: "conn-1", TsNs: 150}, Values: map[string]float64{"used_memory": 512}},
	} {
		if err := db.InsertRecord(database, rec); err != nil {
			t.Fatalf("InsertRecord failed: %v", err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := export.NewManager(database, &db.TelemetrySource{DB: database}, &db.Registry{DB: database}, cfg, logger, dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	srv := NewServer(manager, logger, "test", "127.0.0.1", 0)
	return &testServer{handler: srv.Handler, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body failed: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func previewBody() map[string]any {
	return map[string]any{
		"window":   map[string]int64{"from_ns": 0, "to_ns": 1000},
		"includes": []string{"timeline", "metrics"},
	}
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeResponse(t, rec, &body)
	return body.Error.Code
}

func waitJob(t *testing.T, ts *testServer, jobID string) *bundle.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := ts.do(t, "GET", "/api/exports/"+jobID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET job returned %d: %s", rec.Code, rec.Body.String())
		}
		var job bundle.Job
		decodeResponse(t, rec, &job)
		if job.Status.Terminal() {
			return &job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never terminated", jobID)
	return nil
}

func TestPreviewEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/preview", previewBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var preview bundle.Preview
	decodeResponse(t, rec, &preview)
	if preview.Counts.Timeline != 3 || preview.Counts.Metrics != 1 {
		t.Errorf("expected counts 3/1, got %+v", preview.Counts)
	}
	if preview.ChecksumPreview == "" {
		t.Error("expected a checksum preview")
	}
}

func TestPreviewErrors(t *testing.T) {
	ts := newTestServer(t)

	t.Run("invalid window", func(t *testing.T) {
		body := previewBody()
		body["window"] = map[string]int64{"from_ns": 100, "to_ns": 100}
		rec := ts.do(t, "POST", "/api/preview", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		if code := errorCode(t, rec); code != "INVALID_WINDOW" {
			t.Errorf("expected INVALID_WINDOW, got %s", code)
		}
	})

	t.Run("empty includes", func(t *testing.T) {
		body := previewBody()
		body["includes"] = []string{}
		rec := ts.do(t, "POST", "/api/preview", body)
		if code := errorCode(t, rec); code != "EMPTY_INCLUDE_SET" {
			t.Errorf("expected EMPTY_INCLUDE_SET, got %s", code)
		}
	})

	t.Run("unknown connection", func(t *testing.T) {
		body := previewBody()
		body["connection_ids"] = []string{"conn-missing"}
		rec := ts.do(t, "POST", "/api/preview", body)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
		if code := errorCode(t, rec); code != "UNKNOWN_CONNECTION" {
			t.Errorf("expected UNKNOWN_CONNECTION, got %s", code)
		}
	})

	t.Run("unknown body field", func(t *testing.T) {
		body := previewBody()
		body["windw"] = "typo"
		rec := ts.do(t, "POST", "/api/preview", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown field, got %d", rec.Code)
		}
	})

	t.Run("destination rejected", func(t *testing.T) {
		body := previewBody()
		body["destination"] = "/tmp/out.jsonl"
		rec := ts.do(t, "POST", "/api/preview", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestExportEndpoints(t *testing.T) {
	ts := newTestServer(t)

	body := previewBody()
	body["destination"] = filepath.Join(ts.dir, "api.jsonl")
	rec := ts.do(t, "POST", "/api/exports", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var job bundle.Job
	decodeResponse(t, rec, &job)
	if job.Status != bundle.JobRunning {
		t.Errorf("expected running job, got %s", job.Status)
	}

	done := waitJob(t, ts, job.ID)
	if done.Status != bundle.JobSuccess {
		t.Fatalf("expected success, got %s", done.Status)
	}
	if done.BundleID == nil {
		t.Fatal("success job must reference its bundle")
	}

	// Cancel after success is a no-op.
	rec = ts.do(t, "POST", "/api/exports/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel on terminal job must return 200, got %d", rec.Code)
	}

	// Resume after success is an invalid transition.
	rec = ts.do(t, "POST", "/api/exports/"+job.ID+"/resume", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_JOB_STATE" {
		t.Errorf("expected INVALID_JOB_STATE, got %s", code)
	}

	// Catalog listing and detail.
	rec = ts.do(t, "GET", "/api/bundles", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listing struct {
		Bundles []*bundle.Bundle `json:"bundles"`
	}
	decodeResponse(t, rec, &listing)
	if len(listing.Bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(listing.Bundles))
	}

	rec = ts.do(t, "GET", "/api/bundles/"+*done.BundleID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entry bundle.Bundle
	decodeResponse(t, rec, &entry)
	if entry.Checksum != *done.Checksum {
		t.Errorf("bundle checksum %s does not match job %s", entry.Checksum, *done.Checksum)
	}
}

func TestJobNotFoundEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/exports/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestBundleReportEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body := previewBody()
	body["destination"] = filepath.Join(ts.dir, "report.jsonl")
	rec := ts.do(t, "POST", "/api/exports", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var job bundle.Job
	decodeResponse(t, rec, &job)
	done := waitJob(t, ts, job.ID)
	if done.Status != bundle.JobSuccess {
		t.Fatalf("expected success, got %s", done.Status)
	}

	rec = ts.do(t, "GET", "/bundles/"+*done.BundleID+"/report", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected HTML content type, got %s", ct)
	}
	html := rec.Body.String()
	if !strings.Contains(html, *done.Checksum) {
		t.Error("report must show the bundle checksum")
	}
	if !strings.Contains(html, "<table>") {
		t.Error("report must render the counts table as HTML")
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/bundles", nil)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("expected %s: %s, got %q", header, want, got)
		}
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Error("expected a Content-Security-Policy header")
	}
}

func TestMethodRouting(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "GET", "/api/preview", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET /api/preview, got %d", rec.Code)
	}
	rec = ts.do(t, "DELETE", fmt.Sprintf("/api/exports/%s", "some-id"), nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for DELETE on job, got %d", rec.Code)
	}
}
