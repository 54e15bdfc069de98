// Package bundle implements the incident bundle domain model and the
// assembler that turns a request into a redacted, checksummed, deterministic
// snapshot of telemetry: manifest construction, canonical encoding, content
// hashing, and the durable artifact writer.
package bundle

import (
	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/telemetry"
)

// Request describes what a preview or export should cover.
type Request struct {
	Window        telemetry.Window  `json:"window"`
	ConnectionIDs []string          `json:"connection_ids,omitempty"`
	NamespaceID   *string           `json:"namespace_id,omitempty"`
	Includes      []telemetry.Kind  `json:"includes"`
	Profile       telemetry.Profile `json:"profile"`
}

// Normalize validates the request in place: the window must be a non-empty
// half-open interval, includes must name at least one known kind (duplicates
// collapse, canonical kind order is imposed), and the profile must parse
// (empty selects default).
func (r *Request) Normalize() error {
	if !r.Window.Valid() {
		return errors.NewInvalidWindow(r.Window.FromNs, r.Window.ToNs)
	}

	if len(r.Includes) == 0 {
		return errors.NewEmptyIncludeSet()
	}
	requested := make(map[telemetry.Kind]bool, len(r.Includes))
	for _, k := range r.Includes {
		if _, ok := telemetry.ParseKind(string(k)); !ok {
			return errors.NewInvalidRequest("unknown artifact kind: " + string(k))
		}
		requested[k] = true
	}
	// Canonical order keeps manifest layout and checksum independent of the
	// order the caller listed kinds in.
	normalized := make([]telemetry.Kind, 0, len(requested))
	for _, k := range telemetry.AllKinds {
		if requested[k] {
			normalized = append(normalized, k)
		}
	}
	r.Includes = normalized

	profile, ok := telemetry.ParseProfile(string(r.Profile))
	if !ok {
		return errors.NewInvalidRequest("unknown redaction profile: " + string(r.Profile))
	}
	r.Profile = profile

	return nil
}

// Manifest lists the admitted record IDs per kind, each section ordered by
// (ts_ns, id) ascending. The ordering is an invariant: it fixes the byte
// order the checksum is computed over.
type Manifest struct {
	TimelineEventIDs   []string `json:"timeline_event_ids"`
	LogEventIDs        []string `json:"log_event_ids"`
	DiagnosticEventIDs []string `json:"diagnostic_event_ids"`
	MetricSnapshotIDs  []string `json:"metric_snapshot_ids"`
}

// Counts holds the number of admitted records per kind.
type Counts struct {
	Timeline    int `json:"timeline"`
	Logs        int `json:"logs"`
	Diagnostics int `json:"diagnostics"`
	Metrics     int `json:"metrics"`
}

// Of returns the count for one kind.
func (c Counts) Of(kind telemetry.Kind) int {
	switch kind {
	case telemetry.KindTimeline:
		return c.Timeline
	case telemetry.KindLogs:
		return c.Logs
	case telemetry.KindDiagnostics:
		return c.Diagnostics
	case telemetry.KindMetrics:
		return c.Metrics
	}
	return 0
}

// Total returns the count across all kinds.
func (c Counts) Total() int {
	return c.Timeline + c.Logs + c.Diagnostics + c.Metrics
}

func (c *Counts) set(kind telemetry.Kind, n int) {
	switch kind {
	case telemetry.KindTimeline:
		c.Timeline = n
	case telemetry.KindLogs:
		c.Logs = n
	case telemetry.KindDiagnostics:
		c.Diagnostics = n
	case telemetry.KindMetrics:
		c.Metrics = n
	}
}

// Preview is the ephemeral result of assembling without persistence.
type Preview struct {
	Counts             Counts   `json:"counts"`
	EstimatedSizeBytes int64    `json:"estimated_size_bytes"`
	ChecksumPreview    string   `json:"checksum_preview"`
	Truncated          bool     `json:"truncated"`
	Manifest           Manifest `json:"manifest"`
}

// Bundle is the persisted catalog entry created on successful export.
// Immutable after creation.
type Bundle struct {
	ID          string            `json:"id"`
	JobID       string            `json:"job_id"`
	CreatedAt   int64             `json:"created_at"` // unix millis
	Profile     telemetry.Profile `json:"profile"`
	Counts      Counts            `json:"counts"`
	Truncated   bool              `json:"truncated"`
	Checksum    string            `json:"checksum"`
	SizeBytes   int64             `json:"size_bytes"`
	Destination string            `json:"destination"`
	NamespaceID *string           `json:"namespace_id,omitempty"`
}

// JobStatus is the lifecycle state of an export job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions other
// than an explicit resume (failed/cancelled only).
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// JobStage is the phase a running export job is in. Meaningful only while
// the job is running; stages advance monotonically within a run.
type JobStage string

const (
	StageCollecting JobStage = "collecting"
	StageRedacting  JobStage = "redacting"
	StageWriting    JobStage = "writing"
	StageFinalizing JobStage = "finalizing"
)

// Job is the persisted record of an export. A job row is retained after
// termination for status inspection; it produces at most one Bundle, only on
// success.
type Job struct {
	ID              string    `json:"id"`
	Status          JobStatus `json:"status"`
	Stage           JobStage  `json:"stage,omitempty"`
	ProgressPercent int       `json:"progress_percent"`
	Destination     string    `json:"destination"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
	Checksum        *string   `json:"checksum,omitempty"`
	BundleID        *string   `json:"bundle_id,omitempty"`
	Request         Request   `json:"request"`
	CreatedAt       int64     `json:"created_at"` // unix millis
	UpdatedAt       int64     `json:"updated_at"`
}
