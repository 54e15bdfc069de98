// Package telemetry defines the artifact record model shared by the bundle
// assembler and the export job manager, the read contracts implemented by
// the telemetry stores, and the redaction pipeline.
package telemetry

import "context"

// Kind identifies one of the four artifact kinds a bundle can include.
type Kind string

const (
	KindTimeline    Kind = "timeline"
	KindLogs        Kind = "logs"
	KindDiagnostics Kind = "diagnostics"
	KindMetrics     Kind = "metrics"
)

// AllKinds lists every kind in canonical order. Manifest sections, config
// caps, and artifact layout all follow this order.
var AllKinds = []Kind{KindTimeline, KindLogs, KindDiagnostics, KindMetrics}

// ParseKind maps a string to a Kind. Returns false for unknown names.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindTimeline, KindLogs, KindDiagnostics, KindMetrics:
		return Kind(s), true
	}
	return "", false
}

// Window is a half-open time interval [FromNs, ToNs) in unix nanoseconds.
type Window struct {
	FromNs int64 `json:"from_ns"`
	ToNs   int64 `json:"to_ns"`
}

// Valid reports whether the window is well-formed (from < to).
func (w Window) Valid() bool {
	return w.FromNs < w.ToNs
}

// Contains reports whether tsNs falls inside the window.
func (w Window) Contains(tsNs int64) bool {
	return tsNs >= w.FromNs && tsNs < w.ToNs
}

// Meta carries the identity fields common to every artifact record.
// Identity survives redaction so a manifest can reference original IDs
// without re-exposing raw content.
type Meta struct {
	ID           string  `json:"id"`
	ConnectionID string  `json:"connection_id"`
	NamespaceID  *string `json:"namespace_id,omitempty"`
	TsNs         int64   `json:"ts_ns"`
}

// RecordMeta returns the record's identity fields.
func (m Meta) RecordMeta() Meta { return m }

// Record is one immutable artifact record as returned by a Source.
// Concrete types are the four per-kind variants below.
type Record interface {
	RecordMeta() Meta
	Kind() Kind
}

// TimelineEvent is one operator or system action on a monitored connection
// (key mutation, flush, config change).
type TimelineEvent struct {
	Meta
	Action     string            `json:"action"`
	KeyPattern string            `json:"key_pattern,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`

	// Sensitive lists Extra keys the producing store tagged as potentially
	// sensitive. It is adapter metadata and never serialized into a bundle.
	Sensitive []string `json:"-"`
}

// Kind implements Record.
func (TimelineEvent) Kind() Kind { return KindTimeline }

// LogEvent is one structured log line captured from a monitored connection.
type LogEvent struct {
	Meta
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Extra   map[string]string `json:"extra,omitempty"`

	Sensitive []string `json:"-"`
}

// Kind implements Record.
func (LogEvent) Kind() Kind { return KindLogs }

// DiagnosticEvent is one captured failure diagnostic (connection error,
// command failure, protocol anomaly).
type DiagnosticEvent struct {
	Meta
	Category   string            `json:"category"`
	Host       string            `json:"host,omitempty"`
	ErrorText  string            `json:"error_text,omitempty"`
	StackTrace string            `json:"stack_trace,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`

	Sensitive []string `json:"-"`
}

// Kind implements Record.
func (DiagnosticEvent) Kind() Kind { return KindDiagnostics }

// MetricSnapshot is one point-in-time set of numeric gauges for a monitored
// connection (memory, clients, hit ratio).
type MetricSnapshot struct {
	Meta
	Host   string             `json:"host,omitempty"`
	Values map[string]float64 `json:"values,omitempty"`
	Extra  map[string]string  `json:"extra,omitempty"`

	Sensitive []string `json:"-"`
}

// Kind implements Record.
func (MetricSnapshot) Kind() Kind { return KindMetrics }

// Query filters a Source read: mandatory window, optional connection and
// namespace restriction.
type Query struct {
	Window        Window
	ConnectionIDs []string
	NamespaceID   *string
}

// Source is the read-only contract the assembler requires from each
// telemetry store. Fetch returns records ordered by (ts_ns, id) ascending;
// it is finite and restartable: calling again with the same query yields the
// same logical result set as of call time. Count is the upfront estimate
// used for export progress.
type Source interface {
	Fetch(ctx context.Context, kind Kind, q Query) ([]Record, error)
	Count(ctx context.Context, kind Kind, q Query) (int, error)
}

// Resolver validates connection and namespace identity. Owned by the
// connection profile subsystem; the core only needs existence checks.
type Resolver interface {
	ConnectionExists(ctx context.Context, id string) (bool, error)
	NamespaceExists(ctx context.Context, id string) (bool, error)
}
