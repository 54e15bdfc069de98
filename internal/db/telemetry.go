package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/keydeck/keydeck/internal/telemetry"
)

// InsertRecord stores one telemetry record. Records are immutable once
// written; this is the ingestion surface for the collaborator stores and for
// tests, not part of the export core.
func InsertRecord(db *sql.DB, rec telemetry.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var sensitiveJSON sql.NullString
	if tags := sensitiveTags(rec); len(tags) > 0 {
		data, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("marshal sensitive tags: %w", err)
		}
		sensitiveJSON = sql.NullString{String: string(data), Valid: true}
	}

	meta := rec.RecordMeta()
	query := `
		INSERT INTO telemetry_records (
			kind, id, connection_id, namespace_id, ts_ns, payload_json, sensitive_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.Exec(query,
		string(rec.Kind()), meta.ID, meta.ConnectionID, toNullString(meta.NamespaceID),
		meta.TsNs, string(payload), sensitiveJSON,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry record: %w", err)
	}
	return nil
}

// TelemetrySource implements telemetry.Source over the telemetry_records
// table. Fetch and Count see the table as of call time; telemetry is
// append-mostly, so the same query against unchanged rows yields the same
// result set.
type TelemetrySource struct {
	DB *sql.DB
}

// Fetch implements telemetry.Source.
func (s *TelemetrySource) Fetch(ctx context.Context, kind telemetry.Kind, q telemetry.Query) ([]telemetry.Record, error) {
	where, args := recordFilter(kind, q)
	query := `
		SELECT id, connection_id, namespace_id, ts_ns, payload_json, sensitive_json
		FROM telemetry_records
	` + where + " ORDER BY ts_ns, id"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer rows.Close()

	var records []telemetry.Record
	for rows.Next() {
		var (
			id, connectionID, payloadJSON string
			namespaceID, sensitiveJSON    sql.NullString
			tsNs                          int64
		)
		if err := rows.Scan(&id, &connectionID, &namespaceID, &tsNs, &payloadJSON, &sensitiveJSON); err != nil {
			return nil, fmt.Errorf("scan telemetry record: %w", err)
		}

		rec, err := decodeRecord(kind, payloadJSON, sensitiveJSON)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry records: %w", err)
	}

	return records, nil
}

// Count implements telemetry.Source.
func (s *TelemetrySource) Count(ctx context.Context, kind telemetry.Kind, q telemetry.Query) (int, error) {
	where, args := recordFilter(kind, q)
	query := "SELECT COUNT(*) FROM telemetry_records" + where

	var n int
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count telemetry: %w", err)
	}
	return n, nil
}

// recordFilter builds the WHERE clause shared by Fetch and Count.
func recordFilter(kind telemetry.Kind, q telemetry.Query) (string, []any) {
	clauses := []string{"kind = ?", "ts_ns >= ?", "ts_ns < ?"}
	args := []any{string(kind), q.Window.FromNs, q.Window.ToNs}

	if len(q.ConnectionIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(q.ConnectionIDs)), ", ")
		clauses = append(clauses, "connection_id IN ("+placeholders+")")
		for _, id := range q.ConnectionIDs {
			args = append(args, id)
		}
	}
	if q.NamespaceID != nil {
		clauses = append(clauses, "namespace_id = ?")
		args = append(args, *q.NamespaceID)
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// decodeRecord unmarshals a payload into its kind variant and reattaches the
// adapter's sensitive-key tags.
func decodeRecord(kind telemetry.Kind, payloadJSON string, sensitiveJSON sql.NullString) (telemetry.Record, error) {
	var sensitive []string
	if sensitiveJSON.Valid {
		if err := json.Unmarshal([]byte(sensitiveJSON.String), &sensitive); err != nil {
			return nil, fmt.Errorf("unmarshal sensitive tags: %w", err)
		}
	}

	switch kind {
	case telemetry.KindTimeline:
		var rec telemetry.TimelineEvent
		if err := json.Unmarshal([]byte(payloadJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal timeline event: %w", err)
		}
		rec.Sensitive = sensitive
		return rec, nil
	case telemetry.KindLogs:
		var rec telemetry.LogEvent
		if err := json.Unmarshal([]byte(payloadJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal log event: %w", err)
		}
		rec.Sensitive = sensitive
		return rec, nil
	case telemetry.KindDiagnostics:
		var rec telemetry.DiagnosticEvent
		if err := json.Unmarshal([]byte(payloadJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal diagnostic event: %w", err)
		}
		rec.Sensitive = sensitive
		return rec, nil
	case telemetry.KindMetrics:
		var rec telemetry.MetricSnapshot
		if err := json.Unmarshal([]byte(payloadJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal metric snapshot: %w", err)
		}
		rec.Sensitive = sensitive
		return rec, nil
	}
	return nil, fmt.Errorf("unknown telemetry kind: %s", kind)
}

func sensitiveTags(rec telemetry.Record) []string {
	switch v := rec.(type) {
	case telemetry.TimelineEvent:
		return v.Sensitive
	case telemetry.LogEvent:
		return v.Sensitive
	case telemetry.DiagnosticEvent:
		return v.Sensitive
	case telemetry.MetricSnapshot:
		return v.Sensitive
	}
	return nil
}

// Registry implements telemetry.Resolver over the connections and
// namespaces tables owned by the connection profile subsystem.
type Registry struct {
	DB *sql.DB
}

// ConnectionExists implements telemetry.Resolver.
func (r *Registry) ConnectionExists(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, "SELECT 1 FROM connections WHERE id = ? LIMIT 1", id)
}

// NamespaceExists implements telemetry.Resolver.
func (r *Registry) NamespaceExists(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, "SELECT 1 FROM namespaces WHERE id = ? LIMIT 1", id)
}

func (r *Registry) exists(ctx context.Context, query, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identity lookup: %w", err)
	}
	return true, nil
}

// InsertConnection registers a monitored connection.
func InsertConnection(db *sql.DB, id, name, host string) error {
	_, err := db.Exec(
		"INSERT INTO connections (id, name, host, created_at) VALUES (?, ?, ?, ?)",
		id, name, host, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// InsertNamespace registers a namespace under a connection.
func InsertNamespace(db *sql.DB, id, connectionID, name string) error {
	_, err := db.Exec(
		"INSERT INTO namespaces (id, connection_id, name, created_at) VALUES (?, ?, ?, ?)",
		id, connectionID, name, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert namespace: %w", err)
	}
	return nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
