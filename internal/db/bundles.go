package db

import (
	"database/sql"
	"fmt"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/telemetry"
)

// InsertBundle persists a catalog entry. Bundles are immutable after insert.
func InsertBundle(db *sql.DB, b *bundle.Bundle) error {
	query := `
		INSERT INTO incident_bundles (
			id, job_id, created_at, profile,
			timeline_count, log_count, diagnostic_count, metric_count,
			truncated, checksum, size_bytes, destination, namespace_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		b.ID, b.JobID, b.CreatedAt, string(b.Profile),
		b.Counts.Timeline, b.Counts.Logs, b.Counts.Diagnostics, b.Counts.Metrics,
		boolToInt(b.Truncated), b.Checksum, b.SizeBytes, b.Destination, toNullString(b.NamespaceID),
	)
	if err != nil {
		return errors.NewStorageFailure(fmt.Errorf("insert bundle: %w", err))
	}
	return nil
}

// GetBundle loads a catalog entry by ID. Returns NOT_FOUND if no row exists.
func GetBundle(db *sql.DB, id string) (*bundle.Bundle, error) {
	query := bundleSelect + " WHERE id = ?"
	b, err := scanBundle(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("bundle", id)
	}
	if err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("get bundle: %w", err))
	}
	return b, nil
}

// ListBundles returns catalog entries most recent first, optionally filtered
// by namespace. A limit of 0 or less means no limit.
func ListBundles(db *sql.DB, limit int, namespaceID *string) ([]*bundle.Bundle, error) {
	query := bundleSelect
	var args []any
	if namespaceID != nil {
		query += " WHERE namespace_id = ?"
		args = append(args, *namespaceID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("list bundles: %w", err))
	}
	defer rows.Close()

	var bundles []*bundle.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, errors.NewStorageFailure(fmt.Errorf("scan bundle: %w", err))
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("list bundles: %w", err))
	}
	return bundles, nil
}

const bundleSelect = `
	SELECT id, job_id, created_at, profile,
	       timeline_count, log_count, diagnostic_count, metric_count,
	       truncated, checksum, size_bytes, destination, namespace_id
	FROM incident_bundles`

func scanBundle(row scanner) (*bundle.Bundle, error) {
	var (
		b           bundle.Bundle
		profile     string
		truncated   int
		namespaceID sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.JobID, &b.CreatedAt, &profile,
		&b.Counts.Timeline, &b.Counts.Logs, &b.Counts.Diagnostics, &b.Counts.Metrics,
		&truncated, &b.Checksum, &b.SizeBytes, &b.Destination, &namespaceID,
	)
	if err != nil {
		return nil, err
	}
	b.Profile = telemetry.Profile(profile)
	b.Truncated = truncated != 0
	b.NamespaceID = fromNullString(namespaceID)
	return &b, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
