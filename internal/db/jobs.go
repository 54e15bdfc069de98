package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/errors"
)

// InsertJob persists a new export job row.
func InsertJob(db *sql.DB, job *bundle.Job) error {
	requestJSON, err := json.Marshal(job.Request)
	if err != nil {
		return errors.NewStorageFailure(fmt.Errorf("marshal job request: %w", err))
	}

	query := `
		INSERT INTO export_jobs (
			id, status, stage, progress_percent, destination,
			error_message, checksum, bundle_id, request_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.Exec(query,
		job.ID, string(job.Status), nullStage(job.Stage), job.ProgressPercent, job.Destination,
		toNullString(job.ErrorMessage), toNullString(job.Checksum), toNullString(job.BundleID),
		string(requestJSON), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return errors.NewStorageFailure(fmt.Errorf("insert job: %w", err))
	}
	return nil
}

// GetJob loads a job by ID. Returns NOT_FOUND if no row exists.
func GetJob(db *sql.DB, id string) (*bundle.Job, error) {
	query := `
		SELECT id, status, stage, progress_percent, destination,
		       error_message, checksum, bundle_id, request_json, created_at, updated_at
		FROM export_jobs
		WHERE id = ?
	`
	job, err := scanJob(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("export job", id)
	}
	if err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// UpdateJob rewrites the mutable fields of a job row and bumps updated_at.
// The manager is the sole writer for a given job, so a plain overwrite is
// race-free here.
func UpdateJob(db *sql.DB, job *bundle.Job) error {
	job.UpdatedAt = time.Now().UnixMilli()

	query := `
		UPDATE export_jobs
		SET status = ?, stage = ?, progress_percent = ?,
		    error_message = ?, checksum = ?, bundle_id = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := db.Exec(query,
		string(job.Status), nullStage(job.Stage), job.ProgressPercent,
		toNullString(job.ErrorMessage), toNullString(job.Checksum), toNullString(job.BundleID),
		job.UpdatedAt, job.ID,
	)
	if err != nil {
		return errors.NewStorageFailure(fmt.Errorf("update job: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewStorageFailure(fmt.Errorf("update job: %w", err))
	}
	if n == 0 {
		return errors.NewNotFound("export job", job.ID)
	}
	return nil
}

// FindActiveJobByDestination returns the queued or running job claiming the
// destination path, or nil if the path is free.
func FindActiveJobByDestination(db *sql.DB, destination string) (*bundle.Job, error) {
	query := `
		SELECT id, status, stage, progress_percent, destination,
		       error_message, checksum, bundle_id, request_json, created_at, updated_at
		FROM export_jobs
		WHERE destination = ? AND status IN ('queued', 'running')
		LIMIT 1
	`
	job, err := scanJob(db.QueryRow(query, destination))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("find active job: %w", err))
	}
	return job, nil
}

// RecoverInterrupted marks jobs left queued or running by a previous process
// as failed, so they surface as resumable instead of appearing stuck. Returns
// the IDs of the jobs it touched.
func RecoverInterrupted(db *sql.DB) ([]string, error) {
	rows, err := db.Query("SELECT id FROM export_jobs WHERE status IN ('queued', 'running')")
	if err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("list interrupted jobs: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewStorageFailure(fmt.Errorf("scan interrupted job: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("list interrupted jobs: %w", err))
	}

	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE export_jobs
		SET status = 'failed', error_message = 'interrupted: process exited during export', updated_at = ?
		WHERE status IN ('queued', 'running')
	`
	if _, err := db.Exec(query, time.Now().UnixMilli()); err != nil {
		return nil, errors.NewStorageFailure(fmt.Errorf("recover interrupted jobs: %w", err))
	}
	return ids, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*bundle.Job, error) {
	var (
		job                                     bundle.Job
		status                                  string
		stage, errorMessage, checksum, bundleID sql.NullString
		requestJSON                             string
	)
	err := row.Scan(
		&job.ID, &status, &stage, &job.ProgressPercent, &job.Destination,
		&errorMessage, &checksum, &bundleID, &requestJSON, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = bundle.JobStatus(status)
	if stage.Valid {
		job.Stage = bundle.JobStage(stage.String)
	}
	job.ErrorMessage = fromNullString(errorMessage)
	job.Checksum = fromNullString(checksum)
	job.BundleID = fromNullString(bundleID)

	if err := json.Unmarshal([]byte(requestJSON), &job.Request); err != nil {
		return nil, fmt.Errorf("unmarshal job request: %w", err)
	}
	return &job, nil
}

func nullStage(s bundle.JobStage) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(s), Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
