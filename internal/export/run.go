package export

import (
	"context"
	"os"
	"time"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/db"
	"github.com/keydeck/keydeck/internal/errors"
)

// Stage progress bands. Percent is derived from records processed against the
// upfront count estimate, mapped into the running stage's band and clamped
// below 100 until the success transition.
const (
	collectBase = 0
	collectSpan = 40
	redactBase  = 40
	redactSpan  = 30
	writeBase   = 70
	writeSpan   = 29
	finalizePct = 99
)

// run drives one job through its stages. It is the job's only writer until it
// reaches a terminal status.
func (m *Manager) run(ctx context.Context, job *bundle.Job) {
	start := time.Now()
	err := m.drive(ctx, job)

	switch {
	case err == nil:
		m.logger.Info("export job succeeded",
			"job_id", job.ID,
			"bundle_id", deref(job.BundleID),
			"records", job.Request.Includes,
			"duration_ms", time.Since(start).Milliseconds())
	case errors.Is(err, errors.ErrCancelled):
		m.finish(job, bundle.JobCancelled, nil)
		m.logger.Info("export job cancelled", "job_id", job.ID, "stage", string(job.Stage))
	default:
		msg := err.Error()
		m.finish(job, bundle.JobFailed, &msg)
		m.logger.Error("export job failed", "job_id", job.ID, "stage", string(job.Stage), "error", msg)
	}
}

// drive executes the stage pipeline: collecting, redacting, writing,
// finalizing. Cancellation is read at stage boundaries; the artifact writer
// additionally checks between records so a cancel does not wait out a large
// write.
func (m *Manager) drive(ctx context.Context, job *bundle.Job) error {
	total, err := m.assembler.EstimateTotal(ctx, job.Request)
	if err != nil {
		return err
	}

	if err := boundary(ctx); err != nil {
		return err
	}
	col, err := m.assembler.Collect(ctx, job.Request, func(done int) {
		m.setProgress(job, bandPercent(collectBase, collectSpan, done, total))
	})
	if err != nil {
		return err
	}

	if err := boundary(ctx); err != nil {
		return err
	}
	m.setStage(job, bundle.StageRedacting, redactBase)
	sealed, err := m.assembler.Seal(job.Request, col, func(done int) {
		m.setProgress(job, bandPercent(redactBase, redactSpan, done, total))
	})
	if err != nil {
		return err
	}

	if err := boundary(ctx); err != nil {
		return err
	}
	m.setStage(job, bundle.StageWriting, writeBase)
	size, err := bundle.WriteArtifact(ctx, job.Destination, job.Request, sealed, func(done int) {
		m.setProgress(job, bandPercent(writeBase, writeSpan, done, len(sealed.Records)))
	})
	if err != nil {
		return err
	}

	if err := boundary(ctx); err != nil {
		m.removeArtifact(job)
		return err
	}
	m.setStage(job, bundle.StageFinalizing, finalizePct)
	entry := &bundle.Bundle{
		ID:          newID(),
		JobID:       job.ID,
		CreatedAt:   time.Now().UnixMilli(),
		Profile:     job.Request.Profile,
		Counts:      sealed.Counts,
		Truncated:   sealed.Truncated,
		Checksum:    sealed.Checksum,
		SizeBytes:   size,
		Destination: job.Destination,
		NamespaceID: job.Request.NamespaceID,
	}
	if err := db.InsertBundle(m.db, entry); err != nil {
		m.removeArtifact(job)
		return err
	}

	// Success and 100% are one atomic row update.
	job.Status = bundle.JobSuccess
	job.ProgressPercent = 100
	job.Checksum = &entry.Checksum
	job.BundleID = &entry.ID
	return db.UpdateJob(m.db, job)
}

// removeArtifact deletes a written artifact that will never be cataloged.
// Leaving it would block a later resume on platforms where rename does not
// overwrite. Once the catalog row is committed the artifact is kept even if
// the final job update fails.
func (m *Manager) removeArtifact(job *bundle.Job) {
	if err := os.Remove(job.Destination); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to remove uncataloged artifact",
			"job_id", job.ID, "destination", job.Destination, "error", err)
	}
}

// finish moves the job to a terminal status. Persist failures here can only
// be logged; the driver has nothing left to report to.
func (m *Manager) finish(job *bundle.Job, status bundle.JobStatus, errorMessage *string) {
	job.Status = status
	job.ErrorMessage = errorMessage
	if err := db.UpdateJob(m.db, job); err != nil {
		m.logger.Error("failed to persist terminal job status",
			"job_id", job.ID, "status", string(status), "error", err)
	}
}

// setStage advances the stage and lifts progress to the band floor.
func (m *Manager) setStage(job *bundle.Job, stage bundle.JobStage, basePercent int) {
	job.Stage = stage
	if basePercent > job.ProgressPercent {
		job.ProgressPercent = basePercent
	}
	if err := db.UpdateJob(m.db, job); err != nil {
		m.logger.Error("failed to persist job stage", "job_id", job.ID, "error", err)
	}
}

// setProgress persists progress when it moves forward. Non-decreasing within
// a run: stale or repeated callbacks never lower the recorded percent.
func (m *Manager) setProgress(job *bundle.Job, percent int) {
	if percent <= job.ProgressPercent {
		return
	}
	job.ProgressPercent = percent
	if err := db.UpdateJob(m.db, job); err != nil {
		m.logger.Error("failed to persist job progress", "job_id", job.ID, "error", err)
	}
}

// bandPercent maps done/total into [base, base+span] without exceeding the
// band.
func bandPercent(base, span, done, total int) int {
	if total <= 0 {
		return base
	}
	p := base + done*span/total
	if p > base+span {
		p = base + span
	}
	return p
}

// boundary is the stage-boundary cancellation check.
func boundary(ctx context.Context) error {
	if ctx.Err() != nil {
		return errors.NewCancelled("export")
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
