package export

import (
	"context"
	"crypto/rand"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/keydeck/keydeck/internal/bundle"
	"github.com/keydeck/keydeck/internal/config"
	"github.com/keydeck/keydeck/internal/db"
	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/telemetry"
)

// defaultListLimit bounds listings when the caller does not set a limit.
const defaultListLimit = 50

// Manager owns the export job state machine. It is the only writer of job
// rows: one driver goroutine per job, cancellation signalled out-of-band
// through a per-job context and read at stage boundaries.
type Manager struct {
	db         *sql.DB
	cfg        *config.Config
	assembler  *bundle.Assembler
	resolver   telemetry.Resolver
	logger     *slog.Logger
	exportsDir string

	// mu serializes destination claims and guards the cancel registry.
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager and recovers jobs a previous process left
// queued or running: they are marked failed so they surface as resumable
// instead of appearing stuck forever.
func NewManager(database *sql.DB, src telemetry.Source, resolver telemetry.Resolver, cfg *config.Config, logger *slog.Logger, exportsDir string) (*Manager, error) {
	recovered, err := db.RecoverInterrupted(database)
	if err != nil {
		return nil, err
	}
	for _, id := range recovered {
		logger.Warn("recovered interrupted export job", "job_id", id)
	}

	return &Manager{
		db:         database,
		cfg:        cfg,
		assembler:  bundle.NewAssembler(src, cfg),
		resolver:   resolver,
		logger:     logger,
		exportsDir: exportsDir,
		cancels:    make(map[string]context.CancelFunc),
	}, nil
}

// Preview assembles a bundle without persisting anything: counts, size
// estimate, truncation flag, manifest, and a checksum prefix. Synchronous.
func (m *Manager) Preview(ctx context.Context, req bundle.Request) (*bundle.Preview, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if err := m.validateScope(ctx, req); err != nil {
		return nil, err
	}

	sealed, err := m.assembler.Assemble(ctx, req)
	if err != nil {
		return nil, err
	}
	return sealed.Preview(), nil
}

// Start validates the request, claims the destination, persists a job, and
// launches the driver goroutine. Returns as soon as the job is recorded as
// running; callers poll Get for completion.
func (m *Manager) Start(ctx context.Context, req bundle.Request, destination string) (*bundle.Job, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	if err := m.validateScope(ctx, req); err != nil {
		return nil, err
	}

	jobID := newID()
	if destination == "" {
		destination = DefaultDestination(m.exportsDir, jobID)
	}
	if err := ValidateDestination(destination, m.cfg); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	job := &bundle.Job{
		ID:          jobID,
		Status:      bundle.JobQueued,
		Destination: destination,
		Request:     req,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Claim the destination and insert under one lock so two concurrent
	// starts cannot both pass the conflict check.
	m.mu.Lock()
	active, err := db.FindActiveJobByDestination(m.db, destination)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if active != nil {
		m.mu.Unlock()
		return nil, errors.NewDestinationConflict(destination, active.ID)
	}
	if err := db.InsertJob(m.db, job); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	return m.launch(job)
}

// Cancel requests cooperative cancellation of a job. Cancelling a job already
// in a terminal state is a no-op and returns the record unchanged; the driver
// honors cancellation at the next stage boundary, so the returned job may
// still read as running.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*bundle.Job, error) {
	// Read, registry check, and the driverless transition happen under the
	// lock so a launch in flight either registers its cancel func first or
	// observes the cancelled row and abandons the start.
	m.mu.Lock()
	job, err := db.GetJob(m.db, jobID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return job, nil
	}

	if cancel, ok := m.cancels[jobID]; ok {
		m.mu.Unlock()
		cancel()
		m.logger.Info("export cancellation requested", "job_id", jobID)
		return db.GetJob(m.db, jobID)
	}

	// Non-terminal but no driver: nothing will ever observe the signal, so
	// transition directly.
	job.Status = bundle.JobCancelled
	if err := db.UpdateJob(m.db, job); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()
	m.logger.Info("orphaned export job cancelled", "job_id", jobID)
	return job, nil
}

// Resume re-runs a failed or cancelled job with its original request. All
// stages re-run from scratch; partial output from the prior attempt is never
// reused, so a resumed success carries the same checksum a fresh export
// would. Resume on any other status fails with INVALID_JOB_STATE.
func (m *Manager) Resume(ctx context.Context, jobID string) (*bundle.Job, error) {
	m.mu.Lock()
	job, err := db.GetJob(m.db, jobID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if job.Status != bundle.JobFailed && job.Status != bundle.JobCancelled {
		m.mu.Unlock()
		return nil, errors.NewInvalidJobState(jobID, string(job.Status), "resume")
	}

	// The prior run released the destination on termination; someone else may
	// have claimed it since.
	active, err := db.FindActiveJobByDestination(m.db, job.Destination)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if active != nil {
		m.mu.Unlock()
		return nil, errors.NewDestinationConflict(job.Destination, active.ID)
	}

	job.Status = bundle.JobQueued
	job.Stage = ""
	job.ProgressPercent = 0
	job.ErrorMessage = nil
	job.Checksum = nil
	job.BundleID = nil
	if err := db.UpdateJob(m.db, job); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.logger.Info("export job resumed", "job_id", jobID)
	return m.launch(job)
}

// Get returns the current persisted job record.
func (m *Manager) Get(ctx context.Context, jobID string) (*bundle.Job, error) {
	return db.GetJob(m.db, jobID)
}

// GetBundle returns one catalog entry.
func (m *Manager) GetBundle(ctx context.Context, bundleID string) (*bundle.Bundle, error) {
	return db.GetBundle(m.db, bundleID)
}

// ListBundles returns catalog entries most recent first, optionally scoped to
// a namespace.
func (m *Manager) ListBundles(ctx context.Context, limit int, namespaceID *string) ([]*bundle.Bundle, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return db.ListBundles(m.db, limit, namespaceID)
}

// Wait blocks until all driver goroutines have finished. For shutdown and
// tests.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// launch transitions a queued job to running and starts its driver. The
// running transition and the cancel registration are one critical section: a
// Cancel racing the launch either finds the registered driver, or wins by
// marking the row cancelled first, in which case the launch is abandoned and
// the cancelled record returned.
func (m *Manager) launch(job *bundle.Job) (*bundle.Job, error) {
	jobCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	current, err := db.GetJob(m.db, job.ID)
	if err != nil {
		m.mu.Unlock()
		cancel()
		return nil, err
	}
	if current.Status != bundle.JobQueued {
		m.mu.Unlock()
		cancel()
		return current, nil
	}
	current.Status = bundle.JobRunning
	current.Stage = bundle.StageCollecting
	if err := db.UpdateJob(m.db, current); err != nil {
		m.mu.Unlock()
		cancel()
		return nil, err
	}
	m.cancels[current.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.cancels, current.ID)
			m.mu.Unlock()
			cancel()
		}()
		m.run(jobCtx, current)
	}()

	m.logger.Info("export job started",
		"job_id", current.ID,
		"destination", current.Destination,
		"profile", string(current.Request.Profile))

	snapshot := *current
	return &snapshot, nil
}

// validateScope resolves the request's connection and namespace IDs against
// the profile subsystem.
func (m *Manager) validateScope(ctx context.Context, req bundle.Request) error {
	for _, id := range req.ConnectionIDs {
		ok, err := m.resolver.ConnectionExists(ctx, id)
		if err != nil {
			return errors.NewStorageFailure(err)
		}
		if !ok {
			return errors.NewUnknownConnection(id)
		}
	}
	if req.NamespaceID != nil {
		ok, err := m.resolver.NamespaceExists(ctx, *req.NamespaceID)
		if err != nil {
			return errors.NewStorageFailure(err)
		}
		if !ok {
			return errors.NewUnknownNamespace(*req.NamespaceID)
		}
	}
	return nil
}

func newID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
