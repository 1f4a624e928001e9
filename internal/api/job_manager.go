// Package api provides HTTP handlers for the probe bake server.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/probebake/server/internal/bakestore"
	"github.com/probebake/server/internal/logging"
	"github.com/probebake/server/internal/metrics"
	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when no more jobs can be queued.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	QueueSize     int // Max queued bake jobs (default 16)
	RetentionDays int // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Collector
}

// Executor runs one bake job.
type Executor func(ctx context.Context, store *bakestore.Store, jobID string) error

// JobManager runs bake jobs one at a time with SQLite persistence. A single
// worker is used because the bake session holds one active batch.
type JobManager struct {
	cfg      JobManagerConfig
	store    *bakestore.Store
	logger   *zap.Logger
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual bake.
	Executor Executor
}

// NewJobManager creates a job manager on an open store. The manager takes
// ownership of the store and closes it on Stop.
func NewJobManager(store *bakestore.Store, cfg JobManagerConfig) *JobManager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		logger:  logging.OrNop(cfg.Logger).Named("job_manager"),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *bakestore.Store {
	return jm.store
}

// Start starts the worker and cleanup ticker, recovering jobs left over from
// a previous run.
func (jm *JobManager) Start() {
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.logger.Error("failed to mark running jobs as failed", zap.Error(err))
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.logger.Error("failed to list queued jobs", zap.Error(err))
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.logger.Info("re-queued job", zap.String("job_id", job.ID))
			default:
				jm.logger.Warn("queue full, cannot re-queue job", zap.String("job_id", job.ID))
			}
		}
	}

	jm.wg.Add(1)
	go jm.worker()
	go jm.cleaner()
}

// Stop cancels the running job and waits for the worker to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.queue)
		jm.mu.Unlock()
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	logger := jm.logger.With(zap.String("job_id", jobID))

	job, err := jm.store.GetJob(jobID)
	if err != nil {
		logger.Warn("skipping job", zap.Error(err))
		return
	}
	if job.Status != bakestore.JobStatusQueued {
		logger.Debug("skipping job", zap.String("status", string(job.Status)))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		logger.Error("failed to mark job started", zap.Error(err))
		return
	}
	logger.Info("job started")

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	status, msg := bakestore.JobStatusCompleted, ""
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = bakestore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = bakestore.JobStatusFailed, execErr.Error()
	}
	jm.cfg.Metrics.ObserveJob(string(status))
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		logger.Error("failed to update job status", zap.Error(err))
	}
	logger.Info("job finished", zap.String("status", string(status)), zap.String("error", msg))
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		jm.logger.Error("cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		jm.logger.Info("cleaned up expired jobs", zap.Int64("deleted", deleted))
	}
}

// Submit creates a new job and enqueues it for execution. A job that cannot be
// queued is recorded as failed and ErrQueueFull is returned with it.
func (jm *JobManager) Submit(req bakestore.BakeRequest) (*bakestore.BakeJob, error) {
	job := &bakestore.BakeJob{
		ID:        uuid.NewString(),
		Status:    bakestore.JobStatusQueued,
		Request:   req,
		CreatedAt: time.Now(),
	}
	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	select {
	case <-jm.stopCh:
		jm.failQueued(job)
		return job, ErrQueueFull
	default:
	}
	select {
	case jm.queue <- job.ID:
	default:
		jm.failQueued(job)
		return job, ErrQueueFull
	}
	return job, nil
}

func (jm *JobManager) failQueued(job *bakestore.BakeJob) {
	if err := jm.store.UpdateJobStatus(job.ID, bakestore.JobStatusFailed, ErrQueueFull.Error()); err != nil {
		jm.logger.Error("failed to update job status", zap.String("job_id", job.ID), zap.Error(err))
	}
	job.Status = bakestore.JobStatusFailed
	job.Error = ErrQueueFull.Error()
}

// Get returns a job by ID, or nil when it does not exist.
func (jm *JobManager) Get(id string) *bakestore.BakeJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		if !errors.Is(err, bakestore.ErrNotFound) {
			jm.logger.Error("failed to get job", zap.String("job_id", id), zap.Error(err))
		}
		return nil
	}
	return job
}

// Cancel cancels a running or queued job. Cancelling a running bake clears
// the bake session, discarding its pending batch.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	job, err := jm.store.GetJob(id)
	if err != nil {
		return false
	}
	if job.Status == bakestore.JobStatusQueued {
		if err := jm.store.UpdateJobStatus(id, bakestore.JobStatusCancelled, "cancelled before start"); err != nil {
			jm.logger.Error("failed to cancel queued job", zap.String("job_id", id), zap.Error(err))
			return false
		}
		jm.cfg.Metrics.ObserveJob(string(bakestore.JobStatusCancelled))
		return true
	}
	return false
}

// Delete deletes a finished job record.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

// List returns the most recent jobs, newest first.
func (jm *JobManager) List(limit int) ([]*bakestore.BakeJob, error) {
	return jm.store.ListJobs(limit)
}
