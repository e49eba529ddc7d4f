package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/thyrook/fenscan/internal/vision"
)

var (
	ErrRunnerClosed = errors.New("runner closed")
	ErrJobPending   = errors.New("job still running")
)

// JobStatus is the lifecycle state of a background run
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a run executing in the background
type Job struct {
	ID        string
	Submitted time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status JobStatus
	result *Result
	err    error
}

// Done is closed when the run has finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Result returns the outcome, or ErrJobPending while the run is in progress
func (j *Job) Result() (*Result, error) {
	select {
	case <-j.done:
	default:
		return nil, ErrJobPending
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Wait blocks until the run finishes or ctx is done
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the run. Classifier calls already in flight drain; no new
// ones start.
func (j *Job) Cancel() {
	j.cancel()
}

// Status returns the current job state
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) finish(result *Result, err error) {
	j.mu.Lock()
	j.result, j.err = result, err
	switch {
	case err == nil:
		j.status = JobDone
	case errors.Is(err, context.Canceled):
		j.status = JobCancelled
	default:
		j.status = JobFailed
	}
	j.mu.Unlock()
	close(j.done)
}

// RunnerStats tracks runner activity
type RunnerStats struct {
	Submitted       int64
	Completed       int64
	Failed          int64
	Cancelled       int64
	Active          int
	LastDuration    time.Duration
	AverageDuration time.Duration
}

// Runner executes pipeline runs in background goroutines so callers stay
// responsive while a board is processed
type Runner struct {
	pipeline *Pipeline
	logger   *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	stats  RunnerStats
}

// NewRunner creates a runner for p
func NewRunner(p *Pipeline, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{pipeline: p, logger: logger}
}

// Submit starts a run over raw. The caller keeps ownership of raw and must
// not close it before the job is done. A closed runner returns a job that
// has already failed with ErrRunnerClosed.
func (r *Runner) Submit(ctx context.Context, raw gocv.Mat) *Job {
	return r.submit(ctx, raw, nil)
}

// SubmitWithQuad starts a run using caller supplied board corners
func (r *Runner) SubmitWithQuad(ctx context.Context, raw gocv.Mat, corners []vision.Point) *Job {
	return r.submit(ctx, raw, corners)
}

func (r *Runner) submit(ctx context.Context, raw gocv.Mat, corners []vision.Point) *Job {
	runCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		ID:        uuid.NewString(),
		Submitted: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    JobRunning,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		job.finish(nil, ErrRunnerClosed)
		return job
	}
	r.stats.Submitted++
	r.stats.Active++
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()

		result, err := r.pipeline.run(runCtx, job.ID, raw, corners)
		r.record(time.Since(job.Submitted), err)
		job.finish(result, err)
	}()

	r.logger.Debug("Job submitted", zap.String("job", job.ID))
	return job
}

func (r *Runner) record(elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Active--
	switch {
	case err == nil:
		r.stats.Completed++
	case errors.Is(err, context.Canceled):
		r.stats.Cancelled++
	default:
		r.stats.Failed++
	}

	r.stats.LastDuration = elapsed
	if r.stats.AverageDuration == 0 {
		r.stats.AverageDuration = elapsed
	} else {
		r.stats.AverageDuration = (r.stats.AverageDuration + elapsed) / 2
	}
}

// Stats returns a snapshot of runner statistics
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close stops accepting jobs and waits for running ones to finish
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
