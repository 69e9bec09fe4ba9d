// Package runner executes split jobs on a bounded worker pool.
//
// Submissions are accepted in arrival order and handed to a fixed number
// of workers; completion order across jobs is unordered. Each job ends
// with exactly one terminal write of its metadata record, after which the
// transient upload is removed on a best-effort basis. Nothing from the
// execution path is ever raised back to the submitter; terminal outcomes
// are observable only through the persisted record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aaroniumii/dividemp4online/pkg/split"
	"github.com/aaroniumii/dividemp4online/pkg/store"
)

// ErrStopped is returned by Submit after the pool has been stopped.
var ErrStopped = errors.New("runner is stopped")

// ErrQueueFull is returned by Submit when the pending queue is saturated.
var ErrQueueFull = errors.New("job queue is full")

// genericErrorMessage is persisted for unclassified failures. Full
// diagnostic detail goes only to the operational log.
const genericErrorMessage = "unexpected error while processing the video"

// Request is one validated job handed to the pool.
type Request struct {
	// ID is the job identifier.
	ID string
	// SourcePath is the transient uploaded file to split.
	SourcePath string
	// OutputDir is the job's output directory.
	OutputDir string
	// Parts is the requested number of clips.
	Parts int
	// Record is the initial processing record, already persisted by the
	// submitter.
	Record *store.JobRecord
}

// Config holds pool sizing.
type Config struct {
	// Workers is the number of concurrent jobs (minimum 1).
	Workers int
	// QueueSize bounds the number of pending submissions.
	QueueSize int
}

// Pool is a fixed-size worker pool for split jobs.
type Pool struct {
	store    store.Store
	splitter split.Splitter
	workers  int

	queue chan Request
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewPool constructs a pool. Start must be called before jobs execute;
// Submit accepts work as soon as the pool exists.
func NewPool(st store.Store, sp split.Splitter, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	p := &Pool{
		store:    st,
		splitter: sp,
		workers:  cfg.Workers,
		queue:    make(chan Request, cfg.QueueSize),
	}
	return p
}

// Start launches the workers. It is non-blocking and idempotent.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.started = true

	for i := range p.workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Info().
		Str("component", "runner").
		Int("workers", p.workers).
		Int("queue_size", cap(p.queue)).
		Msg("Worker pool started")
	return nil
}

// Submit enqueues a job. It returns immediately: the transformation runs
// fully asynchronously and its outcome is observable only through the
// persisted record. Submit fails only when the pool is stopped or the
// pending queue is saturated; it never reports execution errors.
func (p *Pool) Submit(req Request) error {
	// The lock is held across the send so Stop cannot close the queue
	// between the stopped check and the enqueue. The select never
	// blocks, so holding it here is safe.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- req:
		log.Info().
			Str("component", "runner").
			Str("job_id", req.ID).
			Int("parts", req.Parts).
			Msg("Job enqueued")
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes intake and waits for in-flight jobs until ctx expires.
// Jobs still running at the deadline are abandoned; their records remain
// processing. Queued jobs that never started are likewise abandoned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("component", "runner").Msg("Worker pool drained")
		return nil
	case <-ctx.Done():
		log.Warn().
			Str("component", "runner").
			Msg("Shutdown deadline reached, abandoning in-flight jobs")
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for req := range p.queue {
		log.Debug().
			Str("component", "runner").
			Int("worker", id).
			Str("job_id", req.ID).
			Msg("Worker picked up job")
		p.process(req)
	}
}

// process runs one job to its terminal state. Deferred actions run in
// reverse order: the panic guard persists a terminal record first, then
// cleanup removes the transient upload. Cleanup therefore always happens
// after the terminal record is durably persisted.
func (p *Pool) process(req Request) {
	started := time.Now()
	terminal := false

	defer p.cleanup(req)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "runner").
				Str("job_id", req.ID).
				Any("panic", r).
				Msg("Job panicked")
			if !terminal {
				p.persistError(req, genericErrorMessage)
			}
		}
	}()

	log.Info().
		Str("component", "runner").
		Str("job_id", req.ID).
		Msg("Starting background processing")

	outputs, err := p.splitter.Split(context.Background(), req.SourcePath, req.OutputDir, req.Parts)
	if err != nil {
		p.persistError(req, classify(err))
		terminal = true
		logSplitFailure(req.ID, err)
		return
	}

	record := req.Record.Clone()
	record.Status = store.StatusCompleted
	record.CompletedAt = time.Now().UTC()
	record.Outputs = outputs
	if err := p.store.Put(context.Background(), req.ID, record); err != nil {
		log.Error().
			Str("component", "runner").
			Str("job_id", req.ID).
			Err(err).
			Msg("Failed to persist completed record")
		terminal = true
		return
	}
	terminal = true

	log.Info().
		Str("component", "runner").
		Str("job_id", req.ID).
		Int("outputs", len(outputs)).
		Dur("elapsed", time.Since(started)).
		Msg("Job completed")
}

// persistError writes the terminal error record for a failed job.
func (p *Pool) persistError(req Request, message string) {
	record := req.Record.Clone()
	record.Status = store.StatusError
	record.CompletedAt = time.Now().UTC()
	record.Outputs = []string{}
	record.ErrorMessage = message
	if err := p.store.Put(context.Background(), req.ID, record); err != nil {
		log.Error().
			Str("component", "runner").
			Str("job_id", req.ID).
			Err(err).
			Msg("Failed to persist error record")
	}
}

// cleanup removes the transient source file and its directory. Failures
// are logged, never raised, and never alter the job's recorded outcome.
func (p *Pool) cleanup(req Request) {
	if req.SourcePath == "" {
		return
	}
	if err := os.Remove(req.SourcePath); err != nil && !os.IsNotExist(err) {
		log.Warn().
			Str("component", "runner").
			Str("job_id", req.ID).
			Str("path", req.SourcePath).
			Err(err).
			Msg("Unable to remove uploaded file after processing")
	}
	// The directory removal is non-recursive so an unexpected extra file
	// is left in place rather than destroyed.
	dir := filepath.Dir(req.SourcePath)
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		log.Debug().
			Str("component", "runner").
			Str("job_id", req.ID).
			Str("path", dir).
			Err(err).
			Msg("Upload directory not removed (may not be empty)")
	}
}

// classify maps a splitter failure to the message stored in the record.
// Raw stack traces and unclassified internals never reach the persisted
// document.
func classify(err error) string {
	var toolErr *split.ToolError
	switch {
	case errors.As(err, &toolErr):
		if toolErr.Diagnostic != "" {
			return fmt.Sprintf("%s failed: %s", toolErr.Tool, toolErr.Diagnostic)
		}
		return toolErr.Error()
	case errors.Is(err, split.ErrDurationUnavailable):
		return err.Error()
	default:
		return genericErrorMessage
	}
}

func logSplitFailure(jobID string, err error) {
	var toolErr *split.ToolError
	switch {
	case errors.As(err, &toolErr):
		log.Error().
			Str("component", "runner").
			Str("job_id", jobID).
			Str("tool", toolErr.Tool).
			Int("exit_code", toolErr.ExitCode).
			Msg("Job failed while splitting video")
	case errors.Is(err, split.ErrDurationUnavailable):
		log.Error().
			Str("component", "runner").
			Str("job_id", jobID).
			Err(err).
			Msg("Job failed while determining duration")
	default:
		log.Error().
			Str("component", "runner").
			Str("job_id", jobID).
			Err(err).
			Msg("Job encountered an unexpected error")
	}
}
