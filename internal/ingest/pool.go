package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"campus-assistant/internal/logger"
	"campus-assistant/models"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("ingest: queue full")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("ingest: pool closed")
)

// JobState is the in-memory lifecycle of a job inside the pool.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

type JobStatus struct {
	State     JobState              `json:"state"`
	Result    models.DocumentStatus `json:"result,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Processor handles one job to completion.
type Processor interface {
	Process(ctx context.Context, job Job) models.DocumentStatus
}

// Submitter hands a job to some ingestion backend without waiting for it.
type Submitter interface {
	Submit(ctx context.Context, job Job) error
}

// Pool is a bounded queue drained by a fixed number of workers.
type Pool struct {
	proc      Processor
	workers   int
	jobs      chan Job
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sendMu is held for reading while enqueuing and for writing while
	// closing the queue.
	sendMu sync.RWMutex
	closed bool

	mu       sync.Mutex
	statuses map[string]JobStatus
}

var _ Submitter = (*Pool)(nil)

func NewPool(proc Processor, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		proc:      proc,
		workers:   workers,
		jobs:      make(chan Job, queueSize),
		retention: time.Hour,
		ctx:       ctx,
		cancel:    cancel,
		statuses:  make(map[string]JobStatus),
	}
}

func (p *Pool) Start() {
	logger.Info("Starting ingestion pool", "workers", p.workers, "queue", cap(p.jobs))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.setState(job.DocumentID, JobStatus{State: JobRunning})
		logger.Debug("Worker picked up job", "worker", id, "document_id", job.DocumentID)
		result := p.proc.Process(p.ctx, job)
		p.setState(job.DocumentID, JobStatus{State: JobDone, Result: result})
	}
}

// Submit enqueues job or fails fast with ErrQueueFull.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	prev, had := p.markQueued(job.DocumentID)
	select {
	case p.jobs <- job:
		return nil
	default:
		p.restore(job.DocumentID, prev, had)
		return ErrQueueFull
	}
}

// SubmitWait blocks until job is enqueued or ctx ends.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	prev, had := p.markQueued(job.DocumentID)
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		p.restore(job.DocumentID, prev, had)
		return ctx.Err()
	}
}

// Status reports the last known state of a job submitted to this pool.
func (p *Pool) Status(documentID string) (JobStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.statuses[documentID]
	return st, ok
}

// Active reports whether documentID is queued or running.
func (p *Pool) Active(documentID string) bool {
	st, ok := p.Status(documentID)
	return ok && st.State != JobDone
}

// Pending is the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.jobs)
}

// markQueued records the queued state before the send so a fast worker
// cannot have its running state overwritten.
func (p *Pool) markQueued(documentID string) (JobStatus, bool) {
	p.mu.Lock()
	prev, had := p.statuses[documentID]
	p.mu.Unlock()
	p.setState(documentID, JobStatus{State: JobQueued})
	return prev, had
}

func (p *Pool) restore(documentID string, prev JobStatus, had bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if had {
		p.statuses[documentID] = prev
		return
	}
	delete(p.statuses, documentID)
}

func (p *Pool) setState(documentID string, st JobStatus) {
	st.UpdatedAt = time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[documentID] = st

	for id, s := range p.statuses {
		if s.State == JobDone && st.UpdatedAt.Sub(s.UpdatedAt) > p.retention {
			delete(p.statuses, id)
		}
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When
// ctx ends first, in-flight jobs are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.sendMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
