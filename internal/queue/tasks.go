// Package queue runs document ingestion through asynq so uploads can be
// processed by a separate worker process.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campus-assistant/internal/config"
	"campus-assistant/internal/ingest"
	"campus-assistant/internal/logger"
	"campus-assistant/models"

	"github.com/hibiken/asynq"
)

const (
	TaskIngestDocument = "document:ingest"

	QueueCritical = "critical"
	QueueDefault  = "default"
)

// Task creators
func NewIngestTask(job ingest.Job, timeout time.Duration) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	// Failures are recorded on the document; re-ingestion is an explicit resubmit.
	return asynq.NewTask(
		TaskIngestDocument,
		payload,
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Queue(QueueCritical),
	), nil
}

// RedisClientOpt adapts the shared Redis settings for asynq.
func RedisClientOpt(cfg *config.Config) (asynq.RedisClientOpt, error) {
	opt, err := config.RedisOptions(cfg)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

// Client enqueues ingestion jobs. It refuses new work once the queue holds
// maxPending tasks.
type Client struct {
	client     *asynq.Client
	inspector  *asynq.Inspector
	maxPending int
	timeout    time.Duration
}

var _ ingest.Submitter = (*Client)(nil)

func NewClient(redisOpt asynq.RedisClientOpt, maxPending int, timeout time.Duration) *Client {
	return &Client{
		client:     asynq.NewClient(redisOpt),
		inspector:  asynq.NewInspector(redisOpt),
		maxPending: maxPending,
		timeout:    timeout,
	}
}

func (c *Client) Submit(ctx context.Context, job ingest.Job) error {
	if c.maxPending > 0 {
		pending, err := c.pending()
		if err != nil {
			return err
		}
		if pending >= c.maxPending {
			return ingest.ErrQueueFull
		}
	}

	task, err := NewIngestTask(job, c.timeout)
	if err != nil {
		return err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to enqueue ingestion: %w", err)
	}
	logger.Info("Ingestion task enqueued", "document_id", job.DocumentID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

func (c *Client) pending() (int, error) {
	info, err := c.inspector.GetQueueInfo(QueueCritical)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return info.Pending + info.Active + info.Scheduled, nil
}

func (c *Client) Close() error {
	if err := c.inspector.Close(); err != nil {
		logger.Warn("Failed to close queue inspector", "error", err)
	}
	return c.client.Close()
}

// Task handlers
type TaskProcessor struct {
	proc ingest.Processor
}

func NewTaskProcessor(proc ingest.Processor) *TaskProcessor {
	return &TaskProcessor{proc: proc}
}

// ProcessIngest runs the pipeline. The outcome is already recorded on the
// document, so only a malformed payload is reported back to asynq.
func (p *TaskProcessor) ProcessIngest(ctx context.Context, t *asynq.Task) error {
	var job ingest.Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}
	if job.DocumentID == "" || job.FilePath == "" {
		return fmt.Errorf("incomplete ingestion payload: %w", asynq.SkipRetry)
	}

	status := p.proc.Process(ctx, job)
	logger.Info("Ingestion task finished", "document_id", job.DocumentID, "status", status)
	if status == models.StatusFailed {
		return fmt.Errorf("document %s failed ingestion: %w", job.DocumentID, asynq.SkipRetry)
	}
	return nil
}

// Register wires the handlers into mux.
func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskIngestDocument, p.ProcessIngest)
}
