package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/metrics"
	"github.com/pagesnap/engine/internal/orchestrator"
	"github.com/pagesnap/engine/internal/s3store"
	"github.com/pagesnap/engine/pkg/types"
)

// ErrJobNotFound is returned by Status for unknown job ids.
var ErrJobNotFound = errors.New("batch job not found")

// ErrEmptySource is returned when a batch source yields no URLs.
var ErrEmptySource = errors.New("batch source contains no URLs")

// Processor is the render entry point batch tasks go through. Implemented by
// *orchestrator.Orchestrator.
type Processor interface {
	Process(ctx context.Context, rawURL, requestID, source string) (*orchestrator.Response, error)
}

// SnapshotStore persists job snapshots. Implemented by *s3store.Store.
type SnapshotStore interface {
	PutJSON(ctx context.Context, name string, data []byte) error
	GetJSON(ctx context.Context, name string) ([]byte, error)
}

// Manager runs batch jobs. Each job fans its URLs out to a fixed-size worker
// group; the workers go through the shared orchestrator, so the render gate
// still bounds total render concurrency across batch and interactive load.
type Manager struct {
	processor Processor
	snapshots SnapshotStore
	workers   int
	collector *metrics.Collector
	logger    *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewManager(
	processor Processor,
	snapshots SnapshotStore,
	workers int,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		processor: processor,
		snapshots: snapshots,
		workers:   workers,
		collector: collector,
		logger:    logger,
		jobs:      make(map[string]*Job),
	}
}

// Submit registers a job for the given URLs and starts processing it in the
// background. Returns immediately with the RUNNING job.
func (m *Manager) Submit(ctx context.Context, urls []string, source string) (*Job, error) {
	if len(urls) == 0 {
		return nil, ErrEmptySource
	}

	job := &Job{
		ID:        uuid.New().String()[:8],
		Source:    source,
		Status:    StatusRunning,
		Total:     len(urls),
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.persistSnapshot(ctx, job)

	m.logger.Info("Batch job started",
		zap.String("job_id", job.ID),
		zap.String("source", source),
		zap.Int("total_urls", len(urls)),
		zap.Int("workers", m.workers))
	m.collector.BatchJobStarted()

	go m.run(job, urls)

	return job.clone(), nil
}

// Status returns the job's current state. Jobs from a previous process are
// recovered from their durable snapshot.
func (m *Manager) Status(ctx context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	var snap *Job
	if ok {
		snap = job.clone()
	}
	m.mu.RUnlock()

	if ok {
		return snap, nil
	}

	data, err := m.snapshots.GetJSON(ctx, snapshotName(jobID))
	if err != nil {
		if errors.Is(err, s3store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job snapshot: %w", err)
	}

	var recovered Job
	if err := json.Unmarshal(data, &recovered); err != nil {
		return nil, fmt.Errorf("corrupt job snapshot for %s: %w", jobID, err)
	}
	return &recovered, nil
}

// run drives all URLs of one job through the processor and keeps the job's
// snapshot current. Runs until every task has resolved.
func (m *Manager) run(job *Job, urls []string) {
	ctx := context.Background()
	tasks := make(chan string)

	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for url := range tasks {
				m.processOne(ctx, job, url, worker)
			}
		}(i)
	}

	for _, url := range urls {
		tasks <- url
	}
	close(tasks)
	wg.Wait()

	m.finish(ctx, job)
}

func (m *Manager) processOne(ctx context.Context, job *Job, url string, worker int) {
	requestID := fmt.Sprintf("%s-w%d", job.ID, worker)

	resp, err := m.processor.Process(ctx, url, requestID, orchestrator.SourceBatch)
	failed := err != nil || resp.Outcome == types.OutcomeFailed

	if err != nil {
		m.logger.Warn("Batch URL failed",
			zap.String("job_id", job.ID),
			zap.String("url", url),
			zap.Error(err))
	}

	m.mu.Lock()
	job.Completed++
	if failed {
		job.Failed++
	}
	m.mu.Unlock()

	if failed {
		m.collector.RecordBatchURL("failed")
	} else {
		m.collector.RecordBatchURL("completed")
	}

	m.persistSnapshot(ctx, job)
}

// finish transitions the job to COMPLETED. Called exactly once per job,
// after the last task resolved.
func (m *Manager) finish(ctx context.Context, job *Job) {
	now := time.Now().UTC()

	m.mu.Lock()
	job.Status = StatusCompleted
	job.CompletedAt = &now
	completed, failed := job.Completed, job.Failed
	m.mu.Unlock()

	// Once the final snapshot is durable, Status recovers from it and the
	// in-memory entry can go. Jobs whose snapshot failed stay resident so
	// their status is not lost.
	if err := m.persistSnapshot(ctx, job); err == nil {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
	}
	m.collector.BatchJobFinished(string(StatusCompleted), job.Source)

	m.logger.Info("Batch job complete",
		zap.String("job_id", job.ID),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Duration("duration", now.Sub(job.StartedAt)))
}

// persistSnapshot writes the current job state to the durable store.
// Best-effort: a failed write is logged and the job keeps running.
func (m *Manager) persistSnapshot(ctx context.Context, job *Job) error {
	m.mu.RLock()
	data, err := job.snapshot()
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error("Failed to serialize job snapshot",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return err
	}

	if err := m.snapshots.PutJSON(ctx, snapshotName(job.ID), data); err != nil {
		m.logger.Warn("Failed to persist job snapshot",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return err
	}
	return nil
}
