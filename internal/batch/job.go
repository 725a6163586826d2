// Package batch expands URL sources (sitemaps, uploaded lists) into render
// tasks and drives them through the orchestrator, sharing the render gate
// with interactive traffic.
package batch

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status of a batch job. Transitions RUNNING -> COMPLETED exactly once.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Job tracks the aggregate progress of one batch run. Counters increase
// monotonically; only the manager mutates them.
type Job struct {
	ID          string     `json:"job_id"`
	Source      string     `json:"source"` // "sitemap" or "file"
	Status      Status     `json:"status"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Progress renders the "completed/total" string used in status responses.
func (j *Job) Progress() string {
	return fmt.Sprintf("%d/%d", j.Completed, j.Total)
}

// snapshot serializes the job for the durable store.
func (j *Job) snapshot() ([]byte, error) {
	return json.Marshal(j)
}

// snapshotName is the durable-store object name for a job id.
func snapshotName(jobID string) string {
	return "batch/" + jobID + ".json"
}

// clone returns a copy safe to hand to callers while the job is running.
func (j *Job) clone() *Job {
	c := *j
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}
