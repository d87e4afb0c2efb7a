package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/lexrag/internal/storage"
)

// Job states reported by JobStatus.
const (
	JobRunning   = "running"
	JobDone      = "done"
	JobCancelled = "cancelled"
)

type ItemStatus struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	ContentHash string    `json:"content_hash,omitempty"`
	DocumentID  string    `json:"document_id,omitempty"`
	Stage       string    `json:"stage"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type JobStatus struct {
	ID              string         `json:"id"`
	Collection      string         `json:"collection"`
	Force           bool           `json:"force"`
	State           string         `json:"state"`
	CancelRequested bool           `json:"cancel_requested"`
	Counts          map[string]int `json:"counts"`
	Items           []ItemStatus   `json:"items"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// JobStatus reports a job with per-status counts and every item. A job is
// running while any item is pending or running.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return JobStatus{}, err
	}
	job, err := o.store.GetIngestJob(jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	items, err := o.store.ListJobItems(jobID)
	if err != nil {
		return JobStatus{}, fmt.Errorf("listing items of %s: %w", jobID, err)
	}

	st := JobStatus{
		ID:              job.ID,
		Collection:      job.Collection,
		Force:           job.Force,
		CancelRequested: job.CancelRequested,
		Counts:          make(map[string]int),
		Items:           make([]ItemStatus, 0, len(items)),
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
	active := false
	for _, it := range items {
		st.Counts[string(it.Status)]++
		if it.Status == storage.ItemPending || it.Status == storage.ItemRunning {
			active = true
		}
		if it.UpdatedAt.After(st.UpdatedAt) {
			st.UpdatedAt = it.UpdatedAt
		}
		st.Items = append(st.Items, ItemStatus{
			ID:          it.ID,
			SourceID:    it.SourceID,
			ContentHash: it.ContentHash,
			DocumentID:  it.DocumentID,
			Stage:       string(it.Stage),
			Status:      string(it.Status),
			Attempts:    it.Attempts,
			LastError:   it.LastError,
			UpdatedAt:   it.UpdatedAt,
		})
	}

	switch {
	case active:
		st.State = JobRunning
	case job.CancelRequested:
		st.State = JobCancelled
	default:
		st.State = JobDone
	}
	return st, nil
}
