package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// CreateIngestJob stores a job and one queued item per distinct source id.
func (s *Store) CreateIngestJob(job IngestJob, sourceIDs []string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := formatTime(time.Now().UTC())

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning job transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO ingest_jobs (id, collection, force, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		job.ID, job.Collection, boolInt(job.Force), now, now); err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO job_items (id, job_id, source_id, stage, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(job_id, source_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing item insert: %w", err)
	}
	defer stmt.Close()

	for _, src := range sourceIDs {
		if _, err := stmt.Exec(uuid.New().String(), job.ID, src, string(StageQueued), string(ItemPending), maxAttempts, now, now, now); err != nil {
			return fmt.Errorf("inserting item %s: %w", src, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetIngestJob(id string) (IngestJob, error) {
	var j IngestJob
	var force, cancel int
	var createdAt, updatedAt string
	err := s.db.QueryRow(`SELECT id, collection, force, cancel_requested, created_at, updated_at FROM ingest_jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.Collection, &force, &cancel, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return IngestJob{}, ErrNotFound
	}
	if err != nil {
		return IngestJob{}, err
	}
	j.Force = force != 0
	j.CancelRequested = cancel != 0
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return IngestJob{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return IngestJob{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

// RequestCancel sets the cooperative cancel flag of a job and cancels its
// items that have not started. Running items observe the flag between stages.
func (s *Store) RequestCancel(jobID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cancel transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	res, err := tx.Exec(`UPDATE ingest_jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`
		UPDATE job_items SET status = ?, stage = ?, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		string(ItemCancelled), string(StageCancelled), now, jobID, string(ItemPending)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CancelRequested(jobID string) (bool, error) {
	var cancel int
	err := s.db.QueryRow(`SELECT cancel_requested FROM ingest_jobs WHERE id = ?`, jobID).Scan(&cancel)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return cancel != 0, err
}

const jobItemColumns = `id, job_id, source_id, content_hash, document_id, stage, status, attempts, max_attempts, run_after, last_error, created_at, updated_at`

func scanJobItem(row interface{ Scan(...any) error }) (JobItem, error) {
	var it JobItem
	var stage, status, runAfter, createdAt, updatedAt string
	if err := row.Scan(&it.ID, &it.JobID, &it.SourceID, &it.ContentHash, &it.DocumentID, &stage, &status,
		&it.Attempts, &it.MaxAttempts, &runAfter, &it.LastError, &createdAt, &updatedAt); err != nil {
		return JobItem{}, err
	}
	it.Stage = Stage(stage)
	it.Status = ItemStatus(status)
	var err error
	if it.RunAfter, err = parseTime(runAfter); err != nil {
		return JobItem{}, fmt.Errorf("parsing run_after for item %s: %w", it.ID, err)
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return JobItem{}, fmt.Errorf("parsing created_at for item %s: %w", it.ID, err)
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return JobItem{}, fmt.Errorf("parsing updated_at for item %s: %w", it.ID, err)
	}
	return it, nil
}

func (s *Store) ListJobItems(jobID string) ([]JobItem, error) {
	rows, err := s.db.Query(`SELECT `+jobItemColumns+` FROM job_items WHERE job_id = ? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []JobItem
	for rows.Next() {
		it, err := scanJobItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) jobItem(id string) (JobItem, error) {
	it, err := scanJobItem(s.db.QueryRow(`SELECT `+jobItemColumns+` FROM job_items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return JobItem{}, ErrNotFound
	}
	return it, err
}

// ClaimNextItem atomically moves the next due pending item to running.
// It returns nil when nothing is due.
func (s *Store) ClaimNextItem() (*JobItem, error) {
	now := formatTime(time.Now().UTC())

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	it, err := scanJobItem(tx.QueryRow(`SELECT `+jobItemColumns+`
		FROM job_items
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC, rowid ASC
		LIMIT 1`, string(ItemPending), now))
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next item: %w", err)
	}

	res, err := tx.Exec(`UPDATE job_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(ItemRunning), now, it.ID, string(ItemPending))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating item status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated item rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	it.Status = ItemRunning
	return &it, nil
}

// SetItemStage persists a stage transition of a running item together with
// what is known about it so far.
func (s *Store) SetItemStage(id string, stage Stage, contentHash, documentID string) error {
	res, err := s.db.Exec(`
		UPDATE job_items SET stage = ?,
			content_hash = CASE WHEN ? = '' THEN content_hash ELSE ? END,
			document_id = CASE WHEN ? = '' THEN document_id ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		string(stage), contentHash, contentHash, documentID, documentID, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishItem moves an item to a terminal stage.
func (s *Store) FinishItem(id string, stage Stage, status ItemStatus, lastError string) error {
	res, err := s.db.Exec(`UPDATE job_items SET stage = ?, status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(stage), string(status), lastError, formatTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryItem records a failed attempt. While attempts remain, the item goes back
// to the queue with exponential backoff and requeued is true; otherwise it is
// marked failed.
func (s *Store) RetryItem(id string, errMsg string) (requeued bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning retry transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM job_items WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE job_items SET status = ?, stage = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			string(ItemFailed), string(StageFailed), attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`UPDATE job_items SET status = ?, stage = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			string(ItemPending), string(StageQueued), attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
		requeued = true
	}
	if err != nil {
		return false, err
	}
	return requeued, tx.Commit()
}

// ResetStaleItems re-queues items left running by a crashed process.
func (s *Store) ResetStaleItems() (int, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.Exec(`UPDATE job_items SET status = ?, stage = ?, run_after = ?, updated_at = ? WHERE status = ?`,
		string(ItemPending), string(StageQueued), now, now, string(ItemRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PendingItems counts items of a job that have not reached a terminal state.
func (s *Store) PendingItems(jobID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM job_items WHERE job_id = ? AND status IN (?, ?)`,
		jobID, string(ItemPending), string(ItemRunning)).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
