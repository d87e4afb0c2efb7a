package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/lexrag/internal/ledger"
	"github.com/kalambet/lexrag/internal/storage"
)

// Planned actions of a dry run.
const (
	ActionProcess    = "process"
	ActionRetry      = "retry"
	ActionSkip       = "skip"
	ActionUnreadable = "unreadable"
)

type BatchOptions struct {
	// DryRun lists what would be processed without creating a job.
	DryRun bool
	// FailedDir receives failed_<timestamp>.tsv when items fail. Empty
	// disables the file.
	FailedDir string
}

type PlanEntry struct {
	SourceID string `json:"source_id"`
	Hash     string `json:"hash,omitempty"`
	Action   string `json:"action"`
	Error    string `json:"error,omitempty"`
}

type BatchReport struct {
	JobID      string         `json:"job_id,omitempty"`
	Plan       []PlanEntry    `json:"plan,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"`
	Failed     []ItemStatus   `json:"failed,omitempty"`
	FailedFile string         `json:"failed_file,omitempty"`
}

// RunBatch ingests req in-process and returns once every item of the job has
// reached a terminal state.
func (o *Orchestrator) RunBatch(ctx context.Context, req IngestRequest, opts BatchOptions) (BatchReport, error) {
	if opts.DryRun {
		plan, err := o.plan(ctx, req)
		return BatchReport{Plan: plan}, err
	}

	jobID, err := o.Ingest(ctx, req)
	if err != nil {
		return BatchReport{}, err
	}
	report := BatchReport{JobID: jobID}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- o.Run(runCtx) }()

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()
wait:
	for {
		select {
		case err := <-errc:
			if err == nil {
				err = ctx.Err()
			}
			return report, err
		case <-ticker.C:
			n, err := o.store.PendingItems(jobID)
			if err != nil {
				return report, fmt.Errorf("counting pending items: %w", err)
			}
			if n == 0 {
				cancel()
				if err := <-errc; err != nil {
					return report, err
				}
				break wait
			}
		}
	}

	status, err := o.JobStatus(ctx, jobID)
	if err != nil {
		return report, err
	}
	report.Counts = status.Counts
	for _, it := range status.Items {
		if it.Status == string(storage.ItemFailed) {
			report.Failed = append(report.Failed, it)
		}
	}
	if len(report.Failed) > 0 && opts.FailedDir != "" {
		path, err := o.writeFailed(opts.FailedDir, report.Failed)
		if err != nil {
			return report, err
		}
		report.FailedFile = path
	}
	o.logger.Info("batch finished", "job_id", jobID, "counts", status.Counts)
	return report, nil
}

// plan reports per source what a batch would do according to the ledger.
func (o *Orchestrator) plan(ctx context.Context, req IngestRequest) ([]PlanEntry, error) {
	ids, err := o.sourceIDs(ctx, req)
	if err != nil {
		return nil, err
	}
	plan := make([]PlanEntry, 0, len(ids))
	for _, id := range ids {
		item, err := o.sources.Fetch(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			plan = append(plan, PlanEntry{SourceID: id, Action: ActionUnreadable, Error: err.Error()})
			continue
		}
		e := PlanEntry{SourceID: id, Hash: ledger.Hash(item.Raw), Action: ActionProcess}
		status, err := o.ledger.Check(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("checking ledger: %w", err)
		}
		switch {
		case status == ledger.StatusDone && !req.Force:
			e.Action = ActionSkip
		case status == ledger.StatusFailed:
			e.Action = ActionRetry
		}
		plan = append(plan, e)
	}
	return plan, nil
}

// writeFailed writes source_id, hash and error of failed items as TSV.
func (o *Orchestrator) writeFailed(dir string, failed []ItemStatus) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "failed_"+o.now().Format("20060102T150405Z")+".tsv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating failed list: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	clean := strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")
	for _, it := range failed {
		fmt.Fprintf(w, "%s\t%s\t%s\n", it.SourceID, it.ContentHash, clean.Replace(it.LastError))
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("writing failed list: %w", err)
	}
	return path, f.Close()
}
