// Package api exposes ingestion, job status, retrieval and concept history
// over HTTP and as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/lexrag/internal/faults"
	"github.com/kalambet/lexrag/internal/index"
	"github.com/kalambet/lexrag/internal/ingest"
	"github.com/kalambet/lexrag/internal/ledger"
	"github.com/kalambet/lexrag/internal/retrieval"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Ingester is the caller-facing side of the ingestion orchestrator.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.IngestRequest) (string, error)
	JobStatus(ctx context.Context, jobID string) (ingest.JobStatus, error)
	Cancel(ctx context.Context, jobID string) error
}

type Retriever interface {
	Query(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// ConceptResolver reads concept versions.
type ConceptResolver interface {
	Resolve(ctx context.Context, key string, asOf *time.Time) (temporal.Version, error)
	History(ctx context.Context, key string) ([]temporal.Interval, error)
}

// RetryLister exposes ledger entries eligible for reprocessing.
type RetryLister interface {
	RetryList() ([]ledger.Record, error)
	Stats() (ledger.Stats, error)
}

type Repairer interface {
	Repair(ctx context.Context) (index.RepairReport, error)
}

// StatsReader counts the chunks and index entries the store holds.
type StatsReader interface {
	CountChunks() (int, error)
	IndexStats() (map[storage.IndexStatus]int, error)
}

type AppDeps struct {
	Ingest   Ingester
	Retrieve Retriever
	Concepts ConceptResolver
	Ledger   RetryLister
	Repair   Repairer
	Stats    StatsReader
	Token    string
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// NewAppHandler routes the HTTP API. Everything except /health and /metrics
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest", handleIngest(deps))
		r.Get("/jobs/{id}", handleJobStatus(deps))
		r.Post("/jobs/{id}/cancel", handleCancelJob(deps))
		r.Post("/query", handleQuery(deps))
		r.Get("/concepts/*", handleConcept(deps))
		r.Get("/retry-list", handleRetryList(deps))
		r.Post("/repair", handleRepair(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ingest.IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Collection == "" && len(req.SourceIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "collection or source_ids is required")
			return
		}

		jobID, err := deps.Ingest.Ingest(r.Context(), req)
		if err != nil {
			var fe *faults.Error
			if errors.Is(err, ingest.ErrNoSources) || (errors.As(err, &fe) && fe.Kind == faults.KindPermanent) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			deps.Logger.Error("creating ingest job failed", "collection", req.Collection, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func handleJobStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		st, err := deps.Ingest.JobStatus(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Ingest.Cancel(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancel_requested"})
	}
}
