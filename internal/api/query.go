package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lexrag/internal/ledger"
	"github.com/kalambet/lexrag/internal/retrieval"
	"github.com/kalambet/lexrag/internal/storage"
	"github.com/kalambet/lexrag/internal/temporal"
)

const maxK = 50

type QueryRequest struct {
	Query string `json:"query"`
	// AsOf is a date (2006-01-02) or an RFC 3339 timestamp.
	AsOf string `json:"as_of,omitempty"`
	K    int    `json:"k,omitempty"`
}

type QueryResponse struct {
	Query   string             `json:"query"`
	AsOf    *time.Time         `json:"as_of,omitempty"`
	Results []retrieval.Result `json:"results"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		asOf, err := parseDate(req.AsOf)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.K < 0 || req.K > maxK {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "k must be between 1 and %d", maxK)
			return
		}

		results, err := deps.Retrieve.Query(r.Context(), retrieval.Query{Text: req.Query, AsOf: asOf, K: req.K})
		if err != nil {
			deps.Logger.Error("query failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "query failed: %v", err)
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		writeJSON(w, http.StatusOK, QueryResponse{Query: req.Query, AsOf: asOf, Results: results})
	}
}

// VersionView is a concept text as served to callers.
type VersionView struct {
	CTVID         string     `json:"ctv_id"`
	ValidFrom     time.Time  `json:"valid_from"`
	ValidTo       *time.Time `json:"valid_to,omitempty"`
	DocumentID    string     `json:"document_id,omitempty"`
	Seq           int        `json:"seq"`
	Language      string     `json:"language,omitempty"`
	EffectiveFrom time.Time  `json:"effective_from"`
	ChunkID       string     `json:"chunk_id,omitempty"`
	Text          string     `json:"text"`
}

type ConceptResponse struct {
	Key     string        `json:"key"`
	AsOf    *time.Time    `json:"as_of,omitempty"`
	Current *VersionView  `json:"current,omitempty"`
	History []VersionView `json:"history"`
}

func versionView(v temporal.Version) VersionView {
	return VersionView{
		CTVID:         v.CTV.ID,
		ValidFrom:     v.CTV.ValidFrom,
		ValidTo:       v.CTV.ValidTo,
		DocumentID:    v.CTV.DocumentID,
		Seq:           v.CLV.Seq,
		Language:      v.CLV.Language,
		EffectiveFrom: v.CLV.EffectiveFrom,
		ChunkID:       v.CLV.ChunkID,
		Text:          v.CLV.Text,
	}
}

func historyViews(intervals []temporal.Interval) []VersionView {
	out := []VersionView{}
	for _, iv := range intervals {
		for _, clv := range iv.CLVs {
			out = append(out, versionView(temporal.Version{CTV: iv.CTV, CLV: clv}))
		}
	}
	return out
}

// lookupConcept resolves key at asOf and lists its history. A repealed concept
// has history but no current text.
func lookupConcept(ctx context.Context, c ConceptResolver, key string, asOf *time.Time) (ConceptResponse, error) {
	history, err := c.History(ctx, key)
	if err != nil {
		return ConceptResponse{}, err
	}
	resp := ConceptResponse{Key: key, AsOf: asOf, History: historyViews(history)}
	v, err := c.Resolve(ctx, key, asOf)
	switch {
	case err == nil:
		cur := versionView(v)
		resp.Current = &cur
	case !errors.Is(err, temporal.ErrNotFound):
		return ConceptResponse{}, err
	}
	return resp, nil
}

func handleConcept(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := url.PathUnescape(chi.URLParam(r, "*"))
		if err != nil || key == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid concept key")
			return
		}
		asOf, err := parseDate(r.URL.Query().Get("as_of"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		resp, err := lookupConcept(r.Context(), deps.Concepts, key, asOf)
		if errors.Is(err, temporal.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "concept %s not found", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve concept: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type RetryListResponse struct {
	Stats   ledger.Stats    `json:"stats"`
	Records []ledger.Record `json:"records"`
}

func handleRetryList(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Ledger.RetryList()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read retry list: %v", err)
			return
		}
		stats, err := deps.Ledger.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read ledger stats: %v", err)
			return
		}
		if records == nil {
			records = []ledger.Record{}
		}
		writeJSON(w, http.StatusOK, RetryListResponse{Stats: stats, Records: records})
	}
}

// StatsResponse summarizes the corpus: chunks stored, index entries per
// status and the ledger counts.
type StatsResponse struct {
	Chunks int                         `json:"chunks"`
	Index  map[storage.IndexStatus]int `json:"index"`
	Ledger ledger.Stats                `json:"ledger"`
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chunks, err := deps.Stats.CountChunks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count chunks: %v", err)
			return
		}
		entries, err := deps.Stats.IndexStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read index stats: %v", err)
			return
		}
		ledgerStats, err := deps.Ledger.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read ledger stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{Chunks: chunks, Index: entries, Ledger: ledgerStats})
	}
}

func handleRepair(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Repair.Repair(r.Context())
		if err != nil {
			deps.Logger.Error("repair failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "repair failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// parseDate accepts an empty string (no date), a calendar date or RFC 3339.
func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	t = t.UTC()
	return &t, nil
}
