package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/lexrag/internal/api"
	"github.com/kalambet/lexrag/internal/config"
	"github.com/kalambet/lexrag/internal/ingest"
	"github.com/kalambet/lexrag/internal/ledger"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

// newTestServer answers "METHOD /path" keys with canned JSON and 404s the rest.
func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.mu.Lock()
		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})
		ts.mu.Unlock()

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

var ctx = context.Background()

func TestSubmitIngest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /ingest": `{"job_id":"01JOB","status":"queued"}`,
	})

	jobID, err := submitIngest(ctx, ts.client(), ingest.IngestRequest{
		Collection: "acts",
		SourceIDs:  []string{"acts/a.txt"},
		Force:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobID != "01JOB" {
		t.Errorf("job id = %q, want 01JOB", jobID)
	}

	r := ts.last(t)
	if r.Method != "POST" || r.Path != "/ingest" {
		t.Errorf("request = %s %s, want POST /ingest", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body ingest.IngestRequest
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.Collection != "acts" || !body.Force || len(body.SourceIDs) != 1 {
		t.Errorf("body = %+v", body)
	}
}

func TestSubmitIngest_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"no source documents in \"empty\"","type":"invalid_request_error"}}`))
	}))
	defer ts.Close()
	c := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}

	_, err := submitIngest(ctx, c, ingest.IngestRequest{Collection: "empty"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "no source documents") {
		t.Errorf("error = %q, want status and server message", err)
	}
}

func TestFetchJob(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /jobs/01JOB": `{"id":"01JOB","collection":"acts","state":"done","counts":{"done":2,"failed":1},
			"items":[{"id":"i1","source_id":"acts/a.txt","stage":"indexed","status":"done"},
			{"id":"i2","source_id":"acts/b.pdf","stage":"fetched","status":"failed","last_error":"broken pdf"}]}`,
	})

	st, err := fetchJob(ctx, ts.client(), "01JOB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.State != ingest.JobDone || st.Counts["done"] != 2 || len(st.Items) != 2 {
		t.Errorf("status = %+v", st)
	}

	noColor = true
	t.Cleanup(func() { noColor = false })
	var out bytes.Buffer
	printJob(&out, st, false)
	got := out.String()
	if !strings.Contains(got, "done=2 failed=1") {
		t.Errorf("output missing counts:\n%s", got)
	}
	if !strings.Contains(got, "broken pdf") {
		t.Errorf("output missing failed item:\n%s", got)
	}
	if strings.Contains(got, "acts/a.txt") {
		t.Errorf("successful items should be hidden without --items:\n%s", got)
	}
}

func TestCancelJob(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /jobs/01JOB/cancel": `{"job_id":"01JOB","status":"cancel_requested"}`,
	})

	if err := cancelJob(ctx, ts.client(), "01JOB"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r := ts.last(t); r.Method != "POST" || r.Path != "/jobs/01JOB/cancel" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}

	if err := cancelJob(ctx, ts.client(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestWaitJob_PollsUntilFinished(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		state := ingest.JobRunning
		if n >= 3 {
			state = ingest.JobDone
		}
		json.NewEncoder(w).Encode(ingest.JobStatus{ID: "01JOB", State: state})
	}))
	defer srv.Close()
	c := &apiClient{baseURL: srv.URL, token: "t", httpClient: srv.Client()}

	st, err := waitJob(ctx, c, "01JOB", time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.State != ingest.JobDone {
		t.Errorf("state = %q, want done", st.State)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("polled %d times, want 3", calls)
	}
}

func TestRunQuery(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /query": `{"query":"notice period","results":[{"chunk_id":"c1","text":"An employer shall give thirty days notice.",
			"score":0.032,"valid_from":"2020-01-01T00:00:00Z","valid_to":"2023-06-01T00:00:00Z",
			"hierarchy_path":["Labour Protection Act","Chapter 11","Section 118"],"channels":["lexical","dense"]}]}`,
	})

	resp, err := runQuery(ctx, ts.client(), api.QueryRequest{Query: "notice period", AsOf: "2021-03-01", K: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != "c1" {
		t.Fatalf("results = %+v", resp.Results)
	}

	var body api.QueryRequest
	if err := json.Unmarshal([]byte(ts.last(t).Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.AsOf != "2021-03-01" || body.K != 3 {
		t.Errorf("body = %+v", body)
	}

	noColor = true
	t.Cleanup(func() { noColor = false })
	var out bytes.Buffer
	printResults(&out, resp)
	got := out.String()
	for _, want := range []string{"Chapter 11 > Section 118", "valid from 2020-01-01 to 2023-06-01", "thirty days"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestPrintResults_Empty(t *testing.T) {
	var out bytes.Buffer
	printResults(&out, api.QueryResponse{})
	if !strings.Contains(out.String(), "No results") {
		t.Errorf("output = %q", out.String())
	}
}

func TestFetchConcept_EscapesKey(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /concepts/act2560#56/1": `{"key":"act2560#56/1","current":{"ctv_id":"ctv2","seq":1,"text":"Amended text.",
			"valid_from":"2023-06-01T00:00:00Z","effective_from":"2023-06-01T00:00:00Z"},
			"history":[{"ctv_id":"ctv1","seq":1,"text":"Original text.","valid_from":"2020-01-01T00:00:00Z",
			"valid_to":"2023-06-01T00:00:00Z","effective_from":"2020-01-01T00:00:00Z"},
			{"ctv_id":"ctv2","seq":1,"text":"Amended text.","valid_from":"2023-06-01T00:00:00Z","effective_from":"2023-06-01T00:00:00Z"}]}`,
	})

	resp, err := fetchConcept(ctx, ts.client(), "act2560#56/1", "2024-01-01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Current == nil || resp.Current.CTVID != "ctv2" || len(resp.History) != 2 {
		t.Fatalf("response = %+v", resp)
	}

	r := ts.last(t)
	if r.Path != "/concepts/act2560%2356%2F1?as_of=2024-01-01" {
		t.Errorf("path = %q", r.Path)
	}

	noColor = true
	t.Cleanup(func() { noColor = false })
	var out bytes.Buffer
	printConcept(&out, resp)
	got := out.String()
	if !strings.Contains(got, "Amended text.") || !strings.Contains(got, "valid from 2020-01-01 to 2023-06-01") {
		t.Errorf("output:\n%s", got)
	}
	if !strings.Contains(got, " * valid from 2023-06-01") {
		t.Errorf("current version should be marked:\n%s", got)
	}
}

func TestPrintConcept_Repealed(t *testing.T) {
	noColor = true
	t.Cleanup(func() { noColor = false })
	to := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printConcept(&out, api.ConceptResponse{
		Key: "act2560#7",
		History: []api.VersionView{{
			CTVID: "ctv1", Seq: 1, ValidFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), ValidTo: &to,
		}},
	})
	if !strings.Contains(out.String(), "not in force") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestFetchRetryList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /retry-list": `{"stats":{"done":4,"failed":1,"retry":1},
			"records":[{"content_hash":"abcdef0123456789","source_id":"acts/b.pdf","outcome":"failed","error":"broken pdf"}]}`,
	})

	list, err := fetchRetryList(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list.Stats.Retry != 1 || len(list.Records) != 1 || list.Records[0].Outcome != ledger.OutcomeFailed {
		t.Fatalf("list = %+v", list)
	}

	noColor = true
	t.Cleanup(func() { noColor = false })
	var out bytes.Buffer
	printRetryList(&out, list)
	got := out.String()
	if !strings.Contains(got, "abcdef012345 ") || strings.Contains(got, "abcdef0123456789") {
		t.Errorf("hash should be shortened:\n%s", got)
	}
	if !strings.Contains(got, "1 to retry") {
		t.Errorf("output:\n%s", got)
	}
}

func TestFetchStats(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /stats": `{"chunks":12,"index":{"partial":2,"complete":10},"ledger":{"done":4,"failed":1,"retry":1}}`,
	})

	stats, err := fetchStats(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Chunks != 12 || stats.Ledger.Done != 4 {
		t.Fatalf("stats = %+v", stats)
	}

	noColor = true
	var out bytes.Buffer
	console = &out
	t.Cleanup(func() {
		noColor = false
		console = os.Stderr
	})
	printCorpusStats(stats)
	printSuccess("Repair finished")

	got := out.String()
	for _, want := range []string{
		"  Chunks:       12\n",
		"  Index:        10 complete, 2 partial\n",
		"  Ledger:       4 done, 1 failed, 1 to retry\n",
		"✓ Repair finished\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
	if got := indexSummary(api.StatsResponse{}); got != "empty" {
		t.Errorf("indexSummary of an empty index = %q", got)
	}
}

func TestRunRepair(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /repair": `{"scanned":3,"vectors_repaired":1,"graphs_repaired":2,"still_partial":0}`,
	})

	report, err := runRepair(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Scanned != 3 || report.VectorsRepaired != 1 || report.GraphsRepaired != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestPrintBatchReport(t *testing.T) {
	noColor = true
	t.Cleanup(func() { noColor = false })

	t.Run("dry run", func(t *testing.T) {
		var out bytes.Buffer
		printBatchReport(&out, ingest.BatchReport{Plan: []ingest.PlanEntry{
			{SourceID: "acts/a.txt", Action: ingest.ActionProcess},
			{SourceID: "acts/b.txt", Action: ingest.ActionSkip},
			{SourceID: "acts/c.pdf", Action: ingest.ActionUnreadable, Error: "permission denied"},
		}})
		got := out.String()
		if !strings.Contains(got, "process=1 retry=0 skip=1 unreadable=1") {
			t.Errorf("output:\n%s", got)
		}
		if !strings.Contains(got, "permission denied") {
			t.Errorf("output missing error:\n%s", got)
		}
	})

	t.Run("finished", func(t *testing.T) {
		var out bytes.Buffer
		printBatchReport(&out, ingest.BatchReport{
			JobID:      "01JOB",
			Counts:     map[string]int{"done": 1, "failed": 1},
			Failed:     []ingest.ItemStatus{{SourceID: "acts/c.pdf", LastError: "broken pdf"}},
			FailedFile: "/tmp/failed/failed_20240101T000000Z.tsv",
		})
		got := out.String()
		for _, want := range []string{"Job 01JOB", "done=1 failed=1", "broken pdf", "failed_20240101T000000Z.tsv"} {
			if !strings.Contains(got, want) {
				t.Errorf("output missing %q:\n%s", want, got)
			}
		}
	})
}

func TestFormatCounts(t *testing.T) {
	if got := formatCounts(nil); got != "no items" {
		t.Errorf("formatCounts(nil) = %q", got)
	}
	got := formatCounts(map[string]int{"failed": 2, "pending": 1, "done": 3})
	if got != "pending=1 done=3 failed=2" {
		t.Errorf("formatCounts = %q", got)
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("hello", "k", "v")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	logger = newLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}
