package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lexrag/internal/api"
	"github.com/kalambet/lexrag/internal/config"
	"github.com/kalambet/lexrag/internal/engine"
	"github.com/kalambet/lexrag/internal/index"
	"github.com/kalambet/lexrag/internal/ingest"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [collection]",
	Short: "Queue a collection or individual sources for ingestion",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, _ := cmd.Flags().GetStringSlice("source")
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetBool("wait")

		req := ingest.IngestRequest{SourceIDs: sources, Force: force}
		if len(args) == 1 {
			req.Collection = args[0]
		}
		if req.Collection == "" && len(req.SourceIDs) == 0 {
			return fmt.Errorf("provide a collection or at least one --source")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		jobID, err := submitIngest(ctx, client, req)
		if err != nil {
			return err
		}
		printSuccess("Queued job %s", jobID)
		if !wait {
			return nil
		}

		printStep("Waiting for job %s", jobID)
		st, err := waitJob(ctx, client, jobID, time.Second)
		if err != nil {
			return err
		}
		printJob(os.Stdout, st, false)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringSlice("source", nil, "source id to ingest (repeatable)")
	ingestCmd.Flags().Bool("force", false, "re-process sources the ledger already marks done")
	ingestCmd.Flags().Bool("wait", false, "block until the job finishes")
}

func submitIngest(ctx context.Context, c *apiClient, req ingest.IngestRequest) (string, error) {
	resp, err := c.post(ctx, "/ingest", req)
	if err != nil {
		return "", err
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show or cancel an ingest job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cancel, _ := cmd.Flags().GetBool("cancel")
		verbose, _ := cmd.Flags().GetBool("items")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if cancel {
			if err := cancelJob(ctx, client, args[0]); err != nil {
				return err
			}
			printSuccess("Cancel requested for job %s", args[0])
			return nil
		}
		st, err := fetchJob(ctx, client, args[0])
		if err != nil {
			return err
		}
		printJob(os.Stdout, st, verbose)
		return nil
	},
}

func init() {
	jobCmd.Flags().Bool("cancel", false, "request cancellation of the job")
	jobCmd.Flags().Bool("items", false, "list every item of the job")
}

func fetchJob(ctx context.Context, c *apiClient, id string) (ingest.JobStatus, error) {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return ingest.JobStatus{}, err
	}
	var st ingest.JobStatus
	if err := decodeJSON(resp, &st); err != nil {
		return ingest.JobStatus{}, err
	}
	return st, nil
}

func cancelJob(ctx context.Context, c *apiClient, id string) error {
	resp, err := c.post(ctx, "/jobs/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return err
	}
	var out map[string]string
	return decodeJSON(resp, &out)
}

// waitJob polls the job until no item is pending or running.
func waitJob(ctx context.Context, c *apiClient, id string, every time.Duration) (ingest.JobStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := fetchJob(ctx, c, id)
		if err != nil {
			return st, err
		}
		if st.State != ingest.JobRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJob(w io.Writer, st ingest.JobStatus, items bool) {
	fmt.Fprintf(w, "%s %s (%s)\n", colorize(colorBold, "Job"), st.ID, st.State)
	if st.Collection != "" {
		fmt.Fprintf(w, "  collection: %s\n", st.Collection)
	}
	fmt.Fprintf(w, "  %s\n", formatCounts(st.Counts))
	for _, it := range st.Items {
		if !items && it.LastError == "" {
			continue
		}
		line := fmt.Sprintf("  %-10s %-8s %s", it.Status, it.Stage, it.SourceID)
		if it.LastError != "" {
			line += colorize(colorRed, "  "+it.LastError)
		}
		fmt.Fprintln(w, line)
	}
}

func formatCounts(counts map[string]int) string {
	order := []string{"pending", "running", "done", "skipped", "failed", "cancelled"}
	var parts []string
	for _, k := range order {
		if n := counts[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, n))
		}
	}
	if len(parts) == 0 {
		return "no items"
	}
	return strings.Join(parts, " ")
}

// --- batch ---

const batchLong = `Runs the ingestion pipeline without a server. Failed items are written to
a failed_<timestamp>.tsv file. With --dry-run nothing is processed; the
ledger decision for each source is printed instead.`

var batchCmd = &cobra.Command{
	Use:   "batch [collection]",
	Short: "Ingest in-process and exit when every item is finished",
	Long:  batchLong,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, _ := cmd.Flags().GetStringSlice("source")
		force, _ := cmd.Flags().GetBool("force")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		failedDir, _ := cmd.Flags().GetString("failed-dir")
		asJSON, _ := cmd.Flags().GetBool("json")

		req := ingest.IngestRequest{SourceIDs: sources, Force: force}
		if len(args) == 1 {
			req.Collection = args[0]
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if failedDir == "" {
			failedDir = filepath.Join(cfg.Storage.DataDir, "failed")
		}
		logger := newLogger(cfg.Log, os.Stderr)

		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if !dryRun {
			if err := engine.EnsureReady(ctx, a.engine, os.Stderr, a.models()...); err != nil {
				return err
			}
		}
		report, err := a.ingest.RunBatch(ctx, req, ingest.BatchOptions{DryRun: dryRun, FailedDir: failedDir})
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSONOut(os.Stdout, report)
		}
		printBatchReport(os.Stdout, report)
		return nil
	},
}

func init() {
	batchCmd.Flags().StringSlice("source", nil, "source id to ingest (repeatable)")
	batchCmd.Flags().Bool("force", false, "re-process sources the ledger already marks done")
	batchCmd.Flags().Bool("dry-run", false, "print what would be processed and exit")
	batchCmd.Flags().String("failed-dir", "", "directory for the failed items list (default <data_dir>/failed)")
	batchCmd.Flags().Bool("json", false, "print the report as JSON")
}

func printBatchReport(w io.Writer, r ingest.BatchReport) {
	if r.JobID == "" {
		counts := make(map[string]int)
		for _, e := range r.Plan {
			counts[e.Action]++
			line := fmt.Sprintf("  %-10s %s", e.Action, e.SourceID)
			if e.Error != "" {
				line += colorize(colorRed, "  "+e.Error)
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintf(w, "%s process=%d retry=%d skip=%d unreadable=%d\n", colorize(colorBold, "Plan:"),
			counts[ingest.ActionProcess], counts[ingest.ActionRetry], counts[ingest.ActionSkip], counts[ingest.ActionUnreadable])
		return
	}
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Job"), r.JobID)
	fmt.Fprintf(w, "  %s\n", formatCounts(r.Counts))
	for _, it := range r.Failed {
		fmt.Fprintf(w, "  %s %s\n", it.SourceID, colorize(colorRed, it.LastError))
	}
	if r.FailedFile != "" {
		fmt.Fprintf(w, "  failed list: %s\n", r.FailedFile)
	}
}

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve the provisions most relevant to a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, _ := cmd.Flags().GetString("as-of")
		k, _ := cmd.Flags().GetInt("k")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := runQuery(cmd.Context(), client, api.QueryRequest{
			Query: strings.Join(args, " "),
			AsOf:  asOf,
			K:     k,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSONOut(os.Stdout, resp)
		}
		printResults(os.Stdout, resp)
		return nil
	},
}

func init() {
	queryCmd.Flags().String("as-of", "", "answer with the law in force on this date (YYYY-MM-DD)")
	queryCmd.Flags().IntP("k", "k", 0, "number of results (server default when 0)")
	queryCmd.Flags().Bool("json", false, "print the raw response")
}

func runQuery(ctx context.Context, c *apiClient, req api.QueryRequest) (api.QueryResponse, error) {
	resp, err := c.post(ctx, "/query", req)
	if err != nil {
		return api.QueryResponse{}, err
	}
	var out api.QueryResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.QueryResponse{}, err
	}
	return out, nil
}

func printResults(w io.Writer, resp api.QueryResponse) {
	if len(resp.Results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, r := range resp.Results {
		header := fmt.Sprintf("Result %d", i+1)
		fmt.Fprintf(w, "\n%s [score: %.4f]\n", colorize(colorBold, header), r.Score)
		if len(r.HierarchyPath) > 0 {
			fmt.Fprintf(w, "  %s\n", strings.Join(r.HierarchyPath, " > "))
		}
		fmt.Fprintf(w, "  %s\n", colorize(colorDim, validity(r.ValidFrom, r.ValidTo)))
		text := r.Text
		if len(text) > 500 {
			text = text[:500] + "..."
		}
		fmt.Fprintf(w, "  %s\n", text)
	}
}

func validity(from time.Time, to *time.Time) string {
	s := "valid from " + from.Format(time.DateOnly)
	if to != nil {
		s += " to " + to.Format(time.DateOnly)
	}
	return s
}

// --- concept ---

var conceptCmd = &cobra.Command{
	Use:     "concept <key>",
	Short:   "Show a provision's text at a date and its amendment history",
	Example: "  lexrag concept 'act2560#56/1' --as-of 2021-03-01",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, _ := cmd.Flags().GetString("as-of")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := fetchConcept(cmd.Context(), client, args[0], asOf)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSONOut(os.Stdout, resp)
		}
		printConcept(os.Stdout, resp)
		return nil
	},
}

func init() {
	conceptCmd.Flags().String("as-of", "", "date to resolve at (YYYY-MM-DD, default today)")
	conceptCmd.Flags().Bool("json", false, "print the raw response")
}

func fetchConcept(ctx context.Context, c *apiClient, key, asOf string) (api.ConceptResponse, error) {
	path := "/concepts/" + url.PathEscape(key)
	if asOf != "" {
		path += "?" + url.Values{"as_of": {asOf}}.Encode()
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return api.ConceptResponse{}, err
	}
	var out api.ConceptResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.ConceptResponse{}, err
	}
	return out, nil
}

func printConcept(w io.Writer, resp api.ConceptResponse) {
	fmt.Fprintln(w, colorize(colorBold, resp.Key))
	if resp.Current == nil {
		fmt.Fprintln(w, colorize(colorYellow, "  not in force at this date"))
	} else {
		fmt.Fprintf(w, "  %s\n", colorize(colorDim, validity(resp.Current.ValidFrom, resp.Current.ValidTo)))
		fmt.Fprintf(w, "  %s\n", resp.Current.Text)
	}
	if len(resp.History) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "History"))
	for _, v := range resp.History {
		marker := " "
		if resp.Current != nil && v.CTVID == resp.Current.CTVID && v.Seq == resp.Current.Seq {
			marker = "*"
		}
		fmt.Fprintf(w, " %s %s  rev %d  %s\n", marker, validity(v.ValidFrom, v.ValidTo), v.Seq,
			colorize(colorDim, "effective "+v.EffectiveFrom.Format(time.DateOnly)))
	}
}

// --- retry-list ---

var retryListCmd = &cobra.Command{
	Use:   "retry-list",
	Short: "List sources whose latest ledger outcome is a failure",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		list, err := fetchRetryList(cmd.Context(), client)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSONOut(os.Stdout, list)
		}
		printRetryList(os.Stdout, list)
		return nil
	},
}

func init() {
	retryListCmd.Flags().Bool("json", false, "print the raw response")
}

func fetchRetryList(ctx context.Context, c *apiClient) (api.RetryListResponse, error) {
	resp, err := c.get(ctx, "/retry-list")
	if err != nil {
		return api.RetryListResponse{}, err
	}
	var out api.RetryListResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.RetryListResponse{}, err
	}
	return out, nil
}

func fetchStats(ctx context.Context, c *apiClient) (api.StatsResponse, error) {
	resp, err := c.get(ctx, "/stats")
	if err != nil {
		return api.StatsResponse{}, err
	}
	var out api.StatsResponse
	if err := decodeJSON(resp, &out); err != nil {
		return api.StatsResponse{}, err
	}
	return out, nil
}

func printRetryList(w io.Writer, list api.RetryListResponse) {
	if len(list.Records) == 0 {
		fmt.Fprintln(w, "Nothing to retry.")
		return
	}
	for _, r := range list.Records {
		hash := r.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		fmt.Fprintf(w, "  %s  %-40s %s\n", colorize(colorDim, hash), r.SourceID, colorize(colorRed, r.Error))
	}
	fmt.Fprintf(w, "%d to retry (%d done, %d failed)\n", list.Stats.Retry, list.Stats.Done, list.Stats.Failed)
}

// --- repair ---

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Complete chunks indexed into only one of the vector and graph stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		report, err := runRepair(cmd.Context(), client)
		if err != nil {
			return err
		}
		printSuccess("Scanned %d partial entries: %d vectors and %d graphs repaired, %d still partial",
			report.Scanned, report.VectorsRepaired, report.GraphsRepaired, report.StillPartial)
		return nil
	},
}

func runRepair(ctx context.Context, c *apiClient) (index.RepairReport, error) {
	resp, err := c.post(ctx, "/repair", nil)
	if err != nil {
		return index.RepairReport{}, err
	}
	var out index.RepairReport
	if err := decodeJSON(resp, &out); err != nil {
		return index.RepairReport{}, err
	}
	return out, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
