package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/config"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/ledger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/metrics"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/query"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/storage"
)

const Component = "state-counts"

type Deps struct {
	Athena query.AthenaClient
	Glue   query.GlueClient // nil skips catalog verification
	Store  *storage.Store
	Ledger *ledger.Store
	Log    logger.Logger
	Clock  query.Clock   // nil means wall clock
	Sleep  query.Sleeper // nil means real sleep
}

type Result struct {
	StatusCode          int                `json:"statusCode"`
	Message             string             `json:"message"`
	RunID               string             `json:"run_id"`
	Source              string             `json:"source,omitempty"`
	QueryExecutionID    string             `json:"query_execution_id,omitempty"`
	State               query.State        `json:"state"`
	ResultPath          string             `json:"result_path"`
	SummaryPath         string             `json:"summary_path,omitempty"`
	AlreadyMaterialized bool               `json:"already_materialized,omitempty"`
	Counts              []query.StateCount `json:"counts,omitempty"`
	ScannedBytes        int64              `json:"scanned_bytes,omitempty"`
}

// Summary is the JSON document written next to the copied CSV.
type Summary struct {
	RunID            string             `json:"run_id"`
	Source           string             `json:"source,omitempty"`
	QueryExecutionID string             `json:"query_execution_id"`
	Table            string             `json:"table"`
	ResultPath       string             `json:"result_path"`
	GeneratedAt      string             `json:"generated_at"`
	TotalFacilities  int64              `json:"total_accredited_facilities"`
	States           []query.StateCount `json:"states"`
	Truncated        bool               `json:"truncated,omitempty"`
}

type Handler struct {
	cfg  *config.Config
	deps Deps
}

func NewHandler(cfg *config.Config, deps Deps) *Handler {
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	return &Handler{cfg: cfg, deps: deps}
}

func (h *Handler) now() time.Time {
	if h.deps.Clock != nil {
		return h.deps.Clock.Now()
	}
	return time.Now()
}

// Outputs returns the CSV and summary locations for a run.
func (h *Handler) Outputs(runID string) (csv, summary storage.URI) {
	dir := fmt.Sprintf("%sstate_counts/run=%s/", h.cfg.ResultsPrefix, runID)
	return storage.URI{Bucket: h.cfg.ResultsBucket, Key: dir + "state_counts.csv"},
		storage.URI{Bucket: h.cfg.ResultsBucket, Key: dir + "summary.json"}
}

// Handle runs the state counts query for one trigger event and relocates the
// result under a run-scoped path. Errors are returned as the typed pipeline
// error so the Lambda runtime reports its type name to the state machine.
func (h *Handler) Handle(ctx context.Context, ev Event) (*Result, error) {
	rec := metrics.New()
	runID := RunID(ev.Upload, h.now())
	csvURI, summaryURI := h.Outputs(runID)
	log := h.deps.Log.With(map[string]interface{}{
		"component": Component,
		"run_id":    runID,
		"source":    ev.URI(),
	})
	log.Info("state counts run started", map[string]interface{}{"result_path": csvURI.String()})

	res := &Result{
		StatusCode:  200,
		RunID:       runID,
		Source:      ev.URI(),
		ResultPath:  csvURI.String(),
		SummaryPath: summaryURI.String(),
	}

	// The summary is written last, so it alone marks a finished run.
	done, err := h.deps.Store.Exists(ctx, summaryURI)
	if err != nil {
		return nil, h.fail(ctx, log, rec, runID, "", err)
	}
	if done {
		log.Info("result already materialized for run", nil)
		res.State = query.StateSucceeded
		res.AlreadyMaterialized = true
		res.Message = "state counts already written for this run"
		return res, nil
	}

	prev, err := h.deps.Ledger.Get(ctx, Component, runID)
	if err != nil {
		return nil, h.fail(ctx, log, rec, runID, "", err)
	}
	if prev != nil && prev.Status == ledger.StatusSucceeded {
		return h.replay(ctx, log, res)
	}
	copied, err := h.deps.Store.Exists(ctx, csvURI)
	if err != nil {
		return nil, h.fail(ctx, log, rec, runID, "", err)
	}

	if err := h.deps.Ledger.Begin(ctx, Component, runID, ev.URI()); err != nil {
		if errors.Is(err, ledger.ErrAlreadySucceeded) {
			return h.replay(ctx, log, res)
		}
		return nil, h.fail(ctx, log, rec, runID, "", err)
	}

	var exec *query.Execution
	if copied && prev != nil && prev.QueryExecutionID != "" {
		// An earlier attempt copied the result and failed after; its query
		// succeeded, so finish from it instead of querying again.
		log.Info("resuming run from copied result", map[string]interface{}{"query_execution_id": prev.QueryExecutionID})
		exec = &query.Execution{QueryExecutionID: prev.QueryExecutionID, State: query.StateSucceeded}
	} else {
		exec, err = h.execute(ctx, log, rec, runID)
		if err != nil {
			qid := ""
			if exec != nil {
				qid = exec.QueryExecutionID
			}
			return nil, h.fail(ctx, log, rec, runID, qid, err)
		}
	}
	res.QueryExecutionID = exec.QueryExecutionID
	res.ScannedBytes = exec.ScannedBytes
	res.State = exec.State

	if err := h.materialize(ctx, log, rec, res, exec, csvURI, summaryURI); err != nil {
		return nil, h.fail(ctx, log, rec, runID, exec.QueryExecutionID, err)
	}

	if err := h.deps.Ledger.Complete(ctx, Component, runID, exec.QueryExecutionID, csvURI.String()); err != nil {
		log.Warn("could not mark run complete", map[string]interface{}{"error": err.Error()})
	}
	res.Message = "Athena state counts query completed"
	log.Info("state counts run finished", mergeFields(rec.Fields(), map[string]interface{}{
		"query_execution_id": exec.QueryExecutionID,
		"states":             len(res.Counts),
	}))
	return res, nil
}

func (h *Handler) execute(ctx context.Context, log logger.Logger, rec *metrics.Recorder, runID string) (*query.Execution, error) {
	sql, err := query.StateCountsSQL(h.cfg.QualifiedTable())
	if err == nil {
		err = query.ValidateReadOnly(sql)
	}
	if err != nil {
		return nil, &apperr.QueryExecutionError{RunID: runID, State: "REJECTED", Reason: err.Error()}
	}

	if h.cfg.VerifyCatalog && h.deps.Glue != nil {
		schema, err := query.LoadTableSchema(ctx, h.deps.Glue, h.cfg.Athena.Database, h.cfg.Athena.Table)
		if err != nil {
			return nil, err
		}
		if err := schema.RequireStateCountColumns(); err != nil {
			return nil, &apperr.QueryExecutionError{RunID: runID, State: "CATALOG_MISMATCH", Reason: err.Error()}
		}
		log.Debug("catalog table verified", map[string]interface{}{"location": schema.Location})
	}

	opts := []query.RunnerOption{query.WithLogger(log), query.WithMetrics(rec)}
	if h.deps.Clock != nil {
		opts = append(opts, query.WithClock(h.deps.Clock))
	}
	if h.deps.Sleep != nil {
		opts = append(opts, query.WithSleeper(h.deps.Sleep))
	}
	runner := query.NewRunner(h.deps.Athena, query.PollPolicy{
		InitialDelay: h.cfg.Poll.InitialDelay,
		MaxDelay:     h.cfg.Poll.MaxDelay,
		Multiplier:   h.cfg.Poll.Multiplier,
		MaxAttempts:  h.cfg.Poll.MaxAttempts,
		Timeout:      h.cfg.Poll.Timeout,
	}, opts...)

	return runner.Run(ctx, sql, query.Options{
		RunID:          runID,
		Database:       h.cfg.Athena.Database,
		Workgroup:      h.cfg.Athena.Workgroup,
		OutputLocation: h.cfg.Athena.Output,
	})
}

// materialize copies the Athena CSV to the run path and writes the summary. An
// execution without an output location was resumed and its CSV is in place.
func (h *Handler) materialize(ctx context.Context, log logger.Logger, rec *metrics.Recorder, res *Result, exec *query.Execution, csvURI, summaryURI storage.URI) error {
	if exec.OutputLocation != "" {
		src, err := storage.ParseURI(exec.OutputLocation)
		if err != nil {
			return fmt.Errorf("athena output location: %w", err)
		}
		log.Info("copying query result", map[string]interface{}{"from": src.String(), "to": csvURI.String()})
		switch err := h.deps.Store.CopyIfAbsent(ctx, src, csvURI); {
		case errors.Is(err, storage.ErrAlreadyExists):
			log.Warn("result already at the run path; keeping the existing object", nil)
		case err != nil:
			return err
		default:
			rec.ObjectsWritten.Inc()
		}
	}

	rs, err := query.FetchResults(ctx, h.deps.Athena, exec.QueryExecutionID, 1000)
	if err != nil {
		return err
	}
	counts, err := query.StateCounts(rs)
	if err != nil {
		return err
	}
	res.Counts = counts

	sum := Summary{
		RunID:            res.RunID,
		Source:           res.Source,
		QueryExecutionID: exec.QueryExecutionID,
		Table:            h.cfg.QualifiedTable(),
		ResultPath:       csvURI.String(),
		GeneratedAt:      h.now().UTC().Format(time.RFC3339),
		States:           counts,
		Truncated:        rs.Truncated,
	}
	for _, c := range counts {
		sum.TotalFacilities += c.Count
	}
	body, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	switch err := h.deps.Store.PutIfAbsent(ctx, summaryURI, body, "application/json"); {
	case errors.Is(err, storage.ErrAlreadyExists):
		log.Warn("summary already exists; keeping the existing object", nil)
	case err != nil:
		return err
	default:
		rec.ObjectsWritten.Inc()
	}
	return nil
}

// replay answers for a run the ledger already records as succeeded.
func (h *Handler) replay(ctx context.Context, log logger.Logger, res *Result) (*Result, error) {
	prev, err := h.deps.Ledger.Get(ctx, Component, res.RunID)
	if err != nil {
		log.Warn("could not read previous run", map[string]interface{}{"error": err.Error()})
	}
	if prev != nil {
		res.QueryExecutionID = prev.QueryExecutionID
		if prev.ResultPath != "" {
			res.ResultPath = prev.ResultPath
		}
	}
	log.Info("run already succeeded", map[string]interface{}{"result_path": res.ResultPath})
	res.State = query.StateSucceeded
	res.AlreadyMaterialized = true
	res.Message = "state counts already written for this run"
	return res, nil
}

func (h *Handler) fail(ctx context.Context, log logger.Logger, rec *metrics.Recorder, runID, qid string, err error) error {
	err = apperr.WithRunID(err, runID)
	if lerr := h.deps.Ledger.Fail(ctx, Component, runID, qid, err); lerr != nil {
		log.Warn("could not mark run failed", map[string]interface{}{"error": lerr.Error()})
	}
	log.Error("state counts run failed", mergeFields(rec.Fields(), map[string]interface{}{
		"error":              err.Error(),
		"error_type":         apperr.Name(err),
		"retryable":          apperr.Retryable(err),
		"query_execution_id": qid,
	}))
	return err
}

func mergeFields(a, b map[string]interface{}) map[string]interface{} {
	for k, v := range b {
		a[k] = v
	}
	return a
}
