// Package etl runs the accreditation expiry filter over a raw object in S3 and
// writes the matching facilities under a run-scoped prefix.
package etl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/config"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/facility"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/filter"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/metrics"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/notify"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/storage"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/trigger"
)

const Component = "transform"

type Deps struct {
	Store    *storage.Store
	Notifier *notify.Publisher // nil or disabled skips failure notification
	Log      logger.Logger
	Now      func() time.Time
}

// Request names one run. Empty fields fall back to the configured raw object
// and reference date.
type Request struct {
	Input     storage.URI
	RunID     string
	Reference string // YYYY-MM-DD
}

type Report struct {
	RunID               string   `json:"run_id"`
	Input               string   `json:"input"`
	Reference           string   `json:"reference_date"`
	WindowEnd           string   `json:"window_end"`
	Read                int      `json:"records_read"`
	Matched             int      `json:"records_matched"`
	Skipped             int      `json:"records_skipped"`
	MalformedLines      int      `json:"malformed_lines"`
	Duplicates          int      `json:"duplicates"`
	Outputs             []string `json:"outputs"`
	AlreadyMaterialized bool     `json:"already_materialized,omitempty"`
}

type ExpiringFacilitiesJob struct {
	cfg  *config.Config
	deps Deps
}

func NewExpiringFacilitiesJob(cfg *config.Config, deps Deps) *ExpiringFacilitiesJob {
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &ExpiringFacilitiesJob{cfg: cfg, deps: deps}
}

// Handle is the Lambda entry: an S3 upload names the input object, a
// scheduled event runs over the configured one. Redelivery of the same event
// writes to the same run path.
func (j *ExpiringFacilitiesJob) Handle(ctx context.Context, ev trigger.Event) (*Report, error) {
	req := Request{RunID: trigger.RunID(ev.Upload, j.deps.Now())}
	if ev.Bucket != "" && ev.Key != "" {
		req.Input = storage.URI{Bucket: ev.Bucket, Key: ev.Key}
	}
	return j.Run(ctx, req)
}

// OutputDir is the run-scoped prefix the job writes under.
func (j *ExpiringFacilitiesJob) OutputDir(runID string) string {
	return fmt.Sprintf("%sexpiring_facilities/run=%s/", j.cfg.ResultsPrefix, runID)
}

func (j *ExpiringFacilitiesJob) Run(ctx context.Context, req Request) (*Report, error) {
	if req.Input.Bucket == "" {
		req.Input = storage.URI{Bucket: j.cfg.RawBucket, Key: j.cfg.RawKey}
	}
	if req.RunID == "" {
		req.RunID = trigger.RunID(trigger.Upload{}, j.deps.Now())
	}
	if req.Reference == "" {
		req.Reference = j.cfg.Filter.ReferenceDate
	}

	rec := metrics.New()
	log := j.deps.Log.With(map[string]interface{}{
		"component": Component,
		"run_id":    req.RunID,
		"input":     req.Input.String(),
	})

	rep, err := j.run(ctx, log, rec, req)
	if err != nil {
		err = apperr.WithRunID(err, req.RunID)
		log.Error("transform run failed", mergeFields(rec.Fields(), map[string]interface{}{
			"error":      err.Error(),
			"error_type": apperr.Name(err),
		}))
		j.notifyFailure(ctx, log, req, err)
		return nil, err
	}
	log.Info("transform run finished", mergeFields(rec.Fields(), map[string]interface{}{
		"matched": rep.Matched,
		"outputs": rep.Outputs,
	}))
	return rep, nil
}

func (j *ExpiringFacilitiesJob) run(ctx context.Context, log logger.Logger, rec *metrics.Recorder, req Request) (*Report, error) {
	ref, err := filter.ParseReference(req.Reference, j.deps.Now())
	if err != nil {
		return nil, err
	}

	batch, err := j.read(ctx, req.Input)
	if err != nil {
		return nil, err
	}
	for _, bad := range batch.Bad {
		log.Warn("skipping malformed json line", map[string]interface{}{"line": bad.Line, "error": bad.Err.Error()})
	}
	rec.RecordsRead.Add(float64(len(batch.Records)))
	rec.RecordsSkipped.WithLabelValues("malformed_line").Add(float64(len(batch.Bad)))

	res := filter.Expiring(batch.Records, filter.Options{
		Reference: ref,
		Window:    filter.Window{Months: j.cfg.Filter.WindowMonths, Days: j.cfg.Filter.WindowDays},
		Logger:    log,
	})
	rec.RecordsMatched.Add(float64(len(res.Matches)))
	for _, s := range res.Skipped {
		rec.RecordsSkipped.WithLabelValues(s.Reason).Inc()
	}
	rec.RecordsSkipped.WithLabelValues("duplicate").Add(float64(res.Duplicate))

	rep := &Report{
		RunID:          req.RunID,
		Input:          req.Input.String(),
		Reference:      res.Reference.Format(facility.DateLayout),
		WindowEnd:      res.WindowEnd.Format(facility.DateLayout),
		Read:           len(batch.Records),
		Matched:        len(res.Matches),
		Skipped:        len(res.Skipped),
		MalformedLines: len(batch.Bad),
		Duplicates:     res.Duplicate,
	}

	dir := j.OutputDir(req.RunID)
	body, err := json.MarshalIndent(res.Facilities(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal facilities: %w", err)
	}
	if err := j.write(ctx, log, rec, rep, dir+"expiring_facilities.json", body, "application/json"); err != nil {
		return nil, err
	}

	if j.cfg.WriteParquet {
		data, err := encodeParquet(projectRows(res.Matches))
		if err != nil {
			return nil, err
		}
		if err := j.write(ctx, log, rec, rep, dir+"expiring_facilities.parquet", data, "application/octet-stream"); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// read streams line-delimited input and decodes arrays in one piece.
func (j *ExpiringFacilitiesJob) read(ctx context.Context, u storage.URI) (*facility.Batch, error) {
	format := facility.Format(strings.ToLower(j.cfg.InputFormat))
	if format == facility.FormatLines {
		batch := &facility.Batch{}
		err := j.deps.Store.StreamLines(ctx, u, func(n int, line []byte) error {
			_ = batch.AddLine(n, line)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return batch, nil
	}

	data, err := j.deps.Store.ReadAll(ctx, u)
	if err != nil {
		return nil, err
	}
	return facility.Decode(bytes.NewReader(data), format)
}

func (j *ExpiringFacilitiesJob) write(ctx context.Context, log logger.Logger, rec *metrics.Recorder, rep *Report, key string, body []byte, contentType string) error {
	dst := storage.URI{Bucket: j.cfg.ResultsBucket, Key: key}
	err := j.deps.Store.PutIfAbsent(ctx, dst, body, contentType)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		log.Warn("output already exists for run; leaving it in place", map[string]interface{}{"path": dst.String()})
		rep.AlreadyMaterialized = true
	case err != nil:
		return err
	default:
		rec.ObjectsWritten.Inc()
		log.Info("wrote output", map[string]interface{}{"path": dst.String(), "bytes": len(body)})
	}
	rep.Outputs = append(rep.Outputs, dst.String())
	return nil
}

func (j *ExpiringFacilitiesJob) notifyFailure(ctx context.Context, log logger.Logger, req Request, cause error) {
	if !j.deps.Notifier.Enabled() {
		return
	}
	f := notify.FromError(Component, req.RunID, cause)
	f.Input = req.Input.String()
	f.At = j.deps.Now().UTC()
	id, err := j.deps.Notifier.Publish(context.WithoutCancel(ctx), f)
	if err != nil {
		log.Warn("could not publish failure notification", map[string]interface{}{"error": err.Error()})
		return
	}
	log.Info("published failure notification", map[string]interface{}{"message_id": id})
}

func mergeFields(a, b map[string]interface{}) map[string]interface{} {
	for k, v := range b {
		a[k] = v
	}
	return a
}
