package query

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/metrics"
)

type AthenaClient interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
	StopQueryExecution(ctx context.Context, params *athena.StopQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error)
}

var _ AthenaClient = (*athena.Client)(nil)

// State is the trigger-side view of a query execution.
type State string

const (
	StateSubmitted State = "SUBMITTED"
	StatePolling   State = "POLLING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollPolicy bounds the POLLING state. The effective deadline is the earlier of
// the context deadline and submission time plus Timeout.
type PollPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Timeout      time.Duration
	Jitter       float64 // fraction of each delay added at random, 0 disables
}

var DefaultPollPolicy = PollPolicy{
	InitialDelay: time.Second,
	MaxDelay:     5 * time.Second,
	Multiplier:   2,
	MaxAttempts:  20,
	Timeout:      60 * time.Second,
}

func (p PollPolicy) withDefaults() PollPolicy {
	d := DefaultPollPolicy
	if p.InitialDelay > 0 {
		d.InitialDelay = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		d.MaxDelay = p.MaxDelay
	}
	if p.Multiplier >= 1 {
		d.Multiplier = p.Multiplier
	}
	if p.MaxAttempts > 0 {
		d.MaxAttempts = p.MaxAttempts
	}
	if p.Timeout > 0 {
		d.Timeout = p.Timeout
	}
	if p.Jitter > 0 {
		d.Jitter = p.Jitter
	}
	if d.MaxDelay < d.InitialDelay {
		d.MaxDelay = d.InitialDelay
	}
	return d
}

// next returns the delay after cur, capped at MaxDelay.
func (p PollPolicy) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * p.Multiplier)
	if n > p.MaxDelay || n <= 0 {
		n = p.MaxDelay
	}
	return n
}

type Options struct {
	RunID          string
	Database       string
	Workgroup      string
	OutputLocation string // s3://.../athena_results/
}

type Transition struct {
	From   State
	To     State
	At     time.Time
	Detail string
}

type Execution struct {
	QueryExecutionID string
	State            State
	AthenaState      string
	OutputLocation   string
	Attempts         int
	Submitted        time.Time
	Finished         time.Time
	ScannedBytes     int64
	ExecutionMs      int64
	Transitions      []Transition
}

type Runner struct {
	client  AthenaClient
	policy  PollPolicy
	clock   Clock
	sleep   Sleeper
	log     logger.Logger
	metrics *metrics.Recorder
}

type RunnerOption func(*Runner)

func WithClock(c Clock) RunnerOption { return func(r *Runner) { r.clock = c } }

func WithSleeper(s Sleeper) RunnerOption { return func(r *Runner) { r.sleep = s } }

func WithLogger(l logger.Logger) RunnerOption { return func(r *Runner) { r.log = l } }

func WithMetrics(m *metrics.Recorder) RunnerOption { return func(r *Runner) { r.metrics = m } }

func NewRunner(client AthenaClient, policy PollPolicy, opts ...RunnerOption) *Runner {
	r := &Runner{
		client: client,
		policy: policy.withDefaults(),
		clock:  systemClock{},
		sleep:  Sleep,
		log:    logger.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Policy() PollPolicy { return r.policy }

// Run submits sql and drives the execution to a terminal state. The returned
// Execution is non-nil once submission succeeded, including on error, so the
// caller can record the execution id.
//
// Errors: *apperr.QueryExecutionError for FAILED/CANCELLED, *apperr.QueryTimeoutError
// when the deadline or attempt budget is spent, *apperr.TransientIOError for
// API failures.
func (r *Runner) Run(ctx context.Context, sql string, opt Options) (*Execution, error) {
	if strings.TrimSpace(opt.Database) == "" {
		return nil, fmt.Errorf("missing athena database")
	}
	if strings.TrimSpace(opt.OutputLocation) == "" {
		return nil, fmt.Errorf("missing athena output location")
	}
	if opt.Workgroup == "" {
		opt.Workgroup = "primary"
	}

	in := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(opt.Database),
		},
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(opt.OutputLocation),
		},
		WorkGroup: aws.String(opt.Workgroup),
	}
	startOut, err := r.client.StartQueryExecution(ctx, in)
	if err != nil {
		return nil, apperr.IO("athena StartQueryExecution", "", err)
	}

	exec := &Execution{
		QueryExecutionID: aws.ToString(startOut.QueryExecutionId),
		Submitted:        r.clock.Now(),
	}
	// run_id comes with the caller's logger.
	log := r.log.With(map[string]interface{}{"query_execution_id": exec.QueryExecutionID})
	r.transition(log, exec, StateSubmitted, "")

	deadline := exec.Submitted.Add(r.policy.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	delay := r.policy.InitialDelay
	for attempt := 1; ; attempt++ {
		if attempt == 1 {
			r.transition(log, exec, StatePolling, "")
		}
		exec.Attempts = attempt
		if r.metrics != nil {
			r.metrics.PollAttempts.Inc()
		}

		getOut, err := r.client.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(exec.QueryExecutionID),
		})
		if err != nil {
			if ctx.Err() != nil {
				return exec, r.timeout(ctx, log, exec, opt.RunID, ctx.Err().Error())
			}
			return exec, apperr.IO("athena GetQueryExecution", exec.QueryExecutionID, err)
		}

		qe := getOut.QueryExecution
		var state athenatypes.QueryExecutionState
		if qe != nil && qe.Status != nil {
			state = qe.Status.State
		}
		exec.AthenaState = string(state)
		log.Debug("polled query state", map[string]interface{}{"athena_state": exec.AthenaState, "attempt": attempt})

		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			if qe.ResultConfiguration != nil {
				exec.OutputLocation = aws.ToString(qe.ResultConfiguration.OutputLocation)
			}
			if qe.Statistics != nil {
				exec.ScannedBytes = aws.ToInt64(qe.Statistics.DataScannedInBytes)
				exec.ExecutionMs = aws.ToInt64(qe.Statistics.EngineExecutionTimeInMillis)
			}
			r.transition(log, exec, StateSucceeded, "")
			return exec, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			reason := aws.ToString(qe.Status.StateChangeReason)
			if qe.Status.AthenaError != nil && reason == "" {
				reason = aws.ToString(qe.Status.AthenaError.ErrorMessage)
			}
			r.transition(log, exec, StateFailed, reason)
			return exec, &apperr.QueryExecutionError{
				RunID:            opt.RunID,
				QueryExecutionID: exec.QueryExecutionID,
				State:            string(state),
				Reason:           reason,
			}
		}

		if attempt >= r.policy.MaxAttempts {
			return exec, r.timeout(ctx, log, exec, opt.RunID, fmt.Sprintf("poll budget of %d attempts spent", r.policy.MaxAttempts))
		}
		remaining := deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return exec, r.timeout(ctx, log, exec, opt.RunID, "deadline reached")
		}
		wait := r.jitter(delay)
		if wait > remaining {
			wait = remaining
		}
		if err := r.sleep(ctx, wait); err != nil {
			return exec, r.timeout(ctx, log, exec, opt.RunID, err.Error())
		}
		delay = r.policy.next(delay)
	}
}

func (r *Runner) jitter(d time.Duration) time.Duration {
	if r.policy.Jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*r.policy.Jitter*float64(d))
}

func (r *Runner) transition(log logger.Logger, exec *Execution, to State, detail string) {
	now := r.clock.Now()
	exec.Transitions = append(exec.Transitions, Transition{From: exec.State, To: to, At: now, Detail: detail})
	from := exec.State
	exec.State = to

	fields := map[string]interface{}{"from": string(from), "to": string(to), "attempts": exec.Attempts}
	if detail != "" {
		fields["detail"] = detail
	}
	if to.Terminal() {
		exec.Finished = now
		fields["waited"] = now.Sub(exec.Submitted).String()
		if r.metrics != nil {
			r.metrics.QueryOutcomes.WithLabelValues(string(to)).Inc()
			r.metrics.QueryWait.Observe(now.Sub(exec.Submitted).Seconds())
		}
	}
	switch to {
	case StateFailed, StateTimedOut:
		log.Warn("query state transition", fields)
	default:
		log.Info("query state transition", fields)
	}
}

// timeout moves exec to TIMED_OUT and asks Athena to stop the abandoned query.
func (r *Runner) timeout(ctx context.Context, log logger.Logger, exec *Execution, runID, detail string) error {
	r.transition(log, exec, StateTimedOut, detail)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.client.StopQueryExecution(stopCtx, &athena.StopQueryExecutionInput{
		QueryExecutionId: aws.String(exec.QueryExecutionID),
	}); err != nil {
		log.Warn("stop query after timeout failed", map[string]interface{}{"error": err.Error()})
	}

	return &apperr.QueryTimeoutError{
		RunID:            runID,
		QueryExecutionID: exec.QueryExecutionID,
		LastState:        exec.AthenaState,
		Attempts:         exec.Attempts,
		Waited:           exec.Finished.Sub(exec.Submitted),
	}
}
