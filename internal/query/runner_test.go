package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleeper advances the fake clock instead of blocking and records each wait.
func (c *fakeClock) sleeper(waits *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		*waits = append(*waits, d)
		c.Advance(d)
		return nil
	}
}

type mockAthena struct {
	StartFunc   func(in *athena.StartQueryExecutionInput) (*athena.StartQueryExecutionOutput, error)
	GetFunc     func(call int) (*athena.GetQueryExecutionOutput, error)
	ResultsFunc func(token string) (*athena.GetQueryResultsOutput, error)

	gets  int
	stops []string
}

func (m *mockAthena) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	if m.StartFunc != nil {
		return m.StartFunc(in)
	}
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("qid-1")}, nil
}

func (m *mockAthena) GetQueryExecution(_ context.Context, _ *athena.GetQueryExecutionInput, _ ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	m.gets++
	return m.GetFunc(m.gets)
}

func (m *mockAthena) GetQueryResults(_ context.Context, in *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	return m.ResultsFunc(aws.ToString(in.NextToken))
}

func (m *mockAthena) StopQueryExecution(_ context.Context, in *athena.StopQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StopQueryExecutionOutput, error) {
	m.stops = append(m.stops, aws.ToString(in.QueryExecutionId))
	return &athena.StopQueryExecutionOutput{}, nil
}

func status(state athenatypes.QueryExecutionState, reason string) *athena.GetQueryExecutionOutput {
	return &athena.GetQueryExecutionOutput{QueryExecution: &athenatypes.QueryExecution{
		Status: &athenatypes.QueryExecutionStatus{State: state, StateChangeReason: aws.String(reason)},
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String("s3://healthcare-facility/athena_results/qid-1.csv"),
		},
		Statistics: &athenatypes.QueryExecutionStatistics{DataScannedInBytes: aws.Int64(2048)},
	}}
}

var testOpts = Options{
	RunID:          "20250101T000000Z-abc",
	Database:       "healthcare_facility_db",
	Workgroup:      "primary",
	OutputLocation: "s3://healthcare-facility/athena_results/",
}

func newTestRunner(t *testing.T, m *mockAthena, policy PollPolicy) (*Runner, *fakeClock, *[]time.Duration, *metrics.Recorder) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	waits := &[]time.Duration{}
	rec := metrics.New()
	r := NewRunner(m, policy,
		WithClock(clock),
		WithSleeper(clock.sleeper(waits)),
		WithLogger(logger.NewTest(t)),
		WithMetrics(rec),
	)
	return r, clock, waits, rec
}

func TestRunSucceedsAfterPolling(t *testing.T) {
	m := &mockAthena{GetFunc: func(call int) (*athena.GetQueryExecutionOutput, error) {
		if call < 3 {
			return status(athenatypes.QueryExecutionStateRunning, ""), nil
		}
		return status(athenatypes.QueryExecutionStateSucceeded, ""), nil
	}}
	var submitted *athena.StartQueryExecutionInput
	m.StartFunc = func(in *athena.StartQueryExecutionInput) (*athena.StartQueryExecutionOutput, error) {
		submitted = in
		return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("qid-1")}, nil
	}

	r, _, waits, rec := newTestRunner(t, m, PollPolicy{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2, MaxAttempts: 10, Timeout: time.Minute})
	exec, err := r.Run(context.Background(), "SELECT 1", testOpts)
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, exec.State)
	assert.Equal(t, "qid-1", exec.QueryExecutionID)
	assert.Equal(t, "s3://healthcare-facility/athena_results/qid-1.csv", exec.OutputLocation)
	assert.Equal(t, int64(2048), exec.ScannedBytes)
	assert.Equal(t, 3, exec.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
	assert.Equal(t, 3*time.Second, exec.Finished.Sub(exec.Submitted))

	var states []State
	for _, tr := range exec.Transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateSubmitted, StatePolling, StateSucceeded}, states)

	assert.Equal(t, "healthcare_facility_db", aws.ToString(submitted.QueryExecutionContext.Database))
	assert.Equal(t, "primary", aws.ToString(submitted.WorkGroup))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.PollAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.QueryOutcomes.WithLabelValues("SUCCEEDED")))
}

func TestRunFailedOnFirstPollIsNotRetried(t *testing.T) {
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return status(athenatypes.QueryExecutionStateFailed, "SYNTAX_ERROR: line 1:8"), nil
	}}
	r, _, waits, _ := newTestRunner(t, m, PollPolicy{MaxAttempts: 10})

	exec, err := r.Run(context.Background(), "SELECT 1", testOpts)

	var qe *apperr.QueryExecutionError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "FAILED", qe.State)
	assert.Equal(t, "SYNTAX_ERROR: line 1:8", qe.Reason)
	assert.Equal(t, "qid-1", qe.QueryExecutionID)
	assert.Equal(t, testOpts.RunID, qe.RunID)
	assert.False(t, apperr.Retryable(err))

	assert.Equal(t, 1, m.gets)
	assert.Empty(t, *waits)
	assert.Equal(t, StateFailed, exec.State)
	assert.Empty(t, m.stops)
}

func TestRunCancelledMapsToFailed(t *testing.T) {
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return status(athenatypes.QueryExecutionStateCancelled, "cancelled by user"), nil
	}}
	r, _, _, _ := newTestRunner(t, m, PollPolicy{})
	exec, err := r.Run(context.Background(), "SELECT 1", testOpts)

	var qe *apperr.QueryExecutionError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "CANCELLED", qe.State)
	assert.Equal(t, StateFailed, exec.State)
}

func TestRunNeverTerminalTimesOutAtDeadline(t *testing.T) {
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return status(athenatypes.QueryExecutionStateRunning, ""), nil
	}}
	timeout := 10 * time.Second
	r, clock, waits, rec := newTestRunner(t, m, PollPolicy{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2, MaxAttempts: 1000, Timeout: timeout})
	start := clock.Now()

	exec, err := r.Run(context.Background(), "SELECT 1", testOpts)

	var to *apperr.QueryTimeoutError
	require.True(t, errors.As(err, &to))
	assert.Equal(t, StateTimedOut, exec.State)
	assert.Equal(t, "RUNNING", to.LastState)
	assert.Equal(t, timeout, clock.Now().Sub(start), "timed out before or after the deadline")
	assert.Equal(t, timeout, to.Waited)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, time.Second}, *waits)
	assert.Equal(t, []string{"qid-1"}, m.stops)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.QueryOutcomes.WithLabelValues("TIMED_OUT")))
}

func TestRunSucceedsJustBeforeDeadline(t *testing.T) {
	clockStart := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var clock *fakeClock
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		if clock.Now().Sub(clockStart) >= 9*time.Second {
			return status(athenatypes.QueryExecutionStateSucceeded, ""), nil
		}
		return status(athenatypes.QueryExecutionStateQueued, ""), nil
	}}
	r, c, _, _ := newTestRunner(t, m, PollPolicy{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1, MaxAttempts: 100, Timeout: 10 * time.Second})
	clock = c

	exec, err := r.Run(context.Background(), "SELECT 1", testOpts)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, exec.State)
	assert.Equal(t, 10, exec.Attempts)
}

func TestRunAttemptBudget(t *testing.T) {
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return status(athenatypes.QueryExecutionStateRunning, ""), nil
	}}
	r, _, waits, _ := newTestRunner(t, m, PollPolicy{InitialDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 4, Timeout: time.Hour})

	_, err := r.Run(context.Background(), "SELECT 1", testOpts)
	var to *apperr.QueryTimeoutError
	require.True(t, errors.As(err, &to))
	assert.Equal(t, 4, to.Attempts)
	assert.Equal(t, 4, m.gets)
	assert.Len(t, *waits, 3)
}

func TestRunContextDeadlineShortensTimeout(t *testing.T) {
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return status(athenatypes.QueryExecutionStateRunning, ""), nil
	}}
	r, clock, _, _ := newTestRunner(t, m, PollPolicy{InitialDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 1000, Timeout: time.Hour})
	start := clock.Now()

	ctx, cancel := context.WithDeadline(context.Background(), start.Add(5*time.Second))
	defer cancel()
	// The real deadline is in the past relative to the wall clock; the runner
	// only compares it against the fake clock, so drive the clock below it.
	ctx = deadlineOnly{ctx}

	_, err := r.Run(ctx, "SELECT 1", testOpts)
	var to *apperr.QueryTimeoutError
	require.True(t, errors.As(err, &to))
	assert.Equal(t, 5*time.Second, clock.Now().Sub(start))
}

// deadlineOnly reports the parent's deadline but never reports it as done.
type deadlineOnly struct{ context.Context }

func (deadlineOnly) Done() <-chan struct{} { return nil }
func (deadlineOnly) Err() error            { return nil }

func TestRunCancelledContextTimesOut(t *testing.T) {
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return status(athenatypes.QueryExecutionStateRunning, ""), nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(m, PollPolicy{InitialDelay: time.Hour, MaxDelay: time.Hour, Timeout: 2 * time.Hour}, WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}))

	exec, err := r.Run(ctx, "SELECT 1", testOpts)
	var to *apperr.QueryTimeoutError
	require.True(t, errors.As(err, &to))
	assert.Equal(t, StateTimedOut, exec.State)
	assert.Len(t, m.stops, 1)
}

func TestRunSubmitErrorIsTransient(t *testing.T) {
	m := &mockAthena{StartFunc: func(*athena.StartQueryExecutionInput) (*athena.StartQueryExecutionOutput, error) {
		return nil, errors.New("TooManyRequestsException")
	}}
	r, _, _, _ := newTestRunner(t, m, PollPolicy{})
	exec, err := r.Run(context.Background(), "SELECT 1", testOpts)
	assert.Nil(t, exec)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, "TransientIOError", apperr.Name(err))
}

func TestRunPollErrorIsTransient(t *testing.T) {
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return nil, errors.New("InternalServerException")
	}}
	r, _, _, _ := newTestRunner(t, m, PollPolicy{})
	exec, err := r.Run(context.Background(), "SELECT 1", testOpts)
	require.NotNil(t, exec)
	assert.Equal(t, "qid-1", exec.QueryExecutionID)
	assert.True(t, apperr.Retryable(err))
}

func TestRunValidatesOptions(t *testing.T) {
	r := NewRunner(&mockAthena{}, PollPolicy{})
	_, err := r.Run(context.Background(), "SELECT 1", Options{OutputLocation: "s3://b/"})
	assert.Error(t, err)
	_, err = r.Run(context.Background(), "SELECT 1", Options{Database: "db"})
	assert.Error(t, err)
}

func TestPollPolicyDefaults(t *testing.T) {
	p := PollPolicy{InitialDelay: 10 * time.Second}.withDefaults()
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.Equal(t, 20, p.MaxAttempts)
	assert.Equal(t, 10*time.Second, p.next(10*time.Second))
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestRunLogFieldsAreNotRepeated(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := logger.FromZap(zap.New(core)).With(map[string]interface{}{"run_id": testOpts.RunID})
	m := &mockAthena{GetFunc: func(int) (*athena.GetQueryExecutionOutput, error) {
		return status(athenatypes.QueryExecutionStateSucceeded, ""), nil
	}}
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRunner(m, PollPolicy{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1, MaxAttempts: 3, Timeout: time.Minute},
		WithClock(clock), WithSleeper(clock.sleeper(&[]time.Duration{})), WithLogger(log))

	_, err := r.Run(context.Background(), "SELECT 1", testOpts)
	require.NoError(t, err)
	require.NotZero(t, logs.Len())
	for _, e := range logs.All() {
		seen := map[string]int{}
		for _, f := range e.Context {
			seen[f.Key]++
		}
		assert.Equal(t, 1, seen["run_id"], e.Message)
		assert.LessOrEqual(t, seen["query_execution_id"], 1, e.Message)
	}
}
