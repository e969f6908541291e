package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/notify"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/trigger"
)

const (
	lambdaARN = "arn:aws:lambda:us-east-1:123456789012:function:state-counts"
	topicARN  = "arn:aws:sns:us-east-1:123456789012:pipeline-failures"
	event     = `{"bucket":"healthcare-facility","key":"raw/sample_facility_data.json","etag":"e1"}`
)

type mockSNS struct{ calls []*sns.PublishInput }

func (m *mockSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.calls = append(m.calls, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestShippedPipelineIsValid(t *testing.T) {
	def := StateCountsPipeline(lambdaARN, topicARN)
	require.NoError(t, def.Validate())

	run := def.States[StateRunStateCounts]
	require.Len(t, run.Retry, 1)
	assert.Equal(t, RetryableErrors, run.Retry[0].ErrorEquals)
	assert.NotContains(t, run.Retry[0].ErrorEquals, "QueryExecutionError")
	assert.Equal(t, 3, run.Retry[0].MaxAttempts)
	assert.Equal(t, StateNotifyFailure, run.Catch[0].Next)
	assert.True(t, def.States[StateNotifyFailure].End)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	def := &Definition{
		StartAt: "A",
		States: map[string]*State{
			"A":      {Type: TypeTask, Resource: "arn", Next: "Nope", End: true},
			"B":      {Type: TypeTask, Next: "A"},
			"C":      {Type: TypeSucceed, Next: "A"},
			"D":      {Type: "Map", End: true},
			"Retry":  {Type: TypeTask, Resource: "arn", End: true, Retry: []Retrier{{ErrorEquals: []string{"X"}, IntervalSeconds: 0, MaxAttempts: 3, BackoffRate: 2}}},
			"Catchy": {Type: TypeTask, Resource: "arn", End: true, Catch: []Catcher{{ErrorEquals: []string{ErrorAll}, Next: "Gone"}, {ErrorEquals: []string{"X"}, Next: "A"}}},
		},
	}
	err := def.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"state A: exactly one of Next and End",
		`state A: Next "Nope" is not a state`,
		"state B: Task without Resource",
		"state B: unreachable",
		"state C: Succeed is terminal",
		`state D: unsupported type "Map"`,
		"state Retry: Retry[0] needs IntervalSeconds > 0",
		`state Catchy: Catch[0] Next "Gone" is not a state`,
		"state Catchy: Catch[0] uses States.ALL but is not the last rule",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestRenderJSONRoundTrips(t *testing.T) {
	def := StateCountsPipeline(lambdaARN, topicARN)
	out, err := def.Render("json")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"StartAt": "AssignRunId"`)
	assert.Contains(t, string(out), `"name.$": "$$.Execution.Name"`)
	assert.Contains(t, string(out), `"Message.$": "States.JsonToString($)"`)

	back, err := Parse(out)
	require.NoError(t, err)
	assert.NoError(t, back.Validate())
	assert.Equal(t, def.States[StateRunStateCounts].Retry, back.States[StateRunStateCounts].Retry)
}

func TestRenderYAML(t *testing.T) {
	out, err := StateCountsPipeline(lambdaARN, topicARN).Render("yaml")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	assert.Equal(t, "AssignRunId", doc["StartAt"])

	_, err = StateCountsPipeline(lambdaARN, topicARN).Render("toml")
	assert.Error(t, err)
}

type recorder struct {
	waits []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func newSim(t *testing.T, task Invoker, sn *mockSNS, rec *recorder, opts ...SimOption) *Simulator {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	return NewSimulator(StateCountsPipeline(lambdaARN, topicARN), append([]SimOption{
		WithTask(StateRunStateCounts, task),
		WithTask(StateNotifyFailure, NotifyInvoker(notify.NewPublisher(sn, topicARN), "state-counts", now)),
		WithSleeper(rec.sleep),
		WithLogger(logger.NewTest(t)),
	}, opts...)...)
}

func TestSimulateSuccess(t *testing.T) {
	sn, rec := &mockSNS{}, &recorder{}
	sim := newSim(t, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"statusCode":200}`), nil
	}, sn, rec)

	exec, err := sim.Run(context.Background(), json.RawMessage(event))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, StateSuccess, exec.Terminal)
	assert.JSONEq(t, `{"statusCode":200}`, string(exec.Output))
	assert.Empty(t, sn.calls)
	assert.Empty(t, rec.waits)
}

func TestSimulateTransientThenSuccess(t *testing.T) {
	sn, rec := &mockSNS{}, &recorder{}
	calls := 0
	sim := newSim(t, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, apperr.IO("s3 CopyObject", "s3://b/k", errors.New("SlowDown"))
		}
		return json.RawMessage(`{}`), nil
	}, sn, rec)

	exec, err := sim.Run(context.Background(), json.RawMessage(event))
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, exec.Terminal)
	assert.Equal(t, 3, exec.Attempts(StateRunStateCounts))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.waits)
}

func TestSimulateRetriesAreBoundedThenNotify(t *testing.T) {
	sn, rec := &mockSNS{}, &recorder{}
	sim := newSim(t, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, &apperr.QueryTimeoutError{RunID: "r", QueryExecutionID: "qid-1", Attempts: 20, Waited: time.Minute}
	}, sn, rec)

	exec, err := sim.Run(context.Background(), json.RawMessage(event))
	require.NoError(t, err)
	assert.Equal(t, StateNotifyFailure, exec.Terminal)
	assert.Equal(t, StatusSucceeded, exec.Status)
	assert.Equal(t, 4, exec.Attempts(StateRunStateCounts), "one call plus three retries")
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.waits)

	require.Len(t, sn.calls, 1)
	msg := aws.ToString(sn.calls[0].Message)
	assert.Contains(t, msg, "ErrorType: QueryTimeoutError")
	assert.Contains(t, msg, "Input: s3://healthcare-facility/raw/sample_facility_data.json")

	var ev trigger.Event
	require.NoError(t, json.Unmarshal([]byte(event), &ev))
	assert.Contains(t, msg, "RunId: "+trigger.RunID(ev.Upload, time.Time{}))
}

func TestSimulateQueryExecutionErrorIsNotRetried(t *testing.T) {
	sn, rec := &mockSNS{}, &recorder{}
	calls := 0
	sim := newSim(t, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, &apperr.QueryExecutionError{QueryExecutionID: "qid-1", State: "FAILED", Reason: "SYNTAX_ERROR"}
	}, sn, rec)

	exec, err := sim.Run(context.Background(), json.RawMessage(event))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.waits)
	assert.Equal(t, StateNotifyFailure, exec.Terminal)

	var out map[string]any
	require.NoError(t, json.Unmarshal(exec.Output, &out))
	assert.Equal(t, "msg-1", out["MessageId"])
	require.Len(t, sn.calls, 1)
	assert.Contains(t, aws.ToString(sn.calls[0].Message), "Reason: query FAILED")
}

func TestSimulateLambdaServiceErrorsAreRetried(t *testing.T) {
	sn, rec := &mockSNS{}, &recorder{}
	calls := 0
	sim := newSim(t, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, &TaskError{Name: "Lambda.TooManyRequestsException", Cause: "Rate exceeded"}
		}
		return json.RawMessage(`{}`), nil
	}, sn, rec)

	exec, err := sim.Run(context.Background(), json.RawMessage(event))
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, exec.Terminal)
	assert.Equal(t, StateAssignRunID, exec.History[0].State)
	assert.Equal(t, "Lambda.TooManyRequestsException", exec.History[1].Error)
}

func TestSimulateManualRunSharesExecutionName(t *testing.T) {
	sn, rec := &mockSNS{}, &recorder{}
	var seen []string
	task := HandlerInvoker(func(_ context.Context, ev trigger.Event) (map[string]string, error) {
		runID := trigger.RunID(ev.Upload, time.Now())
		seen = append(seen, runID)
		return nil, apperr.WithRunID(apperr.IO("athena StartQueryExecution", "", errors.New("ThrottlingException")), runID)
	})
	sim := newSim(t, task, sn, rec, WithExecutionName("manual-run-7"))

	exec, err := sim.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "manual-run-7", exec.Name)
	assert.Equal(t, StateNotifyFailure, exec.Terminal)
	assert.Equal(t, []string{"manual-run-7", "manual-run-7", "manual-run-7", "manual-run-7"}, seen)

	require.Len(t, sn.calls, 1)
	msg := aws.ToString(sn.calls[0].Message)
	assert.Contains(t, msg, "RunId: manual-run-7")
	assert.Contains(t, msg, "ErrorType: TransientIOError")
	assert.Contains(t, msg, "run=manual-run-7")
}

func TestSimulateRandomExecutionName(t *testing.T) {
	def := &Definition{
		StartAt: "Name",
		States: map[string]*State{
			"Name": {Type: TypePass, Parameters: map[string]any{"name.$": "$$.Execution.Name", "kind": "manual"}, ResultPath: "$.execution", End: true},
		},
	}
	a, err := NewSimulator(def).Run(context.Background(), json.RawMessage(`{"k":1}`))
	require.NoError(t, err)
	b, err := NewSimulator(def).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, a.Name)
	assert.NotEqual(t, a.Name, b.Name)
	assert.JSONEq(t, `{"k":1,"execution":{"name":"`+a.Name+`","kind":"manual"}}`, string(a.Output))
}

func TestResolveParameters(t *testing.T) {
	out, err := resolveParameters(map[string]any{"all.$": "$", "k.$": "$.k"}, json.RawMessage(`{"k":"v"}`), "n")
	require.NoError(t, err)
	assert.JSONEq(t, `{"all":{"k":"v"},"k":"v"}`, string(out))

	_, err = resolveParameters(map[string]any{"x.$": "$.a.b"}, json.RawMessage(`{}`), "n")
	assert.Error(t, err)
}

func TestSimulateUncaughtFailure(t *testing.T) {
	def := &Definition{
		StartAt: "Work",
		States: map[string]*State{
			"Work": {Type: TypeTask, Resource: "arn", End: true},
		},
	}
	sim := NewSimulator(def, WithTask("Work", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, &apperr.ValidationError{Field: "input", Reason: "bad"}
	}))
	exec, err := sim.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Equal(t, "ValidationError", exec.Error)
	assert.Equal(t, "Work", exec.Terminal)
}

func TestApplyResultPath(t *testing.T) {
	out, err := applyResultPath(json.RawMessage(`{"a":1}`), "$.error", json.RawMessage(`{"Error":"X"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"error":{"Error":"X"}}`, string(out))

	out, err = applyResultPath(json.RawMessage(`{"a":1}`), "", json.RawMessage(`2`))
	require.NoError(t, err)
	assert.Equal(t, "2", string(out))

	_, err = applyResultPath(json.RawMessage(`[1]`), "$.error", json.RawMessage(`{}`))
	assert.Error(t, err)
	_, err = applyResultPath(json.RawMessage(`{}`), "$.a.b", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestHandlerInvokerKeepsErrorType(t *testing.T) {
	inv := HandlerInvoker(func(_ context.Context, ev trigger.Event) (map[string]string, error) {
		if ev.Bucket == "" {
			return nil, &apperr.ValidationError{Field: "bucket", Reason: "missing"}
		}
		return map[string]string{"bucket": ev.Bucket}, nil
	})

	out, err := inv(context.Background(), json.RawMessage(event))
	require.NoError(t, err)
	assert.JSONEq(t, `{"bucket":"healthcare-facility"}`, string(out))

	_, err = inv(context.Background(), json.RawMessage(`{}`))
	assert.Equal(t, "ValidationError", ErrorName(err))
}
