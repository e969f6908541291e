package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/notify"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/query"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/trigger"
)

// Invoker runs one Task state.
type Invoker func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// TaskError lets an invoker fail with an explicit ASL error name, such as
// Lambda.ServiceException.
type TaskError struct {
	Name  string
	Cause string
}

func (e *TaskError) Error() string { return e.Name + ": " + e.Cause }

// ErrorName is the name Retry and Catch rules match against: the TaskError
// name, otherwise the error's type name as the Lambda runtime reports it.
func ErrorName(err error) string {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Name
	}
	return apperr.Name(err)
}

const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// Step is one entry of the execution history.
type Step struct {
	State   string        `json:"state"`
	Attempt int           `json:"attempt"`
	Error   string        `json:"error,omitempty"`
	Cause   string        `json:"cause,omitempty"`
	Wait    time.Duration `json:"wait,omitempty"`
}

type Execution struct {
	Name     string          `json:"name"`
	Status   string          `json:"status"`
	Terminal string          `json:"terminal_state"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Cause    string          `json:"cause,omitempty"`
	History  []Step          `json:"history"`
}

// Attempts counts the executions of a state.
func (e *Execution) Attempts(state string) int {
	n := 0
	for _, s := range e.History {
		if s.State == state {
			n++
		}
	}
	return n
}

type Simulator struct {
	name     string
	def      *Definition
	tasks    map[string]Invoker
	sleep    query.Sleeper
	log      logger.Logger
	maxSteps int
}

type SimOption func(*Simulator)

// WithTask registers the invoker for a Task state by state name.
func WithTask(state string, fn Invoker) SimOption {
	return func(s *Simulator) { s.tasks[state] = fn }
}

func WithSleeper(fn query.Sleeper) SimOption { return func(s *Simulator) { s.sleep = fn } }

func WithLogger(l logger.Logger) SimOption { return func(s *Simulator) { s.log = l } }

// WithExecutionName fixes the name $$.Execution.Name resolves to. Without it
// each Run gets a random name, as StartExecution does.
func WithExecutionName(name string) SimOption { return func(s *Simulator) { s.name = name } }

func NewSimulator(def *Definition, opts ...SimOption) *Simulator {
	s := &Simulator{
		def:      def,
		tasks:    map[string]Invoker{},
		sleep:    query.Sleep,
		log:      logger.NewNop(),
		maxSteps: 1000,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run walks the definition from StartAt, applying Retry and Catch the way
// Step Functions does: the first matching retrier is used until its attempts
// are spent, then the first matching catcher, otherwise the execution fails.
func (s *Simulator) Run(ctx context.Context, input json.RawMessage) (*Execution, error) {
	if err := s.def.Validate(); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	exec := &Execution{Name: s.name}
	if exec.Name == "" {
		exec.Name = uuid.NewString()
	}
	name := s.def.StartAt
	data := input

	for steps := 0; ; steps++ {
		if steps >= s.maxSteps {
			return exec, fmt.Errorf("execution exceeded %d transitions", s.maxSteps)
		}
		st := s.def.States[name]
		log := s.log.With(map[string]interface{}{"state": name, "type": st.Type})

		switch st.Type {
		case TypeSucceed:
			exec.History = append(exec.History, Step{State: name, Attempt: 1})
			exec.Status, exec.Terminal, exec.Output = StatusSucceeded, name, data
			return exec, nil
		case TypeFail:
			exec.History = append(exec.History, Step{State: name, Attempt: 1, Error: st.Error, Cause: st.Cause})
			exec.Status, exec.Terminal, exec.Error, exec.Cause = StatusFailed, name, st.Error, st.Cause
			return exec, nil
		case TypePass:
			exec.History = append(exec.History, Step{State: name, Attempt: 1})
			var err error
			result := data
			if st.Parameters != nil {
				if result, err = resolveParameters(st.Parameters, data, exec.Name); err != nil {
					return exec, fmt.Errorf("state %s: %w", name, err)
				}
			}
			if data, err = applyResultPath(data, st.ResultPath, result); err != nil {
				return exec, fmt.Errorf("state %s: %w", name, err)
			}
		case TypeTask:
			out, err := s.runTask(ctx, log, exec, name, st, data)
			if err != nil {
				if ctx.Err() != nil {
					return exec, ctx.Err()
				}
				errName, cause := ErrorName(err), err.Error()
				c := matchCatch(st.Catch, errName)
				if c == nil {
					log.Warn("task failed with no matching catcher", map[string]interface{}{"error": errName})
					exec.Status, exec.Terminal, exec.Error, exec.Cause = StatusFailed, name, errName, cause
					return exec, nil
				}
				payload, _ := json.Marshal(map[string]string{"Error": errName, "Cause": cause})
				data, err = applyResultPath(data, c.ResultPath, payload)
				if err != nil {
					return exec, fmt.Errorf("state %s catch: %w", name, err)
				}
				log.Info("caught task failure", map[string]interface{}{"error": errName, "next": c.Next})
				name = c.Next
				continue
			}
			data, err = applyResultPath(data, st.ResultPath, out)
			if err != nil {
				return exec, fmt.Errorf("state %s: %w", name, err)
			}
		}

		if st.End {
			exec.Status, exec.Terminal, exec.Output = StatusSucceeded, name, data
			return exec, nil
		}
		name = st.Next
	}
}

func (s *Simulator) runTask(ctx context.Context, log logger.Logger, exec *Execution, name string, st *State, input json.RawMessage) (json.RawMessage, error) {
	fn, ok := s.tasks[name]
	if !ok {
		return nil, &TaskError{Name: "States.Runtime", Cause: "no invoker registered for state " + name}
	}
	used := make([]int, len(st.Retry))
	for attempt := 1; ; attempt++ {
		out, err := fn(ctx, input)
		if err == nil {
			exec.History = append(exec.History, Step{State: name, Attempt: attempt})
			return out, nil
		}
		step := Step{State: name, Attempt: attempt, Error: ErrorName(err), Cause: err.Error()}

		i := matchRetry(st.Retry, step.Error)
		if i < 0 || used[i] >= st.Retry[i].MaxAttempts || ctx.Err() != nil {
			exec.History = append(exec.History, step)
			return nil, err
		}
		r := st.Retry[i]
		step.Wait = time.Duration(float64(time.Duration(r.IntervalSeconds)*time.Second) * math.Pow(r.BackoffRate, float64(used[i])))
		used[i]++
		exec.History = append(exec.History, step)

		log.Info("retrying task", map[string]interface{}{
			"error":   step.Error,
			"attempt": attempt,
			"wait":    step.Wait.String(),
		})
		if err := s.sleep(ctx, step.Wait); err != nil {
			return nil, err
		}
	}
}

func matches(equals []string, name string) bool {
	for _, e := range equals {
		switch {
		case e == ErrorAll, e == name:
			return true
		case e == ErrorTaskFailed && !strings.HasPrefix(name, "States."):
			return true
		}
	}
	return false
}

func matchRetry(rs []Retrier, name string) int {
	for i, r := range rs {
		if matches(r.ErrorEquals, name) {
			return i
		}
	}
	return -1
}

func matchCatch(cs []Catcher, name string) *Catcher {
	for i := range cs {
		if matches(cs[i].ErrorEquals, name) {
			return &cs[i]
		}
	}
	return nil
}

// applyResultPath supports the forms the pipeline uses: "" or "$" replace the
// input, "$.field" sets one top-level field of an object input.
func applyResultPath(input json.RawMessage, path string, result json.RawMessage) (json.RawMessage, error) {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	switch {
	case path == "" || path == "$":
		return result, nil
	case strings.HasPrefix(path, "$.") && !strings.ContainsAny(path[2:], ".[]"):
		obj := map[string]json.RawMessage{}
		if err := json.Unmarshal(input, &obj); err != nil {
			return nil, fmt.Errorf("ResultPath %s needs an object input: %w", path, err)
		}
		obj[path[2:]] = result
		return json.Marshal(obj)
	}
	return nil, fmt.Errorf("unsupported ResultPath %q", path)
}

// resolveParameters builds a Parameters object. Keys ending in ".$" take a path:
// "$$.Execution.Name", "$" or a top-level "$.field" of the input.
func resolveParameters(params map[string]any, input json.RawMessage, execName string) (json.RawMessage, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if !strings.HasSuffix(k, ".$") {
			out[k] = v
			continue
		}
		path, _ := v.(string)
		key := strings.TrimSuffix(k, ".$")
		switch {
		case path == "$$.Execution.Name":
			out[key] = execName
		case path == "$":
			out[key] = input
		case strings.HasPrefix(path, "$.") && !strings.ContainsAny(path[2:], ".[]"):
			obj := map[string]json.RawMessage{}
			if err := json.Unmarshal(input, &obj); err != nil {
				return nil, fmt.Errorf("parameter %s needs an object input: %w", k, err)
			}
			out[key] = obj[path[2:]]
		default:
			return nil, fmt.Errorf("unsupported parameter path %q", path)
		}
	}
	return json.Marshal(out)
}

// HandlerInvoker adapts a typed Lambda handler to an Invoker. Errors keep their
// type so Retry and Catch see the same name the Lambda runtime would report.
func HandlerInvoker[In, Out any](fn func(context.Context, In) (Out, error)) Invoker {
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in In
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, &TaskError{Name: "Lambda.Unknown", Cause: err.Error()}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

type caughtError struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// NotifyInvoker stands in for the sns:publish task. It reads the caught error
// from $.error and derives the run id from the trigger event and $.execution
// exactly as the failed Lambda did.
func NotifyInvoker(p *notify.Publisher, component string, now func() time.Time) Invoker {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var envelope struct {
			Error caughtError `json:"error"`
		}
		if err := json.Unmarshal(input, &envelope); err != nil {
			return nil, &TaskError{Name: "States.Runtime", Cause: err.Error()}
		}
		var ev trigger.Event
		if err := json.Unmarshal(input, &ev); err != nil {
			return nil, &TaskError{Name: "States.Runtime", Cause: err.Error()}
		}

		f := notify.Failure{
			RunID:     trigger.RunID(ev.Upload, now()),
			Component: component,
			ErrorType: envelope.Error.Error,
			Reason:    envelope.Error.Cause,
			Input:     ev.URI(),
			At:        now().UTC(),
		}
		id, err := p.Publish(ctx, f)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"MessageId": id, "RunId": f.RunID})
	}
}
