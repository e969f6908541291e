// Package workflow describes the orchestration of the state counts Lambda as
// an Amazon States Language definition and can simulate it locally.
package workflow

import (
	"errors"
	"fmt"
	"sort"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// ASL state types used by the pipeline.
const (
	TypeTask    = "Task"
	TypePass    = "Pass"
	TypeSucceed = "Succeed"
	TypeFail    = "Fail"
)

// Error names with special meaning in Retry and Catch.
const (
	ErrorAll        = "States.ALL"
	ErrorTaskFailed = "States.TaskFailed"
)

const SNSPublishResource = "arn:aws:states:::sns:publish"

type Definition struct {
	Comment string            `json:"Comment,omitempty" yaml:"Comment,omitempty"`
	StartAt string            `json:"StartAt" yaml:"StartAt"`
	States  map[string]*State `json:"States" yaml:"States"`
}

type State struct {
	Type       string         `json:"Type" yaml:"Type"`
	Comment    string         `json:"Comment,omitempty" yaml:"Comment,omitempty"`
	Resource   string         `json:"Resource,omitempty" yaml:"Resource,omitempty"`
	Parameters map[string]any `json:"Parameters,omitempty" yaml:"Parameters,omitempty"`
	ResultPath string         `json:"ResultPath,omitempty" yaml:"ResultPath,omitempty"`
	Retry      []Retrier      `json:"Retry,omitempty" yaml:"Retry,omitempty"`
	Catch      []Catcher      `json:"Catch,omitempty" yaml:"Catch,omitempty"`
	Next       string         `json:"Next,omitempty" yaml:"Next,omitempty"`
	End        bool           `json:"End,omitempty" yaml:"End,omitempty"`
	Error      string         `json:"Error,omitempty" yaml:"Error,omitempty"`
	Cause      string         `json:"Cause,omitempty" yaml:"Cause,omitempty"`
}

type Retrier struct {
	ErrorEquals     []string `json:"ErrorEquals" yaml:"ErrorEquals"`
	IntervalSeconds int      `json:"IntervalSeconds" yaml:"IntervalSeconds"`
	BackoffRate     float64  `json:"BackoffRate" yaml:"BackoffRate"`
	MaxAttempts     int      `json:"MaxAttempts" yaml:"MaxAttempts"`
}

type Catcher struct {
	ErrorEquals []string `json:"ErrorEquals" yaml:"ErrorEquals"`
	Next        string   `json:"Next" yaml:"Next"`
	ResultPath  string   `json:"ResultPath,omitempty" yaml:"ResultPath,omitempty"`
}

// State names of the shipped pipeline.
const (
	StateAssignRunID    = "AssignRunId"
	StateRunStateCounts = "RunStateCounts"
	StateSuccess        = "Success"
	StateNotifyFailure  = "NotifyFailure"
)

// RetryableErrors are retried by RunStateCounts. QueryExecutionError and
// ValidationError are deliberate failures and go straight to NotifyFailure.
var RetryableErrors = []string{
	"TransientIOError",
	"QueryTimeoutError",
	"Lambda.ServiceException",
	"Lambda.TooManyRequestsException",
}

// StateCountsPipeline builds the definition deployed in front of the state
// counts Lambda.
func StateCountsPipeline(lambdaARN, topicARN string) *Definition {
	return &Definition{
		Comment: "Accredited facility counts per state: run the Athena query, notify on failure",
		StartAt: StateAssignRunID,
		States: map[string]*State{
			// The execution name is the run id of a manual run, so every retry
			// and the failure message agree on it.
			StateAssignRunID: {
				Type:       TypePass,
				Parameters: map[string]any{"name.$": "$$.Execution.Name"},
				ResultPath: "$.execution",
				Next:       StateRunStateCounts,
			},
			StateRunStateCounts: {
				Type:     TypeTask,
				Resource: lambdaARN,
				Retry: []Retrier{{
					ErrorEquals:     RetryableErrors,
					IntervalSeconds: 2,
					BackoffRate:     2.0,
					MaxAttempts:     3,
				}},
				Catch: []Catcher{{
					ErrorEquals: []string{ErrorAll},
					Next:        StateNotifyFailure,
					ResultPath:  "$.error",
				}},
				Next: StateSuccess,
			},
			StateSuccess: {Type: TypeSucceed},
			StateNotifyFailure: {
				Type:     TypeTask,
				Resource: SNSPublishResource,
				Parameters: map[string]any{
					"TopicArn":  topicARN,
					"Subject":   "[pipeline] state-counts failed",
					"Message.$": "States.JsonToString($)",
				},
				End: true,
			},
		},
	}
}

// Validate checks the definition is well formed: every transition target
// exists, each non-terminal state has exactly one of Next and End, retry
// bounds are positive and every state is reachable from StartAt.
func (d *Definition) Validate() error {
	var errs []error
	if _, ok := d.States[d.StartAt]; !ok {
		errs = append(errs, fmt.Errorf("StartAt %q is not a state", d.StartAt))
	}

	for _, name := range d.names() {
		s := d.States[name]
		if s == nil {
			errs = append(errs, fmt.Errorf("state %s: empty", name))
			continue
		}
		switch s.Type {
		case TypeTask, TypePass:
			if s.Type == TypeTask && s.Resource == "" {
				errs = append(errs, fmt.Errorf("state %s: Task without Resource", name))
			}
			if (s.Next == "") == !s.End {
				errs = append(errs, fmt.Errorf("state %s: exactly one of Next and End is required", name))
			}
		case TypeSucceed, TypeFail:
			if s.Next != "" || s.End {
				errs = append(errs, fmt.Errorf("state %s: %s is terminal and takes no Next or End", name, s.Type))
			}
		default:
			errs = append(errs, fmt.Errorf("state %s: unsupported type %q", name, s.Type))
		}
		if s.Next != "" {
			if _, ok := d.States[s.Next]; !ok {
				errs = append(errs, fmt.Errorf("state %s: Next %q is not a state", name, s.Next))
			}
		}
		for i, r := range s.Retry {
			if len(r.ErrorEquals) == 0 {
				errs = append(errs, fmt.Errorf("state %s: Retry[%d] has no ErrorEquals", name, i))
			}
			if r.IntervalSeconds <= 0 || r.MaxAttempts <= 0 || r.BackoffRate < 1 {
				errs = append(errs, fmt.Errorf("state %s: Retry[%d] needs IntervalSeconds > 0, MaxAttempts > 0 and BackoffRate >= 1", name, i))
			}
			errs = append(errs, checkAllIsLast(name, "Retry", i, len(s.Retry), r.ErrorEquals)...)
		}
		for i, c := range s.Catch {
			if len(c.ErrorEquals) == 0 {
				errs = append(errs, fmt.Errorf("state %s: Catch[%d] has no ErrorEquals", name, i))
			}
			if _, ok := d.States[c.Next]; !ok {
				errs = append(errs, fmt.Errorf("state %s: Catch[%d] Next %q is not a state", name, i, c.Next))
			}
			errs = append(errs, checkAllIsLast(name, "Catch", i, len(s.Catch), c.ErrorEquals)...)
		}
	}

	reached := d.reachable()
	for _, name := range d.names() {
		if !reached[name] {
			errs = append(errs, fmt.Errorf("state %s: unreachable from %s", name, d.StartAt))
		}
	}
	return errors.Join(errs...)
}

// States.ALL must appear alone and in the last rule.
func checkAllIsLast(state, field string, i, n int, equals []string) []error {
	for _, e := range equals {
		if e == ErrorAll && (len(equals) > 1 || i != n-1) {
			return []error{fmt.Errorf("state %s: %s[%d] uses %s but is not the last rule or not alone", state, field, i, ErrorAll)}
		}
	}
	return nil
}

func (d *Definition) names() []string {
	out := make([]string, 0, len(d.States))
	for name := range d.States {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Definition) reachable() map[string]bool {
	seen := map[string]bool{}
	stack := []string{d.StartAt}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s, ok := d.States[name]
		if !ok || seen[name] || s == nil {
			continue
		}
		seen[name] = true
		if s.Next != "" {
			stack = append(stack, s.Next)
		}
		for _, c := range s.Catch {
			stack = append(stack, c.Next)
		}
	}
	return seen
}

// Render emits the definition as ASL JSON or as YAML for templates that
// inline it.
func (d *Definition) Render(format string) ([]byte, error) {
	switch format {
	case "", "json":
		return json.MarshalIndent(d, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(d)
	}
	return nil, fmt.Errorf("unknown format %q (want json or yaml)", format)
}

// Parse reads an ASL JSON definition.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse state machine definition: %w", err)
	}
	return &d, nil
}
