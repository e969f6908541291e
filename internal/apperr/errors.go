package apperr

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ValidationError marks a single malformed record or field. It is skipped and
// logged; it never aborts a run.
type ValidationError struct {
	RunID      string
	FacilityID string
	Field      string
	Value      string
	Reason     string
}

func (e *ValidationError) Error() string {
	var msg string
	if e.FacilityID != "" {
		msg = fmt.Sprintf("validation: facility=%s field=%s value=%q: %s", e.FacilityID, e.Field, e.Value, e.Reason)
	} else {
		msg = fmt.Sprintf("validation: field=%s value=%q: %s", e.Field, e.Value, e.Reason)
	}
	return withRun(msg, e.RunID)
}

// QueryExecutionError is returned when the query engine reports FAILED or
// CANCELLED for an execution.
type QueryExecutionError struct {
	RunID            string
	QueryExecutionID string
	State            string
	Reason           string
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query %s: %s (run=%s qid=%s)", e.State, e.Reason, e.RunID, e.QueryExecutionID)
}

// QueryTimeoutError is returned when polling exceeded its time or attempt budget
// before a terminal state was observed.
type QueryTimeoutError struct {
	RunID            string
	QueryExecutionID string
	LastState        string
	Attempts         int
	Waited           time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query timed out after %s and %d polls, last state %s (run=%s qid=%s)",
		e.Waited, e.Attempts, e.LastState, e.RunID, e.QueryExecutionID)
}

// TransientIOError wraps an object-store or service call failure that the caller
// may retry.
type TransientIOError struct {
	RunID string
	Op    string
	Path  string
	Err   error
}

func (e *TransientIOError) Error() string {
	if e.Path != "" {
		return withRun(fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err), e.RunID)
	}
	return withRun(fmt.Sprintf("%s: %v", e.Op, e.Err), e.RunID)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// IO wraps err as a TransientIOError. A nil err stays nil.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Path: path, Err: err}
}

func withRun(msg, runID string) string {
	if runID == "" {
		return msg
	}
	return msg + " (run=" + runID + ")"
}

// WithRunID surfaces err like Surface and stamps runID on the typed error when
// it does not name a run yet, so the message a caller reports always carries it.
// An untyped error is wrapped with the run id in its text.
func WithRunID(err error, runID string) error {
	if err == nil || runID == "" {
		return Surface(err)
	}
	switch e := Surface(err).(type) {
	case *QueryExecutionError:
		if e.RunID == "" {
			e.RunID = runID
		}
		return e
	case *QueryTimeoutError:
		if e.RunID == "" {
			e.RunID = runID
		}
		return e
	case *TransientIOError:
		if e.RunID == "" {
			e.RunID = runID
		}
		return e
	case *ValidationError:
		if e.RunID == "" {
			e.RunID = runID
		}
		return e
	}
	return fmt.Errorf("%w (run=%s)", err, runID)
}

// Retryable reports whether the failure class may succeed on a later attempt.
func Retryable(err error) bool {
	var io *TransientIOError
	if errors.As(err, &io) {
		return true
	}
	var to *QueryTimeoutError
	return errors.As(err, &to)
}

// Surface returns the first typed pipeline error in err's chain so a Lambda
// handler reports its type name as errorType. Untyped errors are returned as is.
func Surface(err error) error {
	if err == nil {
		return nil
	}
	var (
		qe *QueryExecutionError
		to *QueryTimeoutError
		io *TransientIOError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &qe):
		return qe
	case errors.As(err, &to):
		return to
	case errors.As(err, &io):
		return io
	case errors.As(err, &ve):
		return ve
	}
	return err
}

// Name is the error type name as the Lambda runtime reports it.
func Name(err error) string {
	if err == nil {
		return ""
	}
	t := reflect.TypeOf(Surface(err))
	if t.Kind() == reflect.Ptr {
		return t.Elem().Name()
	}
	return t.Name()
}
