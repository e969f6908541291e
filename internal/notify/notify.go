package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var _ SNSClient = (*sns.Client)(nil)

// Failure describes a failed pipeline run. It carries enough to diagnose the
// failure without re-running anything.
type Failure struct {
	RunID            string
	Component        string
	ErrorType        string
	Reason           string
	QueryExecutionID string
	Input            string
	At               time.Time
}

// FromError fills a Failure from a typed pipeline error.
func FromError(component, runID string, err error) Failure {
	f := Failure{
		RunID:     runID,
		Component: component,
		ErrorType: apperr.Name(err),
		At:        time.Now().UTC(),
	}
	if err != nil {
		f.Reason = err.Error()
	}
	switch e := apperr.Surface(err).(type) {
	case *apperr.QueryExecutionError:
		f.QueryExecutionID = e.QueryExecutionID
		f.Reason = e.Reason
	case *apperr.QueryTimeoutError:
		f.QueryExecutionID = e.QueryExecutionID
	}
	return f
}

// maxSubject is the SNS limit for email subjects.
const maxSubject = 100

func (f Failure) Subject() string {
	s := fmt.Sprintf("[pipeline] %s failed: %s", f.Component, f.ErrorType)
	if f.RunID != "" {
		s += " run " + f.RunID
	}
	return truncate(s, maxSubject)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (f Failure) Body() string {
	lines := []string{
		fmt.Sprintf("Component: %s", f.Component),
		fmt.Sprintf("RunId: %s", f.RunID),
		fmt.Sprintf("ErrorType: %s", f.ErrorType),
		fmt.Sprintf("Reason: %s", f.Reason),
	}
	if f.QueryExecutionID != "" {
		lines = append(lines, fmt.Sprintf("QueryExecutionId: %s", f.QueryExecutionID))
	}
	if f.Input != "" {
		lines = append(lines, fmt.Sprintf("Input: %s", f.Input))
	}
	at := f.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	lines = append(lines, "", fmt.Sprintf("FailedAt: %s", at.Format(time.RFC3339)))
	return strings.Join(lines, "\n")
}

type Publisher struct {
	client   SNSClient
	topicARN string
}

func NewPublisher(client SNSClient, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: strings.TrimSpace(topicARN)}
}

func (p *Publisher) Enabled() bool { return p != nil && p.client != nil && p.topicARN != "" }

// Publish sends the failure to the topic and returns the SNS message id. With no
// topic configured it does nothing.
func (p *Publisher) Publish(ctx context.Context, f Failure) (string, error) {
	if !p.Enabled() {
		return "", nil
	}
	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(f.Subject()),
		Message:  aws.String(f.Body()),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"component":  {DataType: aws.String("String"), StringValue: aws.String(nonEmpty(f.Component))},
			"error_type": {DataType: aws.String("String"), StringValue: aws.String(nonEmpty(f.ErrorType))},
		},
	})
	if err != nil {
		return "", apperr.IO("sns Publish", p.topicARN, err)
	}
	return aws.ToString(out.MessageId), nil
}

// SNS rejects empty string attribute values.
func nonEmpty(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
