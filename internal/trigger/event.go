package trigger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Upload identifies the raw object whose arrival triggered a run.
type Upload struct {
	Bucket    string    `json:"bucket,omitempty"`
	Key       string    `json:"key,omitempty"`
	ETag      string    `json:"etag,omitempty"`
	Sequencer string    `json:"sequencer,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	EventTime time.Time `json:"event_time,omitempty"`
	RunID     string    `json:"run_id,omitempty"` // explicit override

	// Execution is the state machine execution name, stable across the
	// retries of one execution and visible to its failure branch.
	Execution string `json:"-"`
}

func (u Upload) URI() string {
	if u.Bucket == "" {
		return ""
	}
	return "s3://" + u.Bucket + "/" + u.Key
}

// Event accepts the payload shapes the trigger is invoked with: an S3
// notification, an EventBridge "Object Created" event (directly or passed
// through a state machine), or a plain {"bucket","key"} object. An empty
// payload is a manual run.
type Event struct {
	Upload
}

type eventBridgeS3Detail struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key       string `json:"key"`
		ETag      string `json:"etag"`
		Sequencer string `json:"sequencer"`
	} `json:"object"`
}

func (e *Event) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = Event{}
		return nil
	}

	var probe struct {
		Records    []json.RawMessage `json:"Records"`
		DetailType string            `json:"detail-type"`
		Source     string            `json:"source"`
		Bucket     string            `json:"bucket"`
		Execution  struct {
			Name string `json:"name"`
		} `json:"execution"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("decode trigger event: %w", err)
	}

	switch {
	case len(probe.Records) > 0:
		var s3ev events.S3Event
		if err := json.Unmarshal(b, &s3ev); err != nil {
			return fmt.Errorf("decode s3 event: %w", err)
		}
		r := s3ev.Records[0]
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		e.Upload = Upload{
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			ETag:      r.S3.Object.ETag,
			Sequencer: r.S3.Object.Sequencer,
			EventID:   r.ResponseElements["x-amz-request-id"],
			EventTime: r.EventTime,
		}
	case probe.DetailType != "":
		var cw events.CloudWatchEvent
		if err := json.Unmarshal(b, &cw); err != nil {
			return fmt.Errorf("decode eventbridge event: %w", err)
		}
		var d eventBridgeS3Detail
		if len(cw.Detail) > 0 {
			if err := json.Unmarshal(cw.Detail, &d); err != nil {
				return fmt.Errorf("decode eventbridge detail: %w", err)
			}
		}
		e.Upload = Upload{
			Bucket:    d.Bucket.Name,
			Key:       d.Object.Key,
			ETag:      d.Object.ETag,
			Sequencer: d.Object.Sequencer,
			EventID:   cw.ID,
			EventTime: cw.Time,
		}
	default:
		var u Upload
		if err := json.Unmarshal(b, &u); err != nil {
			return fmt.Errorf("decode trigger payload: %w", err)
		}
		e.Upload = u
	}
	e.Execution = probe.Execution.Name
	return nil
}

const runTimeLayout = "20060102T150405Z"

var unsafeRunID = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// RunID derives the identifier that namespaces a run's outputs. The same event
// always yields the same id, so a retried invocation targets the same output
// path; distinct uploads yield distinct ids. A payload with nothing to identify
// it (a manual run) takes the state machine execution name, or a random id when
// invoked outside one.
func RunID(u Upload, now time.Time) string {
	if id := strings.TrimSpace(u.RunID); id != "" {
		return unsafeRunID.ReplaceAllString(id, "_")
	}
	if u.Bucket == "" && u.EventID == "" {
		if name := strings.TrimSpace(u.Execution); name != "" {
			return unsafeRunID.ReplaceAllString(name, "_")
		}
		return now.UTC().Format(runTimeLayout) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	h := sha256.New()
	for _, part := range []string{u.Bucket, u.Key, u.ETag, u.Sequencer, u.EventID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))[:12]
	if u.EventTime.IsZero() {
		return "run-" + sum
	}
	return u.EventTime.UTC().Format(runTimeLayout) + "-" + sum
}
