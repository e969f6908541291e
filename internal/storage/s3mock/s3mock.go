// Package s3mock provides an in-memory S3 client for tests.
package s3mock

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Client keeps objects keyed by "bucket/key".
type Client struct {
	mu    sync.Mutex
	Files map[string][]byte

	// Err, when set for an operation name ("GetObject", "PutObject",
	// "HeadObject", "CopyObject"), is returned instead of doing the work.
	Err map[string]error

	Puts   []string
	Copies []string
}

func New() *Client {
	return &Client{Files: map[string][]byte{}, Err: map[string]error{}}
}

func (m *Client) Set(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[bucket+"/"+key] = body
}

func (m *Client) Get(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Files[bucket+"/"+key]
	return b, ok
}

func (m *Client) fail(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Err[op]
}

func (m *Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := m.fail("GetObject"); err != nil {
		return nil, err
	}
	b, ok := m.Get(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (m *Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := m.fail("PutObject"); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := m.Files[bucket+"/"+key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: bucket + "/" + key + " exists"}
		}
	}
	m.Files[bucket+"/"+key] = body
	m.Puts = append(m.Puts, bucket+"/"+key)
	return &s3.PutObjectOutput{}, nil
}

func (m *Client) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := m.fail("HeadObject"); err != nil {
		return nil, err
	}
	b, ok := m.Get(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(b)))}, nil
}

func (m *Client) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if err := m.fail("CopyObject"); err != nil {
		return nil, err
	}
	src, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	src = strings.TrimPrefix(src, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Files[src]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("copy source not found: " + src)}
	}
	dst := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.Files[dst] = append([]byte(nil), b...)
	m.Copies = append(m.Copies, src+" -> "+dst)
	return &s3.CopyObjectOutput{}, nil
}

// Stream implements storage.LineStreamer over the stored objects.
func (m *Client) Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error {
	if err := m.fail("Stream"); err != nil {
		return err
	}
	b, ok := m.Get(bucket, key)
	if !ok {
		return fmt.Errorf("s3mock: key not found: %s/%s", bucket, key)
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	var pos int64
	for sc.Scan() {
		line := sc.Bytes()
		next := pos + int64(len(line)) + 1
		if pos >= offset {
			if err := fn(line, pos); err != nil {
				return err
			}
		}
		pos = next
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return sc.Err()
}
