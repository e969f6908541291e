package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// LineStreamer streams an object line by line starting at a byte offset.
// s3streamer.NewS3Streamer satisfies it.
type LineStreamer interface {
	Stream(ctx context.Context, bucket, key string, offset int64, fn func([]byte, int64) error) error
}

var _ S3API = (*s3.Client)(nil)

// ErrAlreadyExists is returned by the create-only writers.
var ErrAlreadyExists = errors.New("object already exists")

var s3URIPattern = regexp.MustCompile(`^s3://([^/]+)/(.+)$`)

type URI struct {
	Bucket string
	Key    string
}

func ParseURI(s string) (URI, error) {
	m := s3URIPattern.FindStringSubmatch(s)
	if len(m) != 3 {
		return URI{}, fmt.Errorf("invalid S3 URI format: %s (must be s3://bucket/key)", s)
	}
	return URI{Bucket: m[1], Key: m[2]}, nil
}

func (u URI) String() string { return "s3://" + u.Bucket + "/" + u.Key }

type Store struct {
	client   S3API
	streamer LineStreamer
}

// New returns a Store. streamer may be nil, in which case StreamLines reads the
// whole object and splits it in memory.
func New(client S3API, streamer LineStreamer) *Store {
	return &Store{client: client, streamer: streamer}
}

func (s *Store) Exists(ctx context.Context, u URI) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(u.Key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, apperr.IO("s3 HeadObject", u.String(), err)
}

func (s *Store) ReadAll(ctx context.Context, u URI) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Bucket),
		Key:    aws.String(u.Key),
	})
	if err != nil {
		return nil, apperr.IO("s3 GetObject", u.String(), err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.IO("s3 read body", u.String(), err)
	}
	return data, nil
}

// StreamLines calls fn for every line of the object with a 1-based line number.
// Returning an error from fn stops the stream and is passed through unchanged.
func (s *Store) StreamLines(ctx context.Context, u URI, fn func(n int, line []byte) error) error {
	var cbErr error
	n := 0
	call := func(line []byte) error {
		n++
		if err := fn(n, line); err != nil {
			cbErr = err
			return err
		}
		return nil
	}

	if s.streamer != nil {
		err := s.streamer.Stream(ctx, u.Bucket, u.Key, 0, func(line []byte, _ int64) error {
			return call(line)
		})
		if cbErr != nil {
			return cbErr
		}
		return apperr.IO("s3 stream", u.String(), err)
	}

	data, err := s.ReadAll(ctx, u)
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if err := call(sc.Bytes()); err != nil {
			return err
		}
	}
	return apperr.IO("scan object", u.String(), sc.Err())
}

// PutIfAbsent writes body only when no object exists at u.
func (s *Store) PutIfAbsent(ctx context.Context, u URI, body []byte, contentType string) error {
	exists, err := s.Exists(ctx, u)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", u, ErrAlreadyExists)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.Bucket),
		Key:         aws.String(u.Key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", u, ErrAlreadyExists)
		}
		return apperr.IO("s3 PutObject", u.String(), err)
	}
	return nil
}

// CopyIfAbsent copies src to dst unless dst already exists.
func (s *Store) CopyIfAbsent(ctx context.Context, src, dst URI) error {
	exists, err := s.Exists(ctx, dst)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", dst, ErrAlreadyExists)
	}
	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dst.Bucket),
		Key:        aws.String(dst.Key),
		CopySource: aws.String(copySource(src)),
	})
	if err != nil {
		return apperr.IO("s3 CopyObject", src.String()+" -> "+dst.String(), err)
	}
	return nil
}

func copySource(u URI) string {
	return (&url.URL{Path: u.Bucket + "/" + u.Key}).EscapedPath()
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && (ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchKey")
}

func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "PreconditionFailed"
}
