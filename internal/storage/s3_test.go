package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/storage/s3mock"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("s3://healthcare-facility/athena_results/abc.csv")
	require.NoError(t, err)
	assert.Equal(t, URI{Bucket: "healthcare-facility", Key: "athena_results/abc.csv"}, u)
	assert.Equal(t, "s3://healthcare-facility/athena_results/abc.csv", u.String())

	for _, bad := range []string{"", "s3://bucket", "s3://bucket/", "https://bucket/key", "bucket/key"} {
		_, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestPutIfAbsentNeverOverwrites(t *testing.T) {
	mock := s3mock.New()
	st := New(mock, nil)
	ctx := context.Background()
	u := URI{Bucket: "b", Key: "transformed/run=1/out.json"}

	require.NoError(t, st.PutIfAbsent(ctx, u, []byte("first"), "application/json"))
	err := st.PutIfAbsent(ctx, u, []byte("second"), "application/json")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, _ := mock.Get("b", "transformed/run=1/out.json")
	assert.Equal(t, "first", string(got))
}

func TestCopyIfAbsent(t *testing.T) {
	mock := s3mock.New()
	mock.Set("results", "athena/q1.csv", []byte("state,count\nIL,2\n"))
	st := New(mock, nil)
	ctx := context.Background()

	src := URI{Bucket: "results", Key: "athena/q1.csv"}
	dst := URI{Bucket: "out", Key: "transformed/state_counts/run=a/state_counts.csv"}
	require.NoError(t, st.CopyIfAbsent(ctx, src, dst))
	got, ok := mock.Get("out", dst.Key)
	require.True(t, ok)
	assert.Contains(t, string(got), "IL,2")

	assert.ErrorIs(t, st.CopyIfAbsent(ctx, src, dst), ErrAlreadyExists)
	assert.Len(t, mock.Copies, 1)
}

func TestCopyMissingSourceIsTransient(t *testing.T) {
	st := New(s3mock.New(), nil)
	err := st.CopyIfAbsent(context.Background(), URI{Bucket: "a", Key: "missing"}, URI{Bucket: "b", Key: "k"})
	var io *apperr.TransientIOError
	require.True(t, errors.As(err, &io))
	assert.Equal(t, "s3 CopyObject", io.Op)
}

func TestExists(t *testing.T) {
	mock := s3mock.New()
	mock.Set("b", "k", []byte("x"))
	st := New(mock, nil)

	ok, err := st.Exists(context.Background(), URI{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Exists(context.Background(), URI{Bucket: "b", Key: "other"})
	require.NoError(t, err)
	assert.False(t, ok)

	mock.Err["HeadObject"] = errors.New("throttled")
	_, err = st.Exists(context.Background(), URI{Bucket: "b", Key: "k"})
	assert.True(t, apperr.Retryable(err))
}

func TestStreamLines(t *testing.T) {
	mock := s3mock.New()
	mock.Set("raw", "facilities.jsonl", []byte("a\nb\n\nc\n"))
	u := URI{Bucket: "raw", Key: "facilities.jsonl"}

	for name, st := range map[string]*Store{
		"streamer": New(mock, mock),
		"fallback": New(mock, nil),
	} {
		t.Run(name, func(t *testing.T) {
			var lines []string
			var nums []int
			err := st.StreamLines(context.Background(), u, func(n int, line []byte) error {
				lines = append(lines, string(line))
				nums = append(nums, n)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "", "c"}, lines)
			assert.Equal(t, []int{1, 2, 3, 4}, nums)
		})
	}
}

func TestStreamLinesCallbackError(t *testing.T) {
	mock := s3mock.New()
	mock.Set("raw", "k", []byte("a\nb\n"))
	stop := errors.New("stop")

	err := New(mock, mock).StreamLines(context.Background(), URI{Bucket: "raw", Key: "k"}, func(int, []byte) error {
		return stop
	})
	assert.Same(t, stop, err)
}

func TestReadAllMissing(t *testing.T) {
	_, err := New(s3mock.New(), nil).ReadAll(context.Background(), URI{Bucket: "b", Key: "nope"})
	assert.True(t, apperr.Retryable(err))
}
