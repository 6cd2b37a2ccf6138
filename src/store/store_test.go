package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bililive-go/segcast/src/media"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().Add(-time.Minute)

	require.NoError(t, s.RunStarted(ctx, "run-1", "movie.mov", started))
	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.Equal(t, started.UnixMilli(), run.StartedAt.UnixMilli())
	assert.Nil(t, run.FinishedAt)

	for i, n := range []int64{12, 5} {
		require.NoError(t, s.SegmentUploaded(ctx, "run-1", media.UploadRecord{
			Sequence:   i + 1,
			Name:       fmt.Sprintf("movie-144p.%d.mp4", i+1),
			Bytes:      n,
			UploadedAt: time.Now(),
		}))
	}
	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.Segments)
	assert.EqualValues(t, 17, run.Bytes)

	require.NoError(t, s.RunFinished(ctx, media.Result{
		RunID:          "run-1",
		Status:         media.StatusFailed,
		Kind:           media.KindUploadFault,
		Err:            errors.New("status 500"),
		OutputFileName: "movie-144p.mp4",
		Uploaded:       make([]media.UploadRecord, 2),
		Bytes:          17,
		Elapsed:        1500 * time.Millisecond,
		RenderFailures: 3,
	}))
	run, err = s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, string(media.StatusFailed), run.Status)
	assert.Equal(t, media.KindUploadFault, run.ErrorKind)
	assert.Equal(t, "status 500", run.ErrorMessage)
	assert.Equal(t, "movie-144p.mp4", run.OutputName)
	assert.Equal(t, 3, run.RenderFailures)
	assert.Equal(t, 1500*time.Millisecond, run.Elapsed)
	assert.NotNil(t, run.FinishedAt)

	segments, err := s.ListSegments(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 1, segments[0].Sequence)
	assert.Equal(t, "movie-144p.2.mp4", segments[1].Name)
	assert.EqualValues(t, 5, segments[1].Bytes)
}

func TestSegmentSequenceIsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RunStarted(ctx, "run-1", "a.mp4", time.Now()))
	rec := media.UploadRecord{Sequence: 1, Name: "a-144p.1.mp4", Bytes: 1, UploadedAt: time.Now()}
	require.NoError(t, s.SegmentUploaded(ctx, "run-1", rec))
	assert.Error(t, s.SegmentUploaded(ctx, "run-1", rec))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Segments)
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	err = s.RunFinished(context.Background(), media.Result{RunID: "missing", Status: media.StatusDone})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsAndReset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RunStarted(ctx, id, id+".mp4", base.Add(time.Duration(i)*time.Minute)))
	}
	require.NoError(t, s.RunFinished(ctx, media.Result{RunID: "a", Status: media.StatusDone}))

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "a", runs[2].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Status: RunStatusRunning, Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].ID)

	n, err := s.ResetRunningRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runs, err = s.ListRuns(ctx, RunFilter{Status: string(media.StatusFailed)})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Equal(t, media.KindCanceled, runs[0].ErrorKind)

	require.NoError(t, s.DeleteRun(ctx, "b"))
	runs, err = s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RunStarted(context.Background(), "x", "x.mp4", time.Now()))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetRun(context.Background(), "x")
	assert.NoError(t, err)
}
