package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpalas/street-safety-vision/constants"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/llm"
	"github.com/bpalas/street-safety-vision/internal/testutil"
)

func submittedJob(handle string, sub int) entity.BatchJob {
	return entity.BatchJob{
		Handle:      handle,
		SubBatch:    sub,
		Status:      constants.JobStatusPending,
		ItemCount:   2,
		SubmittedAt: t0,
	}
}

func always(status constants.JobStatus) func(string, int) llm.StatusReport {
	return func(string, int) llm.StatusReport {
		return llm.StatusReport{Status: status, RawStatus: string(status)}
	}
}

func TestApply(t *testing.T) {
	cases := []struct {
		from, to constants.JobStatus
		changed  bool
		ok       bool
	}{
		{constants.JobStatusPending, constants.JobStatusInProgress, true, true},
		{constants.JobStatusPending, constants.JobStatusCompleted, true, true},
		{constants.JobStatusInProgress, constants.JobStatusInProgress, false, true},
		{constants.JobStatusInProgress, constants.JobStatusFailed, true, true},
		{constants.JobStatusInProgress, constants.JobStatusPending, false, false},
		{constants.JobStatusCompleted, constants.JobStatusFailed, false, false},
		{constants.JobStatusCancelled, constants.JobStatusInProgress, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			job := entity.BatchJob{Status: tc.from}
			changed, ok := Apply(&job, tc.to)
			assert.Equal(t, tc.changed, changed)
			assert.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.to, job.Status)
			} else {
				assert.Equal(t, tc.from, job.Status)
			}
		})
	}
}

func TestTracker_Track(t *testing.T) {
	ctx := context.Background()

	t.Run("polls until terminal", func(t *testing.T) {
		p := testutil.NewProvider()
		clock := testutil.NewClock(t0)
		tr := NewTracker(p, TrackerConfig{PollIntervalMin: time.Second, PollIntervalMax: 8 * time.Second}, nil, nil, clock)

		var updates []constants.JobStatus
		job, err := tr.Track(ctx, submittedJob("batch_001", 0), func(j entity.BatchJob) {
			updates = append(updates, j.Status)
		})
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusCompleted, job.Status)
		assert.Equal(t, "file-batch_001", job.OutputRef)
		require.NotNil(t, job.FinishedAt)
		assert.Equal(t, []constants.JobStatus{constants.JobStatusInProgress, constants.JobStatusCompleted}, updates)
		assert.Equal(t, 2, p.Polls("batch_001"))
		assert.Equal(t, []time.Duration{time.Second}, clock.Sleeps())

		views := tr.Progress()
		require.Len(t, views, 1)
		assert.Equal(t, constants.JobStatusCompleted, views[0].Status)
		assert.Equal(t, 2, views[0].Requested)
	})

	t.Run("skips unsubmitted and terminal jobs", func(t *testing.T) {
		p := testutil.NewProvider()
		tr := NewTracker(p, TrackerConfig{}, nil, nil, testutil.NewClock(t0))

		_, err := tr.Track(ctx, entity.BatchJob{Status: constants.JobStatusPending}, nil)
		require.NoError(t, err)
		done := submittedJob("batch_009", 0)
		done.Status = constants.JobStatusCompleted
		_, err = tr.Track(ctx, done, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, p.Polls("batch_009"))
	})

	t.Run("ignores a backwards transition", func(t *testing.T) {
		p := testutil.NewProvider()
		p.Status = func(_ string, n int) llm.StatusReport {
			switch n {
			case 0:
				return llm.StatusReport{Status: constants.JobStatusInProgress}
			case 1:
				return llm.StatusReport{Status: constants.JobStatusPending, RawStatus: "validating"}
			}
			return llm.StatusReport{Status: constants.JobStatusCompleted}
		}
		tr := NewTracker(p, TrackerConfig{PollIntervalMin: time.Second}, nil, nil, testutil.NewClock(t0))

		var updates []constants.JobStatus
		job, err := tr.Track(ctx, submittedJob("batch_001", 0), func(j entity.BatchJob) {
			updates = append(updates, j.Status)
		})
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusCompleted, job.Status)
		assert.Equal(t, []constants.JobStatus{constants.JobStatusInProgress, constants.JobStatusCompleted}, updates)
	})

	t.Run("backs off up to the max interval and times out", func(t *testing.T) {
		p := testutil.NewProvider()
		p.Status = always(constants.JobStatusInProgress)
		clock := testutil.NewClock(t0)
		tr := NewTracker(p, TrackerConfig{
			PollIntervalMin: time.Second,
			PollIntervalMax: 4 * time.Second,
			JobTimeout:      20 * time.Second,
			CancelOnTimeout: true,
		}, nil, nil, clock)

		job, err := tr.Track(ctx, submittedJob("batch_001", 0), nil)
		var pte *common.PollingTimeoutError
		require.ErrorAs(t, err, &pte)
		assert.Equal(t, "batch_001", pte.Handle)
		assert.Equal(t, 20*time.Second, pte.Elapsed)

		assert.Equal(t, constants.JobStatusFailed, job.Status)
		assert.True(t, job.LocalTimeout)
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second,
			4 * time.Second, 4 * time.Second, time.Second,
		}, clock.Sleeps())
		assert.Equal(t, []string{"batch_001"}, p.Cancelled())
	})

	t.Run("timeout counts from submission", func(t *testing.T) {
		p := testutil.NewProvider()
		p.Status = always(constants.JobStatusInProgress)
		clock := testutil.NewClock(t0.Add(time.Hour))
		tr := NewTracker(p, TrackerConfig{PollIntervalMin: time.Second, JobTimeout: 30 * time.Minute}, nil, nil, clock)

		job, err := tr.Track(ctx, submittedJob("batch_001", 0), nil)
		var pte *common.PollingTimeoutError
		require.ErrorAs(t, err, &pte)
		assert.True(t, job.LocalTimeout)
		assert.Equal(t, 1, p.Polls("batch_001"))
		assert.Empty(t, clock.Sleeps())
		assert.Empty(t, p.Cancelled(), "no remote cancel unless configured")
	})

	t.Run("cancellation returns the context error", func(t *testing.T) {
		p := testutil.NewProvider()
		tr := NewTracker(p, TrackerConfig{CancelOnAbort: true}, nil, nil, testutil.NewClock(t0))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		job, err := tr.Track(cctx, submittedJob("batch_001", 0), nil)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, constants.JobStatusPending, job.Status)
		assert.Equal(t, []string{"batch_001"}, p.Cancelled())
	})
}

func TestTracker_TrackAll(t *testing.T) {
	p := testutil.NewProvider()
	p.Status = func(handle string, n int) llm.StatusReport {
		if handle == "batch_002" {
			return llm.StatusReport{Status: constants.JobStatusInProgress}
		}
		return llm.StatusReport{Status: constants.JobStatusCompleted}
	}
	tr := NewTracker(p, TrackerConfig{PollIntervalMin: time.Minute, JobTimeout: 10 * time.Minute}, nil, nil, testutil.NewClock(t0))

	rejected := entity.BatchJob{SubBatch: 2, Status: constants.JobStatusPending, SubmitError: "rejected"}
	jobs := []entity.BatchJob{submittedJob("batch_001", 0), submittedJob("batch_002", 1), rejected}

	var (
		mu      sync.Mutex
		updated = map[int]int{}
	)
	out, timeouts, err := tr.TrackAll(context.Background(), jobs, func(j entity.BatchJob) {
		mu.Lock()
		defer mu.Unlock()
		updated[j.SubBatch]++
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, constants.JobStatusCompleted, out[0].Status)
	assert.Equal(t, constants.JobStatusFailed, out[1].Status)
	assert.True(t, out[1].LocalTimeout)
	assert.Equal(t, rejected, out[2])
	require.Len(t, timeouts, 1)
	assert.Contains(t, timeouts[0].Error(), "batch_002")
	assert.NotContains(t, updated, 2)
}
