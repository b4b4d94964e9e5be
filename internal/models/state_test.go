package models

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingJob() Job {
	now := time.Now()
	return Job{ID: "job-1", TaskType: TaskDemo, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
}

func TestJobLifecycle_Success(t *testing.T) {
	j := newPendingJob()
	now := time.Now()

	require.NoError(t, j.BeginAttempt(now))
	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, 1, j.AttemptCount)
	require.NotNil(t, j.StartedAt)

	changed, err := j.ReportProgress(40, "fetching", now)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, j.Complete(map[string]any{"ok": true}, now))
	assert.Equal(t, StatusCompleted, j.Status)
	assert.NotNil(t, j.CompletedAt)
	assert.Nil(t, j.Error)
}

func TestJobLifecycle_RetryResetsProgress(t *testing.T) {
	j := newPendingJob()
	now := time.Now()

	require.NoError(t, j.BeginAttempt(now))
	_, _ = j.ReportProgress(70, "halfway", now)
	require.NoError(t, j.ScheduleRetry(JobError{Kind: KindTransient, Message: "503"}, now))
	require.NoError(t, j.Requeue(now))
	require.NoError(t, j.BeginAttempt(now))

	assert.Equal(t, 2, j.AttemptCount)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, "", j.CurrentStep)
	require.NotNil(t, j.Error)
	assert.Equal(t, KindTransient, j.Error.Kind)
}

func TestReportProgress_Monotonic(t *testing.T) {
	j := newPendingJob()
	now := time.Now()
	require.NoError(t, j.BeginAttempt(now))

	_, _ = j.ReportProgress(50, "", now)
	changed, err := j.ReportProgress(30, "", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 50, j.Progress)

	_, _ = j.ReportProgress(250, "", now)
	assert.Equal(t, 100, j.Progress)
}

func TestReportProgress_RequiresProcessing(t *testing.T) {
	j := newPendingJob()
	_, err := j.ReportProgress(10, "x", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, st := range terminal {
		t.Run(string(st), func(t *testing.T) {
			j := newPendingJob()
			j.Status = st
			before := j

			for _, to := range Statuses() {
				err := j.Transition(to, time.Now())
				require.ErrorIs(t, err, ErrInvalidTransition)
			}
			assert.ErrorIs(t, j.BeginAttempt(time.Now()), ErrInvalidTransition)
			assert.ErrorIs(t, j.Cancel(time.Now()), ErrInvalidTransition)
			assert.ErrorIs(t, j.Requeue(time.Now()), ErrInvalidTransition)
			assert.Equal(t, before, j)
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusProcessing))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusRetryScheduled, StatusPending))
	assert.True(t, CanTransition(StatusRetryScheduled, StatusCancelled))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
	assert.False(t, CanTransition(StatusRetryScheduled, StatusProcessing))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("bad payload: %w", ErrValidation), KindValidation},
		{fmt.Errorf("forms api: %w", ErrPermission), KindPermission},
		{fmt.Errorf("form: %w", ErrNotFound), KindNotFound},
		{Errorf(KindTransient, "upstream 502"), KindTransient},
		{fmt.Errorf("wrapped: %w", Errorf(KindPermission, "scope")), KindPermission},
		{ErrTimeout, KindTimeout},
		{errors.New("connection reset"), KindTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestJobErrorMatchesSentinel(t *testing.T) {
	err := Errorf(KindNotFound, "missing form %s", "f1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTransient)
	assert.Equal(t, JobError{Kind: KindNotFound, Message: "missing form f1"}, NewJobError(err))
}

func TestKindFromHTTPStatus(t *testing.T) {
	assert.Equal(t, KindTransient, KindFromHTTPStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindTransient, KindFromHTTPStatus(http.StatusBadGateway))
	assert.Equal(t, KindPermission, KindFromHTTPStatus(http.StatusForbidden))
	assert.Equal(t, KindNotFound, KindFromHTTPStatus(http.StatusNotFound))
	assert.Equal(t, KindValidation, KindFromHTTPStatus(http.StatusUnprocessableEntity))
}
