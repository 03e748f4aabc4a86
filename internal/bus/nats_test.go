package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediagrab/internal/jobs"
)

type recorder struct {
	subjects []string
	values   []any
	err      error
}

func (r *recorder) PublishJSON(subject string, v any) error {
	r.subjects = append(r.subjects, subject)
	r.values = append(r.values, v)
	return r.err
}

func TestJobHookPublishesPerStatus(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	rec := &recorder{}
	hook := JobHook(rec, "mediagrab.jobs")

	hook(jobs.Job{
		ID:         "a",
		Type:       jobs.TypeAudio,
		URL:        "https://video.example.com/a",
		Status:     jobs.StatusSucceeded,
		Result:     "/api/v1/download/a",
		StartedAt:  &start,
		FinishedAt: &end,
	})
	hook(jobs.Job{ID: "b", Status: jobs.StatusCancelled, FinishedAt: &start})

	assert.Equal(t, []string{"mediagrab.jobs.succeeded", "mediagrab.jobs.cancelled"}, rec.subjects)

	require.Len(t, rec.values, 2)
	ev, ok := rec.values[0].(JobEvent)
	require.True(t, ok)
	assert.Equal(t, "a", ev.JobID)
	assert.Equal(t, "/api/v1/download/a", ev.Result)
	assert.Equal(t, int64(1500), ev.DurationMs)

	cancelled, ok := rec.values[1].(JobEvent)
	require.True(t, ok)
	assert.Zero(t, cancelled.DurationMs)
}

func TestJobHookSwallowsPublishErrors(t *testing.T) {
	rec := &recorder{err: errors.New("nats: connection closed")}
	assert.NotPanics(t, func() {
		JobHook(rec, "x")(jobs.Job{ID: "a", Status: jobs.StatusFailed, Error: "boom"})
	})
	assert.Equal(t, []string{"x.failed"}, rec.subjects)
}
