package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/pkg/logger"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("mediagrab"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// Publisher is the part of Client the lifecycle hook needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// JobEvent is published once per job when it reaches a terminal state.
type JobEvent struct {
	JobID      string      `json:"job_id"`
	Type       jobs.Type   `json:"type"`
	URL        string      `json:"url"`
	Status     jobs.Status `json:"status"`
	Result     string      `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	FinishedAt time.Time   `json:"finished_at"`
}

// NewJobEvent builds the lifecycle event for a finished job.
func NewJobEvent(job jobs.Job) JobEvent {
	ev := JobEvent{
		JobID:      job.ID,
		Type:       job.Type,
		URL:        job.URL,
		Status:     job.Status,
		Result:     job.Result,
		Error:      job.Error,
	}
	if job.FinishedAt != nil {
		ev.FinishedAt = *job.FinishedAt
		if job.StartedAt != nil {
			ev.DurationMs = job.FinishedAt.Sub(*job.StartedAt).Milliseconds()
		}
	}
	return ev
}

// Subject returns "<prefix>.<status>", e.g. "mediagrab.jobs.succeeded".
func Subject(prefix string, status jobs.Status) string {
	return prefix + "." + string(status)
}

// JobHook returns a finish hook that publishes lifecycle events under prefix.
func JobHook(p Publisher, prefix string) func(jobs.Job) {
	return func(job jobs.Job) {
		subject := Subject(prefix, job.Status)
		if err := p.PublishJSON(subject, NewJobEvent(job)); err != nil {
			logger.Job(job.ID).Warnf("⚠️ Failed to publish %s: %v", subject, err)
		}
	}
}
