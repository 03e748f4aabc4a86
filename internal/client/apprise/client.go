package apprise

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mediagrab/internal/config"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/pkg/logger"
)

// Client wraps the Apprise API.
type Client struct {
	cfg    config.AppriseConfig
	client *resty.Client
}

// NewClient creates a new Apprise client.
func NewClient(cfg config.AppriseConfig) *Client {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		cfg:    cfg,
		client: client,
	}
}

// NotifyRequest is the request body for Apprise.
type NotifyRequest struct {
	Body  string `json:"body"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"` // info, success, warning, failure
	Tag   string `json:"tag,omitempty"`
}

// Notify sends a notification via Apprise.
func (c *Client) Notify(title, body, notifyType string) error {
	if !c.cfg.Enabled {
		return nil
	}

	tag := c.cfg.Tag
	if tag == "" {
		tag = "all"
	}

	req := NotifyRequest{
		Title: title,
		Body:  body,
		Type:  notifyType,
		Tag:   tag,
	}

	url := fmt.Sprintf("%s/notify/%s", c.cfg.BaseURL, c.cfg.Key)

	resp, err := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(url)

	if err != nil {
		return fmt.Errorf("apprise request: %w", err)
	}

	if resp.StatusCode() >= 400 {
		return fmt.Errorf("apprise error: %s", resp.String())
	}

	logger.Debugf("🔔 Notification sent: %s", title)
	return nil
}

// NotifyJob reports a finished job. Cancelled jobs are not announced.
func (c *Client) NotifyJob(job jobs.Job) error {
	switch job.Status {
	case jobs.StatusSucceeded:
		return c.Notify("✅ Download ready",
			fmt.Sprintf("%s (%s) finished: %s", job.URL, job.Type, job.Result), "success")
	case jobs.StatusFailed:
		return c.Notify("❌ Download failed",
			fmt.Sprintf("%s (%s): %s", job.URL, job.Type, job.Error), "failure")
	default:
		return nil
	}
}

// JobHook adapts NotifyJob to a finish hook that logs delivery errors.
func (c *Client) JobHook() func(jobs.Job) {
	return func(job jobs.Job) {
		if err := c.NotifyJob(job); err != nil {
			logger.Job(job.ID).Warnf("⚠️ Notification failed: %v", err)
		}
	}
}
