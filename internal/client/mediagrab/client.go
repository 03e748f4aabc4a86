package mediagrab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mediagrab/internal/executor"
	"github.com/mediagrab/internal/jobs"
)

var (
	// ErrRejected is returned when the server refuses a request (4xx).
	ErrRejected = errors.New("request rejected")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
)

// Client talks to a mediagrab server.
type Client struct {
	client *resty.Client
	// stream has no timeout; progress streams stay open for the whole job
	stream *resty.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/") + "/api/v1"
	return &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(2 * time.Minute),
		stream: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "text/event-stream"),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// CreateResponse is the body of an accepted job.
type CreateResponse struct {
	Job string `json:"job"`
}

// CancelResponse is the body of a cancel request.
type CancelResponse struct {
	Status string `json:"status"`
}

// Probe returns the formats available for rawURL.
func (c *Client) Probe(ctx context.Context, rawURL, cookies string) (*executor.MediaInfo, error) {
	var info executor.MediaInfo
	var fail errorBody
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"url": rawURL, "cookies": cookies}).
		SetResult(&info).
		SetError(&fail).
		Post("/info")
	if err != nil {
		return nil, fmt.Errorf("probe request: %w", err)
	}
	if err := statusError(resp, fail); err != nil {
		return nil, err
	}
	return &info, nil
}

// CreateJob submits an extraction request and returns the new job id.
func (c *Client) CreateJob(ctx context.Context, req jobs.Request) (string, error) {
	var out CreateResponse
	var fail errorBody
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"url":      req.URL,
			"type":     string(req.Type),
			"quality":  req.Quality,
			"sub_lang": req.SubLang,
			"cookies":  req.Cookies,
		}).
		SetResult(&out).
		SetError(&fail).
		Post("/download")
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if err := statusError(resp, fail); err != nil {
		return "", err
	}
	if out.Job == "" {
		return "", fmt.Errorf("create request: empty job id")
	}
	return out.Job, nil
}

// CancelJob asks the server to cancel id. It returns the status reported by
// the server: "cancel_requested" or the job's terminal status.
func (c *Client) CancelJob(ctx context.Context, id string) (string, error) {
	var out CancelResponse
	var fail errorBody
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&fail).
		Post("/cancel/{id}")
	if err != nil {
		return "", fmt.Errorf("cancel request: %w", err)
	}
	if err := statusError(resp, fail); err != nil {
		return "", err
	}
	return out.Status, nil
}

// GetJob fetches the current state of id.
func (c *Client) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	var fail errorBody
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&job).
		SetError(&fail).
		Get("/jobs/{id}")
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if err := statusError(resp, fail); err != nil {
		return nil, err
	}
	return &job, nil
}

// Subscribe opens the progress stream of id. Close the returned stream to
// detach; cancelling ctx has the same effect.
func (c *Client) Subscribe(ctx context.Context, id string) (*Stream, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetDoNotParseResponse(true).
		Get("/progress/{id}")
	if err != nil {
		return nil, fmt.Errorf("open progress stream: %w", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		body.Close()
		if resp.StatusCode() == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open progress stream: unexpected status %d", resp.StatusCode())
	}
	return newStream(body), nil
}

// Fetch downloads the artifact behind ref (a job result) to dest. When dest
// is a directory the server's file name is kept. It returns the written path.
func (c *Client) Fetch(ctx context.Context, ref, dest string) (string, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.URL(ref))
	if err != nil {
		return "", fmt.Errorf("fetch artifact: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("fetch artifact: unexpected status %d", resp.StatusCode())
	}

	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		name := path.Base(ref)
		if _, params, err := mime.ParseMediaType(resp.Header().Get("Content-Disposition")); err == nil && params["filename"] != "" {
			name = filepath.Base(params["filename"])
		}
		dest = filepath.Join(dest, name)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("fetch artifact: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("fetch artifact: %w", err)
	}
	return dest, f.Close()
}

// URL resolves a server-relative reference such as a job result.
func (c *Client) URL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base := strings.TrimSuffix(c.client.BaseURL, "/api/v1")
	return base + "/" + strings.TrimLeft(ref, "/")
}

func statusError(resp *resty.Response, fail errorBody) error {
	if !resp.IsError() {
		return nil
	}
	msg := fail.Error
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode() < 500:
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	default:
		return fmt.Errorf("server error %d: %s", resp.StatusCode(), msg)
	}
}
