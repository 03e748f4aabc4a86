package apprise

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediagrab/internal/config"
	"github.com/mediagrab/internal/jobs"
)

type captured struct {
	mu    sync.Mutex
	paths []string
	reqs  []NotifyRequest
}

func newServer(t *testing.T, status int) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req NotifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		got.mu.Lock()
		got.paths = append(got.paths, r.URL.Path)
		got.reqs = append(got.reqs, req)
		got.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestNotifyJob(t *testing.T) {
	srv, got := newServer(t, http.StatusOK)
	c := NewClient(config.AppriseConfig{Enabled: true, BaseURL: srv.URL, Key: "mediagrab"})

	require.NoError(t, c.NotifyJob(jobs.Job{ID: "a", Type: jobs.TypeVideo, URL: "https://v.example.com/a", Status: jobs.StatusSucceeded, Result: "/api/v1/download/a"}))
	require.NoError(t, c.NotifyJob(jobs.Job{ID: "b", Type: jobs.TypeAudio, URL: "https://v.example.com/b", Status: jobs.StatusFailed, Error: "HTTP Error 403"}))
	require.NoError(t, c.NotifyJob(jobs.Job{ID: "c", Status: jobs.StatusCancelled}))

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Len(t, got.reqs, 2)
	assert.Equal(t, []string{"/notify/mediagrab", "/notify/mediagrab"}, got.paths)
	assert.Equal(t, "success", got.reqs[0].Type)
	assert.Equal(t, "all", got.reqs[0].Tag)
	assert.Contains(t, got.reqs[0].Body, "/api/v1/download/a")
	assert.Equal(t, "failure", got.reqs[1].Type)
	assert.Contains(t, got.reqs[1].Body, "HTTP Error 403")
}

func TestNotifyDisabled(t *testing.T) {
	srv, got := newServer(t, http.StatusOK)
	c := NewClient(config.AppriseConfig{Enabled: false, BaseURL: srv.URL})

	require.NoError(t, c.NotifyJob(jobs.Job{ID: "a", Status: jobs.StatusSucceeded}))

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Empty(t, got.reqs)
}

func TestNotifyErrorStatus(t *testing.T) {
	srv, _ := newServer(t, http.StatusBadRequest)
	c := NewClient(config.AppriseConfig{Enabled: true, BaseURL: srv.URL, Key: "k", Tag: "ops"})

	err := c.Notify("title", "body", "info")
	assert.ErrorContains(t, err, "apprise error")
}
