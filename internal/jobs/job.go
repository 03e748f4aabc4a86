package jobs

import (
	"time"
)

// Status represents the current state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type is the kind of artifact a job extracts.
type Type string

const (
	TypeVideo     Type = "video"
	TypeAudio     Type = "audio"
	TypeSubtitles Type = "subtitles"
	TypeThumbnail Type = "thumbnail"
)

// Job is one tracked extraction. Values handed out by the Registry are
// copies; mutate through the Registry only.
type Job struct {
	ID      string `json:"id"`
	Type    Type   `json:"type"`
	URL     string `json:"url"`
	Quality string `json:"quality,omitempty"`
	SubLang string `json:"sub_lang,omitempty"`

	Status          Status `json:"status"`
	Stage           string `json:"stage,omitempty"`
	Progress        int    `json:"progress"`
	Result          string `json:"result,omitempty"` // Artifact reference, set on success
	Error           string `json:"error,omitempty"`  // Set on failure
	CancelRequested bool   `json:"cancel_requested"`

	// ArtifactPath is the server-local file behind Result
	ArtifactPath string `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a pending job for a validated request.
func NewJob(id string, req Request) *Job {
	return &Job{
		ID:        id,
		Type:      req.Type,
		URL:       req.URL,
		Quality:   req.Quality,
		SubLang:   req.SubLang,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}
