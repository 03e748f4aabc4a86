package jobs

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

var (
	videoQualityPattern = regexp.MustCompile(`^\d{1,4}$`)
	audioQualityPattern = regexp.MustCompile(`^\d{1,4}[kK]?$`)
	subLangPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]{1,35}$`)
)

// Request is what a client submits to create a job.
// Cookies is opaque and never stored on the Job.
type Request struct {
	URL     string
	Type    Type
	Quality string
	SubLang string
	Cookies string
}

// ParseType maps the wire names (including the short aliases) to a Type.
// An empty name selects video.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "video":
		return TypeVideo, nil
	case "audio":
		return TypeAudio, nil
	case "subs", "subtitles":
		return TypeSubtitles, nil
	case "thumb", "thumbnail":
		return TypeThumbnail, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, name)
	}
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: url required", ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed url: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported url scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url has no host", ErrInvalidRequest)
	}
	return nil
}

// Validate normalises the request in place and reports the first problem.
func (r *Request) Validate() error {
	r.URL = strings.TrimSpace(r.URL)
	if err := ValidateURL(r.URL); err != nil {
		return err
	}

	t, err := ParseType(string(r.Type))
	if err != nil {
		return err
	}
	r.Type = t

	r.Quality = strings.TrimSpace(r.Quality)
	if r.Quality != "" {
		switch r.Type {
		case TypeVideo:
			if !videoQualityPattern.MatchString(r.Quality) {
				return fmt.Errorf("%w: video quality must be a height in pixels, got %q", ErrInvalidRequest, r.Quality)
			}
		case TypeAudio:
			if !audioQualityPattern.MatchString(r.Quality) {
				return fmt.Errorf("%w: audio quality must be a bitrate, got %q", ErrInvalidRequest, r.Quality)
			}
		}
	}

	r.SubLang = strings.TrimSpace(r.SubLang)
	if r.SubLang != "" && !subLangPattern.MatchString(r.SubLang) {
		return fmt.Errorf("%w: invalid subtitle language %q", ErrInvalidRequest, r.SubLang)
	}

	return nil
}
