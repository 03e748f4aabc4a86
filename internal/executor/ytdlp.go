package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mediagrab/internal/config"
	"github.com/mediagrab/internal/fileops"
	"github.com/mediagrab/internal/jobs"
	"github.com/mediagrab/pkg/logger"
)

var (
	// ErrUnsupportedURL is returned when yt-dlp has no extractor for the URL.
	ErrUnsupportedURL = errors.New("unsupported url")
	// ErrProbeFailed wraps any other metadata probe failure.
	ErrProbeFailed = errors.New("probe failed")
)

// Reporter receives stage and progress updates from a running extraction.
type Reporter interface {
	Stage(label string)
	Progress(pct int)
}

// artifactExts lists the produced file extensions per job type, preferred first.
var artifactExts = map[jobs.Type][]string{
	jobs.TypeVideo:     {"mp4", "mkv", "webm"},
	jobs.TypeAudio:     {"mp3", "m4a", "opus", "ogg", "wav"},
	jobs.TypeSubtitles: {"srt", "vtt", "ass"},
	jobs.TypeThumbnail: {"jpg", "jpeg", "webp", "png"},
}

// YTDLP runs yt-dlp for probing and extraction.
type YTDLP struct {
	cfg config.ExtractorConfig
}

// NewYTDLP creates a new yt-dlp executor.
func NewYTDLP(cfg config.ExtractorConfig) *YTDLP {
	return &YTDLP{cfg: cfg}
}

// WorkDir returns the directory holding a job's files.
func (y *YTDLP) WorkDir(jobID string) string {
	return filepath.Join(y.cfg.DownloadDir, jobID)
}

// Discard removes everything a job left on disk.
func (y *YTDLP) Discard(jobID string) error {
	return fileops.RemoveAll(y.WorkDir(jobID))
}

// Probe fetches the available formats for rawURL.
func (y *YTDLP) Probe(ctx context.Context, rawURL, cookies string) (*MediaInfo, error) {
	if y.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.cfg.ProbeTimeout)
		defer cancel()
	}

	tmpDir, err := os.MkdirTemp("", "mediagrab-probe-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cookieFile, cleanup, err := writeCookieFile(cookies, tmpDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"-J", "--no-warnings", "--skip-download", "--no-playlist"}
	if cookieFile != "" {
		args = append(args, "--cookies", cookieFile)
	}
	args = append(args, "--", rawURL)

	logger.Debugf("🔎 Probing: %s", rawURL)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, y.cfg.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		switch {
		case strings.Contains(msg, "Unsupported URL"):
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, msg)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: timed out after %v", ErrProbeFailed, y.cfg.ProbeTimeout)
		case msg != "":
			return nil, fmt.Errorf("%w: %s", ErrProbeFailed, msg)
		default:
			return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
		}
	}

	info, err := parseMediaInfo(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	return info, nil
}

// Extract downloads the artifact for job into its work directory and
// returns the produced file. Cancelling ctx kills yt-dlp.
func (y *YTDLP) Extract(ctx context.Context, job jobs.Job, cookies string, report Reporter) (string, error) {
	dir := y.WorkDir(job.ID)
	if err := fileops.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	report.Stage(StageMetadata)

	cookieFile, cleanup, err := writeCookieFile(cookies, dir)
	if err != nil {
		return "", fmt.Errorf("cookies: %w", err)
	}
	defer cleanup()

	args := buildArgs(job, dir, cookieFile, y.cfg.Args)
	log := logger.Job(job.ID)
	log.Debugf("  Command: %s %s", y.cfg.Binary, strings.Join(args, " "))

	tracker := newOutputTracker(job.Type, report)
	if err := y.run(ctx, args, tracker.handle); err != nil {
		return "", err
	}

	report.Stage(StageFinalizing)

	path, err := fileops.FindArtifact(dir, artifactExts[job.Type], cookieFileName)
	if err != nil {
		return "", fmt.Errorf("locate output: %w", err)
	}
	if err := fileops.WaitStable(ctx, path, 500*time.Millisecond, 3); err != nil {
		return "", fmt.Errorf("wait for output: %w", err)
	}

	log.Infof("✅ Extracted: %s", filepath.Base(path))
	return path, nil
}

func (y *YTDLP) run(ctx context.Context, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, y.cfg.Binary, args...)
	cmd.WaitDelay = 5 * time.Second

	// Both streams go through one pipe so lines keep their relative order.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	tail := newTailBuffer(20)
	var wg sync.WaitGroup
	wg.Add(1)
	go StreamLines(&wg, pr, tail, onLine)

	if err := cmd.Start(); err != nil {
		pw.Close()
		wg.Wait()
		return fmt.Errorf("start %s: %w", y.cfg.Binary, err)
	}

	err := cmd.Wait()
	pw.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if out := tail.String(); out != "" {
			return fmt.Errorf("%s failed: %w\n%s", filepath.Base(y.cfg.Binary), err, out)
		}
		return fmt.Errorf("%s failed: %w", filepath.Base(y.cfg.Binary), err)
	}
	return nil
}

// buildArgs assembles the yt-dlp command line for job.
func buildArgs(job jobs.Job, dir, cookieFile string, extra []string) []string {
	nameTmpl := "%(title)s_%(resolution)s.%(ext)s"
	switch job.Type {
	case jobs.TypeAudio:
		nameTmpl = "%(title)s_audio.%(ext)s"
	case jobs.TypeSubtitles:
		nameTmpl = "%(title)s.%(ext)s"
	case jobs.TypeThumbnail:
		nameTmpl = "%(title)s_thumb.%(ext)s"
	}

	args := []string{
		"--newline",
		"--no-playlist",
		"--progress-template", "download:%(progress._percent_str)s",
		"-o", filepath.Join(dir, nameTmpl),
	}

	switch job.Type {
	case jobs.TypeAudio:
		args = append(args, "-f", "bestaudio", "-x", "--audio-format", "mp3")
		if job.Quality != "" {
			args = append(args, "--audio-quality", job.Quality)
		}
	case jobs.TypeSubtitles:
		lang := job.SubLang
		if lang == "" {
			lang = "en"
		}
		args = append(args,
			"--skip-download", "--write-subs", "--write-auto-subs",
			"--sub-langs", lang, "--sub-format", "srt/best", "--convert-subs", "srt")
	case jobs.TypeThumbnail:
		args = append(args, "--skip-download", "--write-thumbnail", "--convert-thumbnails", "jpg")
	default:
		format := "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]/best"
		if job.Quality != "" {
			format = fmt.Sprintf(
				"bestvideo[ext=mp4][height<=%[1]s]+bestaudio[ext=m4a]/best[ext=mp4][height<=%[1]s]/best[height<=%[1]s]/best",
				job.Quality)
		}
		args = append(args, "-f", format, "--merge-output-format", "mp4")
	}

	if cookieFile != "" {
		args = append(args, "--cookies", cookieFile)
	}
	args = append(args, extra...)
	return append(args, "--", job.URL)
}
