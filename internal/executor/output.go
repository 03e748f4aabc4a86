package executor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mediagrab/internal/jobs"
)

// Stage labels reported while a job runs.
const (
	StageMetadata   = "fetching metadata"
	StageVideo      = "downloading video"
	StageAudio      = "downloading audio"
	StageSubtitles  = "downloading subtitles"
	StageThumbnail  = "downloading thumbnail"
	StageMerging    = "merging"
	StageEncoding   = "encoding"
	StageFinalizing = "finalizing"
)

var (
	percentRe     = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)
	destinationRe = regexp.MustCompile(`Destination: .*\.([A-Za-z0-9]+)$`)
)

var downloadStages = map[jobs.Type]string{
	jobs.TypeVideo:     StageVideo,
	jobs.TypeAudio:     StageAudio,
	jobs.TypeSubtitles: StageSubtitles,
	jobs.TypeThumbnail: StageThumbnail,
}

// outputTracker turns yt-dlp output lines into stage and progress reports.
type outputTracker struct {
	report     Reporter
	typeStage  string
	downloaded bool
}

func newOutputTracker(t jobs.Type, report Reporter) *outputTracker {
	return &outputTracker{report: report, typeStage: downloadStages[t]}
}

func (o *outputTracker) handle(line string) {
	stage, pct, ok := parseLine(line)
	if stage != "" {
		o.downloaded = true
		o.report.Stage(stage)
	}
	if ok {
		if !o.downloaded {
			o.downloaded = true
			o.report.Stage(o.typeStage)
		}
		o.report.Progress(pct)
	}
}

// parseLine extracts a stage change and/or a percentage from one line.
func parseLine(line string) (stage string, pct int, ok bool) {
	switch {
	case strings.Contains(line, "[Merger]") || strings.Contains(line, "Merging formats"):
		return StageMerging, 0, false
	case strings.HasPrefix(line, "[ExtractAudio]"),
		strings.Contains(line, "Convertor]"),
		strings.HasPrefix(line, "[FFmpeg"):
		return StageEncoding, 0, false
	}

	if m := destinationRe.FindStringSubmatch(line); len(m) == 2 {
		switch strings.ToLower(m[1]) {
		case "mp4", "webm", "mkv":
			return StageVideo, 0, false
		case "m4a", "mp3", "opus", "ogg":
			return StageAudio, 0, false
		case "srt", "vtt", "ass":
			return StageSubtitles, 0, false
		case "jpg", "jpeg", "webp", "png":
			return StageThumbnail, 0, false
		}
		return "", 0, false
	}

	if m := percentRe.FindStringSubmatch(line); len(m) == 2 {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil || f > 100 {
			return "", 0, false
		}
		return "", int(f), true
	}
	return "", 0, false
}
