package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// MediaInfo describes the formats available for a URL.
type MediaInfo struct {
	Title          string   `json:"title"`
	ThumbURL       string   `json:"thumb_url"`
	VideoQualities []string `json:"video_qualities"` // heights, highest first
	AudioQualities []string `json:"audio_qualities"` // bitrates in kbps, lowest first
	SubLangs       []string `json:"sub_langs"`
}

// probeOutput is the subset of `yt-dlp -J` we read.
type probeOutput struct {
	Title      string `json:"title"`
	Thumbnail  string `json:"thumbnail"`
	Thumbnails []struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
	Formats []struct {
		Vcodec string  `json:"vcodec"`
		Acodec string  `json:"acodec"`
		Height int     `json:"height"`
		Abr    float64 `json:"abr"`
	} `json:"formats"`
	Subtitles map[string]json.RawMessage `json:"subtitles"`
}

func parseMediaInfo(data []byte) (*MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode probe output: %w", err)
	}

	heights := make(map[int]struct{})
	bitrates := make(map[int]struct{})
	for _, f := range out.Formats {
		if f.Vcodec != "none" && f.Height > 0 {
			heights[f.Height] = struct{}{}
		}
		if f.Acodec != "none" && f.Vcodec == "none" && f.Abr > 0 {
			bitrates[int(f.Abr+0.5)] = struct{}{}
		}
	}

	info := &MediaInfo{
		Title:          out.Title,
		ThumbURL:       out.Thumbnail,
		VideoQualities: sortedStrings(heights, true),
		AudioQualities: sortedStrings(bitrates, false),
		SubLangs:       make([]string, 0, len(out.Subtitles)),
	}
	if n := len(out.Thumbnails); n > 0 && out.Thumbnails[n-1].URL != "" {
		info.ThumbURL = out.Thumbnails[n-1].URL
	}
	for lang := range out.Subtitles {
		info.SubLangs = append(info.SubLangs, lang)
	}
	sort.Strings(info.SubLangs)

	return info, nil
}

func sortedStrings(set map[int]struct{}, desc bool) []string {
	values := make([]int, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	if desc {
		sort.Sort(sort.Reverse(sort.IntSlice(values)))
	} else {
		sort.Ints(values)
	}

	result := make([]string, 0, len(values))
	for _, v := range values {
		result = append(result, strconv.Itoa(v))
	}
	return result
}
