package executor

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/mediagrab/internal/fileops"
)

const cookieFileName = "cookies.txt"

// browserCookie is one entry of a browser extension's JSON cookie export.
type browserCookie struct {
	Domain string  `json:"domain"`
	Name   string  `json:"name"`
	Value  string  `json:"value"`
	Path   string  `json:"path"`
	Secure bool    `json:"secure"`
	Expiry float64 `json:"expirationDate"`
}

// jsonToNetscape converts a JSON cookie export into the Netscape cookie
// file format yt-dlp reads.
func jsonToNetscape(raw string) (string, error) {
	var cookies []browserCookie
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		return "", fmt.Errorf("parse cookie json: %w", err)
	}

	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	for _, c := range cookies {
		includeSubdomains := "FALSE"
		if strings.HasPrefix(c.Domain, ".") {
			includeSubdomains = "TRUE"
		}
		secure := "FALSE"
		if c.Secure {
			secure = "TRUE"
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Domain, includeSubdomains, path, secure, int64(math.Round(c.Expiry)), c.Name, c.Value)
	}
	return b.String(), nil
}

// writeCookieFile stores the credential blob (JSON export or Netscape text)
// in dir and returns its path plus a cleanup func. An empty blob yields no file.
func writeCookieFile(raw, dir string) (string, func(), error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", func() {}, nil
	}

	text := raw + "\n"
	if strings.HasPrefix(raw, "[") {
		converted, err := jsonToNetscape(raw)
		if err != nil {
			return "", nil, err
		}
		text = converted
	}

	path := filepath.Join(dir, cookieFileName)
	if err := fileops.WritePrivate(path, []byte(text)); err != nil {
		return "", nil, fmt.Errorf("write cookie file: %w", err)
	}
	return path, func() { _ = fileops.RemoveAll(path) }, nil
}
