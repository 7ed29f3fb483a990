// Package upgrade checks GitHub for newer releases.
package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	githubRepo = "pandeptwidyaop/devflow"
	githubAPI  = "https://api.github.com/repos/" + githubRepo + "/releases/latest"
)

// GitHubRelease is the part of a release the checker reads.
type GitHubRelease struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
}

// Checker fetches the latest release.
type Checker struct {
	Client *http.Client
	URL    string
}

func NewChecker() *Checker {
	return &Checker{Client: &http.Client{Timeout: 10 * time.Second}, URL: githubAPI}
}

// Latest returns the newest published release.
func (c *Checker) Latest(ctx context.Context) (*GitHubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to check for updates: HTTP %d", resp.StatusCode)
	}

	var release GitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to parse release info: %w", err)
	}
	return &release, nil
}

// NeedsUpgrade reports whether latest is newer than current. Development
// builds ("dev" or a describe suffix such as v1.2.0-3-gabc) always do.
func NeedsUpgrade(current, latest string) bool {
	current = strings.TrimPrefix(current, "v")
	latest = strings.TrimPrefix(latest, "v")
	if latest == "" {
		return false
	}
	if current == "dev" || strings.Contains(current, "-") {
		return true
	}

	cur, lat := parts(current), parts(latest)
	for i := 0; i < max(len(cur), len(lat)); i++ {
		var a, b int
		if i < len(cur) {
			a = cur[i]
		}
		if i < len(lat) {
			b = lat[i]
		}
		if a != b {
			return b > a
		}
	}
	return false
}

func parts(v string) []int {
	fields := strings.Split(strings.SplitN(v, "-", 2)[0], ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		out[i], _ = strconv.Atoi(f)
	}
	return out
}
