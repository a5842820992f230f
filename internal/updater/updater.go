// Package updater asks GitHub whether a newer serial-mcp release exists.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultRepo is the GitHub repository releases are published from.
	DefaultRepo = "standardbeagle/serial-mcp"
	// DefaultBaseURL is the GitHub API root.
	DefaultBaseURL = "https://api.github.com"
)

// Release is the subset of a GitHub release the checker reads.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
	Body        string    `json:"body"`
}

// Version returns the tag without a leading v.
func (r *Release) Version() string {
	if strings.HasPrefix(strings.ToLower(r.TagName), "v") {
		return r.TagName[1:]
	}
	return r.TagName
}

// Info is the result of one check.
type Info struct {
	Available      bool   `json:"available"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version,omitempty"`
	ReleaseURL     string `json:"release_url,omitempty"`
}

// Checker queries the latest release of one repository.
type Checker struct {
	Repo    string
	BaseURL string
	Client  *http.Client
}

// NewChecker returns a checker for repo with a 10 second timeout. An empty
// repo means DefaultRepo.
func NewChecker(repo string) *Checker {
	if repo == "" {
		repo = DefaultRepo
	}
	return &Checker{
		Repo:    repo,
		BaseURL: DefaultBaseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Latest fetches the latest published release.
func (c *Checker) Latest(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", strings.TrimRight(c.BaseURL, "/"), c.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	// GitHub rejects requests without a User-Agent.
	req.Header.Set("User-Agent", "serial-mcp-updater")
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("github API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rel Release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return &rel, nil
}

// Check compares current against the latest release.
func (c *Checker) Check(ctx context.Context, current string) (Info, error) {
	info := Info{CurrentVersion: strings.TrimPrefix(current, "v")}
	rel, err := c.Latest(ctx)
	if err != nil {
		return info, err
	}
	info.LatestVersion = rel.Version()
	info.ReleaseURL = rel.HTMLURL
	newer, err := Newer(info.LatestVersion, info.CurrentVersion)
	if err != nil {
		return info, err
	}
	info.Available = newer
	return info, nil
}

// Newer reports whether version a is greater than b. Pre-release and build
// suffixes are ignored.
func Newer(a, b string) (bool, error) {
	va, err := parse(a)
	if err != nil {
		return false, err
	}
	vb, err := parse(b)
	if err != nil {
		return false, err
	}
	for i := range va {
		if va[i] != vb[i] {
			return va[i] > vb[i], nil
		}
	}
	return false, nil
}

func parse(version string) ([3]int, error) {
	var v [3]int
	s := strings.TrimPrefix(strings.TrimPrefix(version, "v"), "V")
	if i := strings.IndexAny(s, "-+"); i > 0 {
		s = s[:i]
	}
	n, err := fmt.Sscanf(s, "%d.%d.%d", &v[0], &v[1], &v[2])
	if err != nil || n != 3 {
		return v, fmt.Errorf("invalid version format: %s", version)
	}
	return v, nil
}
