// Package github polls repository statistics from the GitHub REST API and
// exposes them as a scheduled-refresh state source. The poll cadence is
// owned by the refresh schedule, which keeps API call frequency bounded
// regardless of query volume.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// RepoStats is the subset of the /repos/{owner}/{repo} response we track.
type RepoStats struct {
	FullName    string `json:"full_name"`
	Stars       int64  `json:"stargazers_count"`
	Forks       int64  `json:"forks_count"`
	OpenIssues  int64  `json:"open_issues_count"`
	Subscribers int64  `json:"subscribers_count"`
}

// Client is a minimal GitHub REST client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. baseURL may be empty for api.github.com;
// token may be empty for anonymous (rate-limited) access.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// RepoStats fetches current statistics for owner/repo.
func (c *Client) RepoStats(ctx context.Context, owner, repo string) (RepoStats, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RepoStats{}, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RepoStats{}, fmt.Errorf("github: fetch %s/%s: %w", owner, repo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RepoStats{}, fmt.Errorf("github: fetch %s/%s: status %d", owner, repo, resp.StatusCode)
	}

	var stats RepoStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return RepoStats{}, fmt.Errorf("github: decode response: %w", err)
	}
	if stats.FullName == "" {
		stats.FullName = owner + "/" + repo
	}
	return stats, nil
}
