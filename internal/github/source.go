package github

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KohlJary/statebus/internal/query"
	"github.com/KohlJary/statebus/internal/source"
)

// SourceID is the registered identifier for GitHub repository stats.
const SourceID = "github"

// Repo names one repository to poll.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// ParseRepos parses a comma-separated "owner/name,owner/name" list.
func ParseRepos(s string) ([]Repo, error) {
	var repos []Repo
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		owner, name, ok := strings.Cut(part, "/")
		if !ok || owner == "" || name == "" {
			return nil, fmt.Errorf("github: malformed repo %q, want owner/name", part)
		}
		repos = append(repos, Repo{Owner: owner, Name: name})
	}
	return repos, nil
}

var metricSamples = map[string]func(s RepoStats) float64{
	"stars":       func(s RepoStats) float64 { return float64(s.Stars) },
	"forks":       func(s RepoStats) float64 { return float64(s.Forks) },
	"open_issues": func(s RepoStats) float64 { return float64(s.OpenIssues) },
	"watchers":    func(s RepoStats) float64 { return float64(s.Subscribers) },
}

// StatsSource answers state queries about GitHub repositories from the last
// polled snapshot. Refresh is SCHEDULED: queries never trigger API calls.
type StatsSource struct {
	*source.Base
	client *Client
	repos  []Repo
	logger *slog.Logger
}

// NewSource creates a scheduled source polling the given repos every
// interval (<= 0 gets the package default).
func NewSource(client *Client, repos []Repo, interval time.Duration, logger *slog.Logger) *StatsSource {
	s := &StatsSource{
		client: client,
		repos:  repos,
		logger: logger,
	}
	s.Base = source.NewBase(source.Config{
		Strategy:         source.RefreshScheduled,
		ScheduleInterval: interval,
		Compute:          s.poll,
		Logger:           logger,
	})
	return s
}

func (s *StatsSource) SourceID() string { return SourceID }

func (s *StatsSource) Schema() query.SourceSchema {
	return query.SourceSchema{
		SourceID: SourceID,
		Metrics: []query.MetricDefinition{
			{
				Name:            "stars",
				Description:     "Stargazer count across tracked repositories",
				DataType:        query.TypeInt,
				SupportsDelta:   true,
				Unit:            "stars",
				Tags:            []string{"stars", "popularity", "github"},
				SemanticSummary: "Star counts for tracked GitHub repositories. Use this for questions about stars, popularity, or repo growth.",
			},
			{
				Name:          "forks",
				Description:   "Fork count across tracked repositories",
				DataType:      query.TypeInt,
				SupportsDelta: true,
				Unit:          "forks",
				Tags:          []string{"forks", "github"},
			},
			{
				Name:        "open_issues",
				Description: "Open issues and pull requests across tracked repositories",
				DataType:    query.TypeInt,
				Unit:        "issues",
				Tags:        []string{"issues", "bugs", "backlog", "github"},
			},
			{
				Name:        "watchers",
				Description: "Subscriber count across tracked repositories",
				DataType:    query.TypeInt,
				Unit:        "watchers",
				Tags:        []string{"watchers", "subscribers", "github"},
			},
		},
		Aggregations: query.AggFuncs(),
		GroupBy:      []string{"repo"},
		FilterKeys:   []string{"repo"},
	}
}

// ExecuteQuery answers from the polled snapshot. Time specs are accepted but
// only the current snapshot exists; the result's metadata carries the poll
// time so callers can judge freshness.
func (s *StatsSource) ExecuteQuery(ctx context.Context, q query.StateQuery) (query.QueryResult, error) {
	snapshot := s.snapshotStats()
	if v, ok := q.Filters["repo"]; ok {
		filtered := snapshot[:0:0]
		for _, st := range snapshot {
			if st.FullName == v {
				filtered = append(filtered, st)
			}
		}
		snapshot = filtered
	}

	agg := q.Aggregation
	if agg == "" {
		agg = query.AggSum
	}

	var value any
	switch {
	case q.GroupBy == "repo":
		value = s.groupedByRepo(snapshot, q.MetricOrAll(), agg)
	case q.MetricOrAll() == query.MetricAll:
		all := make(map[string]any, len(metricSamples))
		for name, sample := range metricSamples {
			all[name] = query.Aggregate(agg, collect(snapshot, sample))
		}
		value = all
	default:
		sample, ok := metricSamples[q.Metric]
		if !ok {
			return query.QueryResult{}, fmt.Errorf("github: no handler for metric %q", q.Metric)
		}
		value = query.Aggregate(agg, collect(snapshot, sample))
	}

	result := query.NewResult(q, value, map[string]any{
		"repo_count": len(snapshot),
		"polled_at":  s.LastRefresh().Format(time.RFC3339),
	})
	if age, ok := s.CacheAge(); ok {
		result = result.WithStaleness(age, s.Stale())
	}
	return result, nil
}

// groupedByRepo computes the requested metric per repository. Metric "all"
// expands to the full per-repo stat map.
func (s *StatsSource) groupedByRepo(snapshot []RepoStats, metricName string, agg query.AggFunc) map[string]any {
	out := make(map[string]any, len(snapshot))
	for _, st := range snapshot {
		if metricName == query.MetricAll {
			out[st.FullName] = map[string]any{
				"stars":       st.Stars,
				"forks":       st.Forks,
				"open_issues": st.OpenIssues,
				"watchers":    st.Subscribers,
			}
			continue
		}
		if sample, ok := metricSamples[metricName]; ok {
			out[st.FullName] = query.Aggregate(agg, []float64{sample(st)})
		}
	}
	return out
}

// poll fetches every tracked repo. A single repo failure fails the whole
// refresh so the prior consistent snapshot stays in place.
func (s *StatsSource) poll(ctx context.Context) (source.Rollups, error) {
	rollups := make(source.Rollups, len(s.repos))
	for _, repo := range s.repos {
		stats, err := s.client.RepoStats(ctx, repo.Owner, repo.Name)
		if err != nil {
			return nil, err
		}
		rollups[stats.FullName] = map[string]any{
			"stars":       stats.Stars,
			"forks":       stats.Forks,
			"open_issues": stats.OpenIssues,
			"watchers":    stats.Subscribers,
		}
	}
	return rollups, nil
}

// snapshotStats reconstructs typed stats from the rollup cache.
func (s *StatsSource) snapshotStats() []RepoStats {
	rollups := s.PrecomputedRollups()
	out := make([]RepoStats, 0, len(rollups))
	for fullName, fields := range rollups {
		st := RepoStats{FullName: fullName}
		if v, ok := fields["stars"].(int64); ok {
			st.Stars = v
		}
		if v, ok := fields["forks"].(int64); ok {
			st.Forks = v
		}
		if v, ok := fields["open_issues"].(int64); ok {
			st.OpenIssues = v
		}
		if v, ok := fields["watchers"].(int64); ok {
			st.Subscribers = v
		}
		out = append(out, st)
	}
	return out
}

func collect(snapshot []RepoStats, sample func(RepoStats) float64) []float64 {
	samples := make([]float64, len(snapshot))
	for i, st := range snapshot {
		samples[i] = sample(st)
	}
	return samples
}
