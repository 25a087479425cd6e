// Package search fans a query out across the active plugins and merges
// the answers into one ranked, deduplicated result list.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

// SortPolicy selects the ranking applied after deduplication.
type SortPolicy string

const (
	SortRelevance SortPolicy = "relevance"
	SortRating    SortPolicy = "rating"
	SortYear      SortPolicy = "year"
	SortEpisodes  SortPolicy = "episodes"
	SortTitle     SortPolicy = "title"
)

// Options tunes a single search call.
type Options struct {
	// Source restricts the search to one plugin by name; empty means all.
	Source string
	// Limit truncates the final list; <=0 means no truncation.
	Limit int
	// Sort selects the ranking policy; empty means relevance.
	Sort SortPolicy
	// Timeout bounds each per-plugin task; <=0 uses the default.
	Timeout time.Duration
	// MaxConcurrent bounds plugin fan-out; <=0 means unbounded.
	MaxConcurrent int
}

const defaultTimeout = 15 * time.Second

// Orchestrator coordinates multi-source searches over a registry.
type Orchestrator struct {
	registry *plugin.Registry
}

func NewOrchestrator(registry *plugin.Registry) *Orchestrator {
	return &Orchestrator{registry: registry}
}

// Search runs the query across the active plugins. A single plugin's
// failure or timeout contributes an empty set; only a fully empty
// active-plugin snapshot or an empty query fail fast.
func (o *Orchestrator) Search(ctx context.Context, query string, opts Options) ([]*models.AnimeResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewSearchError("empty search query")
	}

	plugins := o.snapshot(opts.Source)
	if len(plugins) == 0 {
		if opts.Source != "" {
			return nil, models.NewSearchError("No active plugins match source %q", opts.Source)
		}
		return nil, models.NewSearchError("No active plugins enabled")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	type sourceResult struct {
		name    string
		results []*models.AnimeResult
		err     error
	}
	resultCh := make(chan sourceResult, len(plugins))

	var sem chan struct{}
	if opts.MaxConcurrent > 0 {
		sem = make(chan struct{}, opts.MaxConcurrent)
	}

	var wg sync.WaitGroup
	for _, p := range plugins {
		wg.Add(1)
		go func(p plugin.Plugin) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			name := p.Metadata().Name
			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			results, err := p.Search(taskCtx, query)
			resultCh <- sourceResult{name: name, results: results, err: err}
		}(p)
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var merged []*models.AnimeResult
	failures := 0
	for res := range resultCh {
		if res.err != nil {
			failures++
			util.Warnf("source %s failed: %v", res.name, res.err)
			continue
		}
		util.Debugf("source %s returned %d results", res.name, len(res.results))
		merged = append(merged, res.results...)
	}

	if len(merged) == 0 && failures == len(plugins) {
		return nil, models.NewSearchError("all %d sources failed for query %q", failures, query)
	}

	deduped := Dedup(merged)
	Rank(deduped, opts.Sort)

	if opts.Limit > 0 && len(deduped) > opts.Limit {
		deduped = deduped[:opts.Limit]
	}
	return deduped, nil
}

func (o *Orchestrator) snapshot(source string) []plugin.Plugin {
	active := o.registry.Active()
	if source == "" {
		return active
	}
	var filtered []plugin.Plugin
	for _, p := range active {
		if strings.EqualFold(p.Metadata().Name, source) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

// Dedup collapses results sharing a normalized-title key, keeping the
// one with the highest (rating, episode count, description length)
// tuple. First-seen order of surviving keys is preserved, so the
// operation is idempotent.
func Dedup(results []*models.AnimeResult) []*models.AnimeResult {
	byKey := make(map[string]*models.AnimeResult, len(results))
	order := make([]string, 0, len(results))
	for _, r := range results {
		key := r.NormalizedKey()
		existing, seen := byKey[key]
		if !seen {
			byKey[key] = r
			order = append(order, key)
			continue
		}
		if r.BetterThan(existing) {
			byKey[key] = r
		}
	}

	out := make([]*models.AnimeResult, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// Rank sorts results in place by the chosen policy. All sorts are
// stable.
func Rank(results []*models.AnimeResult, policy SortPolicy) {
	var less func(a, b *models.AnimeResult) bool
	switch policy {
	case SortRating:
		less = func(a, b *models.AnimeResult) bool { return a.Rating > b.Rating }
	case SortYear:
		less = func(a, b *models.AnimeResult) bool { return a.Year > b.Year }
	case SortEpisodes:
		less = func(a, b *models.AnimeResult) bool { return a.EpisodeCount > b.EpisodeCount }
	case SortTitle:
		less = func(a, b *models.AnimeResult) bool {
			return strings.ToLower(a.Title) < strings.ToLower(b.Title)
		}
	default: // relevance
		less = func(a, b *models.AnimeResult) bool {
			if a.Rating != b.Rating {
				return a.Rating > b.Rating
			}
			if len(a.Description) != len(b.Description) {
				return len(a.Description) > len(b.Description)
			}
			return a.EpisodeCount > b.EpisodeCount
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return less(results[i], results[j]) })
}
