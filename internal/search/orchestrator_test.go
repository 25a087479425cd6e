package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/plugin/sample"
)

// fakeSource returns canned results or an error, optionally after a
// delay.
type fakeSource struct {
	name    string
	results []*models.AnimeResult
	err     error
	delay   time.Duration
}

func (f *fakeSource) Search(ctx context.Context, query string) ([]*models.AnimeResult, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.results, f.err
}

func (f *fakeSource) Episodes(ctx context.Context, animeURL string) ([]models.Episode, error) {
	return nil, nil
}

func (f *fakeSource) ResolveStream(ctx context.Context, episodeURL string, quality models.Quality) (string, map[string]string, error) {
	return "", nil, nil
}

func (f *fakeSource) ValidateConnection(ctx context.Context) bool { return true }

func (f *fakeSource) Metadata() models.PluginMetadata {
	return models.PluginMetadata{Name: f.name, Version: "0.0.1"}
}

func (f *fakeSource) Cleanup() {}

func registryWith(t *testing.T, sources ...*fakeSource) *plugin.Registry {
	t.Helper()
	r := plugin.NewRegistry()
	configs := make(map[string]models.SourceConfig, len(sources))
	for i, src := range sources {
		src := src
		r.RegisterConstructor(src.name, func(cfg map[string]interface{}) (plugin.Plugin, error) {
			return src, nil
		})
		configs[src.name] = models.SourceConfig{Enabled: true, Priority: i + 1}
	}
	require.NoError(t, r.Load(configs))
	return r
}

func result(title, source string, rating float64) *models.AnimeResult {
	return &models.AnimeResult{
		Title:  title,
		URL:    "https://" + source + ".example/anime/x",
		Source: source,
		Rating: rating,
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(registryWith(t, &fakeSource{name: "a"}))
	_, err := o.Search(context.Background(), "   ", Options{})
	require.Error(t, err)
	var searchErr *models.SearchError
	assert.True(t, errors.As(err, &searchErr))
}

func TestSearchFailsWithoutActivePlugins(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(plugin.NewRegistry())
	_, err := o.Search(context.Background(), "naruto", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No active plugins enabled")
}

func TestSearchFailsForUnknownSourceFilter(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(registryWith(t, &fakeSource{name: "a"}))
	_, err := o.Search(context.Background(), "naruto", Options{Source: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `No active plugins match source "nope"`)
}

func TestSearchMergesAndDeduplicates(t *testing.T) {
	t.Parallel()

	a := &fakeSource{name: "a", results: []*models.AnimeResult{
		result("Attack on Titan", "a", 8.5),
		result("Cowboy Bebop", "a", 8.9),
	}}
	b := &fakeSource{name: "b", results: []*models.AnimeResult{
		result("Attack On Titan!", "b", 9.0),
	}}

	o := NewOrchestrator(registryWith(t, a, b))
	results, err := o.Search(context.Background(), "anything", Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)

	titles := map[string]float64{}
	for _, r := range results {
		titles[r.NormalizedKey()] = r.Rating
	}
	assert.Equal(t, 9.0, titles["attack on titan"], "higher-rated duplicate survives")
	assert.Contains(t, titles, "cowboy bebop")
}

func TestSearchToleratesPartialFailures(t *testing.T) {
	t.Parallel()

	good := &fakeSource{name: "good", results: []*models.AnimeResult{result("Naruto", "good", 8.0)}}
	bad := &fakeSource{name: "bad", err: errors.New("connection refused")}

	o := NewOrchestrator(registryWith(t, good, bad))
	results, err := o.Search(context.Background(), "naruto", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Naruto", results[0].Title)
}

func TestSearchFailsWhenEverySourceFails(t *testing.T) {
	t.Parallel()

	a := &fakeSource{name: "a", err: errors.New("down")}
	b := &fakeSource{name: "b", err: errors.New("down too")}

	o := NewOrchestrator(registryWith(t, a, b))
	_, err := o.Search(context.Background(), "naruto", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 sources failed")
}

func TestSearchTimesOutSlowSources(t *testing.T) {
	t.Parallel()

	fast := &fakeSource{name: "fast", results: []*models.AnimeResult{result("Bleach", "fast", 7.5)}}
	slow := &fakeSource{name: "slow", delay: 2 * time.Second,
		results: []*models.AnimeResult{result("Bleach Movie", "slow", 7.0)}}

	o := NewOrchestrator(registryWith(t, fast, slow))
	start := time.Now()
	results, err := o.Search(context.Background(), "bleach", Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, "Bleach", results[0].Title)
}

func TestSearchAppliesLimit(t *testing.T) {
	t.Parallel()

	src := &fakeSource{name: "a", results: []*models.AnimeResult{
		result("One", "a", 9), result("Two", "a", 8), result("Three", "a", 7),
	}}
	o := NewOrchestrator(registryWith(t, src))
	results, err := o.Search(context.Background(), "x", Options{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, "One", results[0].Title)
}

func TestDedupIsIdempotent(t *testing.T) {
	t.Parallel()

	input := []*models.AnimeResult{
		result("Attack on Titan", "a", 8.5),
		result("attack ON titan", "b", 9.0),
		result("Cowboy Bebop", "a", 8.9),
	}
	once := Dedup(input)
	twice := Dedup(once)
	assert.Equal(t, once, twice)
	assert.Len(t, once, 2)
}

func TestRankPolicies(t *testing.T) {
	t.Parallel()

	build := func() []*models.AnimeResult {
		return []*models.AnimeResult{
			{Title: "B", Rating: 7.0, Year: 2020, EpisodeCount: 12},
			{Title: "A", Rating: 9.0, Year: 2010, EpisodeCount: 50},
			{Title: "C", Rating: 8.0, Year: 2015, EpisodeCount: 24},
		}
	}

	rs := build()
	Rank(rs, SortRating)
	assert.Equal(t, []string{"A", "C", "B"}, titlesOf(rs))

	rs = build()
	Rank(rs, SortYear)
	assert.Equal(t, []string{"B", "C", "A"}, titlesOf(rs))

	rs = build()
	Rank(rs, SortEpisodes)
	assert.Equal(t, []string{"A", "C", "B"}, titlesOf(rs))

	rs = build()
	Rank(rs, SortTitle)
	assert.Equal(t, []string{"A", "B", "C"}, titlesOf(rs))

	rs = build()
	Rank(rs, SortRelevance)
	assert.Equal(t, "A", rs[0].Title)
}

func titlesOf(rs []*models.AnimeResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Title
	}
	return out
}

func TestSearchAgainstSampleSource(t *testing.T) {
	t.Parallel()

	r := plugin.NewRegistry()
	r.RegisterConstructor(sample.SourceName, sample.New)
	require.NoError(t, r.Load(map[string]models.SourceConfig{
		sample.SourceName: {Enabled: true, Priority: 1},
	}))

	o := NewOrchestrator(r)
	results, err := o.Search(context.Background(), "attack on titan", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Attack on Titan", results[0].Title)
	assert.Equal(t, 25, results[0].EpisodeCount)
	assert.Equal(t, 9.0, results[0].Rating)
}
