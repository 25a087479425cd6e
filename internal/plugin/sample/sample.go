// Package sample is a deterministic compiled-in source. It serves no
// real site: it exists for dry runs, contract tests and as the smallest
// possible reference for plugin authors.
package sample

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
)

const (
	SourceName  = "Sample Source"
	defaultBase = "https://sample.example"
)

type catalogEntry struct {
	title        string
	slug         string
	episodeCount int
	rating       float64
	year         int
	genres       []string
	description  string
	status       string
}

var catalog = []catalogEntry{
	{
		title:        "Attack on Titan",
		slug:         "attack-on-titan",
		episodeCount: 25,
		rating:       9.0,
		year:         2013,
		genres:       []string{"Action", "Drama"},
		description:  "Humanity fights for survival behind three concentric walls.",
		status:       "FINISHED",
	},
	{
		title:        "Cowboy Bebop",
		slug:         "cowboy-bebop",
		episodeCount: 26,
		rating:       8.9,
		year:         1998,
		genres:       []string{"Sci-Fi", "Adventure"},
		description:  "Bounty hunters drift across the solar system.",
		status:       "FINISHED",
	},
}

var episodeQualities = []models.Quality{models.QualityHigh, models.QualityMedium, models.QualityLow}

// Source is the sample plugin.
type Source struct {
	baseURL string
	// streamBase lets tests point resolved URLs at an httptest server.
	streamBase string
}

// New builds the sample source. Recognized config keys: "base_url" and
// "stream_base" (both strings).
func New(cfg map[string]interface{}) (plugin.Plugin, error) {
	s := &Source{baseURL: defaultBase, streamBase: defaultBase}
	if v, ok := cfg["base_url"].(string); ok && v != "" {
		s.baseURL = strings.TrimSuffix(v, "/")
	}
	if v, ok := cfg["stream_base"].(string); ok && v != "" {
		s.streamBase = strings.TrimSuffix(v, "/")
	}
	return s, nil
}

func (s *Source) Metadata() models.PluginMetadata {
	return models.PluginMetadata{
		Name:             SourceName,
		Version:          "1.0.0",
		Author:           "anifetch",
		Description:      "Deterministic built-in source for tests and dry runs",
		Website:          defaultBase,
		SupportedQuality: episodeQualities,
	}
}

func (s *Source) Search(ctx context.Context, query string) ([]*models.AnimeResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.NewSearchError("empty search query")
	}
	needle := strings.ToLower(query)

	var results []*models.AnimeResult
	for _, entry := range catalog {
		if !strings.Contains(strings.ToLower(entry.title), needle) {
			continue
		}
		results = append(results, &models.AnimeResult{
			Title:        entry.title,
			URL:          fmt.Sprintf("%s/anime/%s", s.baseURL, entry.slug),
			Source:       SourceName,
			EpisodeCount: entry.episodeCount,
			Description:  entry.description,
			Year:         entry.year,
			Genres:       entry.genres,
			Rating:       entry.rating,
			Status:       entry.status,
		})
	}
	return results, nil
}

func (s *Source) Episodes(ctx context.Context, animeURL string) ([]models.Episode, error) {
	entry, ok := s.lookup(animeURL)
	if !ok {
		return nil, models.NewPluginError(SourceName, "unrecognized anime URL: "+animeURL)
	}

	episodes := make([]models.Episode, 0, entry.episodeCount)
	for n := 1; n <= entry.episodeCount; n++ {
		ep := models.NewEpisode(n, "", fmt.Sprintf("%s/anime/%s/episode/%d", s.baseURL, entry.slug, n), SourceName, episodeQualities)
		ep.IsFiller = n%10 == 0
		ep.Duration = "24:00"
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

func (s *Source) ResolveStream(ctx context.Context, episodeURL string, quality models.Quality) (string, map[string]string, error) {
	entry, ok := s.lookup(episodeURL)
	if !ok {
		return "", nil, models.NewPluginError(SourceName, "unrecognized episode URL: "+episodeURL)
	}
	num, ok := trailingNumber(episodeURL)
	if !ok {
		return "", nil, models.NewPluginError(SourceName, "episode URL carries no episode number: "+episodeURL)
	}

	chosen, ok := models.ClosestQuality(quality, episodeQualities)
	if !ok {
		return "", nil, models.NewPluginError(SourceName, "no stream found")
	}
	streamURL := fmt.Sprintf("%s/media/%s/%d/%s.mp4", s.streamBase, entry.slug, num, chosen)
	headers := map[string]string{"Referer": s.baseURL}
	return streamURL, headers, nil
}

func (s *Source) ValidateConnection(ctx context.Context) bool { return true }

func (s *Source) Cleanup() {}

func (s *Source) lookup(rawURL string) (catalogEntry, bool) {
	for _, entry := range catalog {
		if strings.Contains(rawURL, "/anime/"+entry.slug) {
			return entry, true
		}
	}
	return catalogEntry{}, false
}

func trailingNumber(rawURL string) (int, bool) {
	idx := strings.LastIndex(rawURL, "/episode/")
	if idx < 0 {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(rawURL[idx+len("/episode/"):], "%d", &n); err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
