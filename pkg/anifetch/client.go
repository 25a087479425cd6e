// Package anifetch is the embeddable API: multi-source anime search,
// episode listing, stream resolution and downloads without the CLI.
package anifetch

import (
	"context"

	"github.com/lucasmonteiro/anifetch/internal/config"
	"github.com/lucasmonteiro/anifetch/internal/downloader"
	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/plugin"
	"github.com/lucasmonteiro/anifetch/internal/plugin/allanime"
	"github.com/lucasmonteiro/anifetch/internal/plugin/animefire"
	"github.com/lucasmonteiro/anifetch/internal/plugin/animetsu"
	"github.com/lucasmonteiro/anifetch/internal/search"
)

// Re-exported domain types so callers never import internal packages.
type (
	AnimeResult   = models.AnimeResult
	Episode       = models.Episode
	Quality       = models.Quality
	TaskSnapshot  = models.TaskSnapshot
	SourceConfig  = models.SourceConfig
	Settings      = config.Settings
	SearchOptions = search.Options
	SortPolicy    = search.SortPolicy
)

// Quality rungs.
const (
	QualityLow    = models.QualityLow
	QualityMedium = models.QualityMedium
	QualityHigh   = models.QualityHigh
	QualityUltra  = models.QualityUltra
	QualityFourK  = models.QualityFourK
)

// Sort policies.
const (
	SortRelevance = search.SortRelevance
	SortRating    = search.SortRating
	SortYear      = search.SortYear
	SortEpisodes  = search.SortEpisodes
	SortTitle     = search.SortTitle
)

// DefaultSettings returns the engine defaults.
func DefaultSettings() Settings { return config.DefaultSettings() }

// DefaultSources enables every compiled-in source.
func DefaultSources() map[string]SourceConfig { return config.DefaultSources() }

// Client bundles the plugin registry, the search orchestrator and the
// download engine behind one handle.
type Client struct {
	registry *plugin.Registry
	orch     *search.Orchestrator
	engine   *downloader.Engine
	settings Settings
}

// NewClient builds a client with default settings and every compiled-in
// source enabled.
func NewClient() (*Client, error) {
	return NewClientWithConfig(DefaultSettings(), DefaultSources())
}

// NewClientWithConfig builds a client from explicit settings and source
// configuration.
func NewClientWithConfig(settings Settings, sources map[string]SourceConfig) (*Client, error) {
	settings.Clamp()

	registry := plugin.NewRegistry()
	registry.RegisterConstructor(allanime.SourceName, allanime.New)
	registry.RegisterConstructor(animefire.SourceName, animefire.New)
	registry.RegisterConstructor(animetsu.SourceName, animetsu.New)
	if err := registry.Load(sources); err != nil {
		return nil, err
	}

	return &Client{
		registry: registry,
		orch:     search.NewOrchestrator(registry),
		engine:   downloader.NewEngine(registry, settings, nil),
		settings: settings,
	}, nil
}

// Search runs the query across active sources and returns deduplicated,
// ranked results.
func (c *Client) Search(ctx context.Context, query string, opts SearchOptions) ([]*AnimeResult, error) {
	return c.orch.Search(ctx, query, opts)
}

// Episodes lists the episodes of the anime at animeURL using the named
// source.
func (c *Client) Episodes(ctx context.Context, source, animeURL string) ([]Episode, error) {
	p, ok := c.registry.Get(source)
	if !ok {
		return nil, models.NewPluginError(source, "source is not active")
	}
	return p.Episodes(ctx, animeURL)
}

// ResolveStream returns the downloadable stream URL and the request
// headers it requires.
func (c *Client) ResolveStream(ctx context.Context, source, episodeURL string, quality Quality) (string, map[string]string, error) {
	p, ok := c.registry.Get(source)
	if !ok {
		return "", nil, models.NewPluginError(source, "source is not active")
	}
	return p.ResolveStream(ctx, episodeURL, quality)
}

// DownloadEpisode downloads one episode and returns its final state.
func (c *Client) DownloadEpisode(ctx context.Context, animeTitle string, ep Episode, quality Quality) (TaskSnapshot, error) {
	return c.engine.DownloadEpisode(ctx, animeTitle, ep, quality)
}

// DownloadBatch downloads episodes concurrently, bounded by the
// configured concurrency, and returns every final state.
func (c *Client) DownloadBatch(ctx context.Context, animeTitle string, eps []Episode, quality Quality) ([]TaskSnapshot, error) {
	return c.engine.DownloadBatch(ctx, animeTitle, eps, quality)
}

// Sources lists the active source names in priority order.
func (c *Client) Sources() []string { return c.registry.Names() }

// Close releases plugin resources (HTTP pools, browser instances).
func (c *Client) Close() { c.registry.CleanupAll() }
