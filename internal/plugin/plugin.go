// Package plugin defines the per-site driver contract and the registry
// that owns driver instances for the lifetime of a session.
package plugin

import (
	"context"

	"github.com/lucasmonteiro/anifetch/internal/models"
)

// Plugin is the uniform contract every site driver implements.
type Plugin interface {
	// Search returns catalog hits for the query. Fails with SearchError
	// on an empty query and NetworkError on transport failure. Results
	// need not be deduplicated; the orchestrator does that.
	Search(ctx context.Context, query string) ([]*models.AnimeResult, error)

	// Episodes lists the episodes of the anime at animeURL, sorted
	// ascending by number. Fails with PluginError when the URL is not
	// recognized.
	Episodes(ctx context.Context, animeURL string) ([]models.Episode, error)

	// ResolveStream turns an episode URL into a direct media or HLS URL
	// plus any headers the CDN requires. When the requested quality is
	// unavailable the plugin picks the closest rung not exceeding it,
	// else the lowest available.
	ResolveStream(ctx context.Context, episodeURL string, quality models.Quality) (string, map[string]string, error)

	// ValidateConnection is a lightweight reachability probe.
	ValidateConnection(ctx context.Context) bool

	// Metadata describes the plugin; read-only after construction.
	Metadata() models.PluginMetadata

	// Cleanup releases the plugin's HTTP client and any headless browser
	// it owns.
	Cleanup()
}

// Constructor builds a plugin from its opaque config map. Each plugin
// validates its own keys; the core never introspects the map.
type Constructor func(cfg map[string]interface{}) (Plugin, error)
