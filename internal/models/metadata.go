package models

// PluginMetadata describes a plugin. Read-only after instantiation.
type PluginMetadata struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	Author           string    `json:"author"`
	Description      string    `json:"description"`
	Website          string    `json:"website"`
	SupportedQuality []Quality `json:"supported_quality"`
	RateLimitSeconds float64   `json:"rate_limit_seconds"`
	RequiresAuth     bool      `json:"requires_auth"`
}

// SourceConfig is the per-plugin slice of sources.json. The core reads
// it; persistence lives outside the engine.
type SourceConfig struct {
	Enabled  bool                   `json:"enabled"`
	Priority int                    `json:"priority"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// Validate clamps nothing but rejects priorities outside 1-100.
func (c *SourceConfig) Validate() error {
	if c.Priority < 1 || c.Priority > 100 {
		return NewValidationError("source priority must be within 1-100")
	}
	return nil
}
