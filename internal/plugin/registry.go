package plugin

import (
	"sort"
	"sync"

	"github.com/lucasmonteiro/anifetch/internal/models"
	"github.com/lucasmonteiro/anifetch/internal/util"
)

// Registry discovers and owns plugin instances. It is the single point
// through which the orchestrator and download engine obtain plugins.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	configs      map[string]models.SourceConfig
	active       map[string]Plugin
}

// NewRegistry creates an empty registry. Register compiled-in plugins
// with RegisterConstructor, then call Load with the source configs.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		configs:      make(map[string]models.SourceConfig),
		active:       make(map[string]Plugin),
	}
}

// RegisterConstructor adds a compiled-in plugin under name.
func (r *Registry) RegisterConstructor(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Load instantiates every registered plugin whose config enables it,
// injecting the per-plugin config map. Plugins without a config entry
// stay disabled. Construction failures are logged and skipped so one
// broken source cannot take the session down.
func (r *Registry) Load(configs map[string]models.SourceConfig) error {
	r.mu.Lock()
	ctors := make(map[string]Constructor, len(r.constructors))
	for name, ctor := range r.constructors {
		ctors[name] = ctor
	}
	r.configs = configs
	r.mu.Unlock()

	built := make(map[string]Plugin)
	for name, ctor := range ctors {
		cfg, ok := configs[name]
		if !ok || !cfg.Enabled {
			util.Debugf("source %s disabled, skipping", name)
			continue
		}
		if err := cfg.Validate(); err != nil {
			return models.NewConfigurationError("source %s: %v", name, err)
		}
		p, err := ctor(cfg.Config)
		if err != nil {
			util.Warnf("failed to initialize source %s: %v", name, err)
			continue
		}
		built[name] = p
	}

	r.mu.Lock()
	old := r.active
	r.active = built
	r.mu.Unlock()

	for name, p := range old {
		if _, still := built[name]; !still {
			p.Cleanup()
		}
	}
	return nil
}

// Reload tears down all loaded plugins and re-instantiates them from the
// current configuration.
func (r *Registry) Reload() error {
	r.mu.RLock()
	configs := r.configs
	r.mu.RUnlock()

	r.CleanupAll()
	return r.Load(configs)
}

// Get returns the named plugin when loaded.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.active[name]
	return p, ok
}

// Active returns the loaded plugins ordered by priority (lower value
// first), name as tiebreak for stable output.
func (r *Registry) Active() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		name     string
		priority int
		plugin   Plugin
	}
	entries := make([]entry, 0, len(r.active))
	for name, p := range r.active {
		priority := 100
		if cfg, ok := r.configs[name]; ok {
			priority = cfg.Priority
		}
		entries = append(entries, entry{name: name, priority: priority, plugin: p})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].name < entries[j].name
	})

	out := make([]Plugin, len(entries))
	for i, e := range entries {
		out[i] = e.plugin
	}
	return out
}

// Names lists the loaded plugin names in priority order.
func (r *Registry) Names() []string {
	plugins := r.Active()
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Metadata().Name
	}
	return names
}

// CleanupAll releases every loaded plugin. Called at shutdown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	old := r.active
	r.active = make(map[string]Plugin)
	r.mu.Unlock()

	for _, p := range old {
		p.Cleanup()
	}
}
