// Package sources keeps the catalogue of content source plugins.
package sources

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JeremiahM37/librarr/internal/librarr"
)

// Meta describes a source for the API surface.
type Meta struct {
	Name         string `json:"name"`
	Label        string `json:"label"`
	Enabled      bool   `json:"enabled"`
	Tab          string `json:"search_tab"`
	Downloadable bool   `json:"downloadable"`
}

// Registry holds source plugins by name. Registration happens during wiring;
// lookups are concurrent-safe.
type Registry struct {
	logger *zap.Logger

	mu      sync.RWMutex
	byName  map[string]librarr.Source
	ordered []string
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		byName: make(map[string]librarr.Source),
	}
}

// Register adds a source. Names are unique; a duplicate registration is
// rejected so a misconfigured wiring fails loudly at startup.
func (r *Registry) Register(src librarr.Source) error {
	name := src.Name()
	if name == "" {
		return fmt.Errorf("source has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("source %q already registered", name)
	}
	r.byName[name] = src
	r.ordered = append(r.ordered, name)

	status := "disabled"
	if src.Enabled() {
		status = "enabled"
	}
	r.logger.Info("source registered",
		zap.String("source", name),
		zap.String("label", src.Label()),
		zap.String("tab", src.Tab()),
		zap.String("status", status))
	return nil
}

// Get returns the source by name.
func (r *Registry) Get(name string) (librarr.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.byName[name]
	return src, ok
}

// Enabled returns the enabled sources belonging to a search tab, in
// registration order.
func (r *Registry) Enabled(tab string) []librarr.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []librarr.Source
	for _, name := range r.ordered {
		src := r.byName[name]
		if src.Enabled() && src.Tab() == tab {
			out = append(out, src)
		}
	}
	return out
}

// Metadata describes every registered source, sorted by name.
func (r *Registry) Metadata() []Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meta, 0, len(r.byName))
	for name, src := range r.byName {
		_, downloadable := src.(librarr.Downloader)
		out = append(out, Meta{
			Name:         name,
			Label:        src.Label(),
			Enabled:      src.Enabled(),
			Tab:          src.Tab(),
			Downloadable: downloadable,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
