package llm

import (
	"sort"
	"strings"
	"sync"
)

// CatalogEntry describes one known model.
type CatalogEntry struct {
	ID         string   `json:"id"`
	Provider   string   `json:"provider"`
	Aliases    []string `json:"aliases,omitempty"`
	Deprecated bool     `json:"deprecated,omitempty"`
	ReplacedBy string   `json:"replaced_by,omitempty"`
}

// Catalog resolves model names and aliases. The not-found recovery path
// uses it to map a rejected model name to a current equivalent.
type Catalog struct {
	mu      sync.RWMutex
	byID    map[string]CatalogEntry
	byAlias map[string]string
}

// NewCatalog creates a catalog seeded with the given entries.
func NewCatalog(entries ...CatalogEntry) *Catalog {
	c := &Catalog{
		byID:    make(map[string]CatalogEntry),
		byAlias: make(map[string]string),
	}
	for _, e := range entries {
		c.Add(e)
	}
	return c
}

// Add registers an entry and its aliases.
func (c *Catalog) Add(e CatalogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[e.ID] = e
	for _, alias := range e.Aliases {
		c.byAlias[normalizeModelName(alias)] = e.ID
	}
}

// Resolve returns the canonical model id for name, following aliases and
// deprecation redirects. The second return is false when name is unknown.
func (c *Catalog) Resolve(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := normalizeModelName(name)
	if id, ok := c.byAlias[key]; ok {
		key = normalizeModelName(id)
	}
	for id, e := range c.byID {
		if normalizeModelName(id) != key {
			continue
		}
		if e.Deprecated && e.ReplacedBy != "" {
			return e.ReplacedBy, true
		}
		return e.ID, true
	}
	return "", false
}

// Alternate returns a different known model id for the same provider as
// name, used when the provider reports the model as missing. Returns false
// when no alternate exists.
func (c *Catalog) Alternate(name string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	provider := ""
	if e, ok := c.byID[name]; ok {
		provider = e.Provider
	} else if id, ok := c.byAlias[normalizeModelName(name)]; ok {
		provider = c.byID[id].Provider
	}

	candidates := make([]string, 0, len(c.byID))
	for id, e := range c.byID {
		if id == name || e.Deprecated {
			continue
		}
		if provider == "" || e.Provider == provider {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

func normalizeModelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
