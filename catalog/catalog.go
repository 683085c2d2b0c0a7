// Package catalog names the rasters the service can display and maps game
// zones and stages onto them.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// MaxStage is the last game stage. A stage spans one 8-day composite, so
// 50 stages cover about a year of imagery.
const MaxStage = 50

// maxSuggestions caps the names offered by NotFoundError.
const maxSuggestions = 3

var ErrInvalidStage = errors.New("invalid stage")

// Entry is a displayable raster.
type Entry struct {
	Name string `json:"name"`
	// Zone groups the rasters of one climate zone, ordered by name.
	Zone string `json:"zone,omitempty"`
	URL  string `json:"url"`
	// Boundary optionally points to a GeoJSON FeatureCollection whose
	// bounding box anchors the overlay instead of the raster's own.
	Boundary string `json:"boundary,omitempty"`
}

// NotFoundError is returned for unknown names, with the closest known
// ones.
type NotFoundError struct {
	Name        string
	Suggestions []string
}

func (e *NotFoundError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("raster %q not found", e.Name)
	}
	return fmt.Sprintf("raster %q not found, did you mean %s?", e.Name, strings.Join(e.Suggestions, ", "))
}

// Catalog is an immutable set of entries.
type Catalog struct {
	entries []Entry
	byName  map[string]int
	zones   map[string][]int
}

// New builds a catalog. Names must be unique and every entry needs a URL.
func New(entries ...Entry) (*Catalog, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	c := &Catalog{
		entries: sorted,
		byName:  make(map[string]int, len(sorted)),
		zones:   make(map[string][]int),
	}
	for i, e := range sorted {
		if e.Name == "" {
			return nil, fmt.Errorf("catalog entry %d has no name", i)
		}
		if e.URL == "" {
			return nil, fmt.Errorf("catalog entry %q has no url", e.Name)
		}
		if _, ok := c.byName[e.Name]; ok {
			return nil, fmt.Errorf("duplicate catalog entry %q", e.Name)
		}
		c.byName[e.Name] = i
		if e.Zone != "" {
			c.zones[e.Zone] = append(c.zones[e.Zone], i)
		}
	}
	return c, nil
}

// ReadFile decodes a JSON array of entries.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog %s: %w", path, err)
	}
	return entries, nil
}

// FromSources turns name to URL pairs into zone-less entries.
func FromSources(sources map[string]string) []Entry {
	entries := make([]Entry, 0, len(sources))
	for name, u := range sources {
		entries = append(entries, Entry{Name: name, URL: u})
	}
	return entries
}

// List returns every entry sorted by name.
func (c *Catalog) List() []Entry {
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Len returns the entry count.
func (c *Catalog) Len() int { return len(c.entries) }

// Lookup returns the entry called name.
func (c *Catalog) Lookup(name string) (Entry, error) {
	if i, ok := c.byName[name]; ok {
		return c.entries[i], nil
	}
	return Entry{}, &NotFoundError{Name: name, Suggestions: c.suggest(name)}
}

// Zones returns the zone names, sorted.
func (c *Catalog) Zones() []string {
	zones := make([]string, 0, len(c.zones))
	for z := range c.zones {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones
}

// ForStage returns the raster shown at a game stage in zone. Stages past
// the last raster of the zone keep showing that last raster.
func (c *Catalog) ForStage(zone string, stage int) (Entry, error) {
	if stage < 1 || stage > MaxStage {
		return Entry{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidStage, stage, MaxStage)
	}
	idx, ok := c.zones[zone]
	if !ok {
		return Entry{}, &NotFoundError{Name: zone, Suggestions: suggest(zone, c.Zones())}
	}
	return c.entries[idx[min(stage-1, len(idx)-1)]], nil
}

func (c *Catalog) suggest(name string) []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return suggest(name, names)
}

func suggest(name string, candidates []string) []string {
	type scored struct {
		name string
		dist int
	}
	var hits []scored
	lower := strings.ToLower(name)
	for _, cand := range candidates {
		dist := levenshtein.ComputeDistance(lower, strings.ToLower(cand))
		if dist > levenshteinLimit(len(cand)) {
			continue
		}
		hits = append(hits, scored{cand, dist})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].name < hits[j].name
		}
		return hits[i].dist < hits[j].dist
	})

	out := make([]string, 0, maxSuggestions)
	for _, h := range hits {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, h.name)
	}
	return out
}

func levenshteinLimit(length int) int {
	switch {
	case length <= 4:
		return 1
	case length <= 8:
		return 2
	default:
		return 3
	}
}
