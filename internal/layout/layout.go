// Package layout loads the panel layout and derives the entity set the
// connectivity core keeps in sync.
package layout

import (
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/ha-sync/internal/errors"
	"gopkg.in/yaml.v3"
)

// forecastWidget is the widget type that renders a multi-day forecast.
const forecastWidget = "weather_3day"

// File is the on-disk layout. YAML is a superset of JSON so both parse.
type File struct {
	Pages []Page `yaml:"pages" json:"pages"`
}

// Page is a screen of widgets.
type Page struct {
	Widgets []Widget `yaml:"widgets" json:"widgets"`
}

// Widget references up to two entities.
type Widget struct {
	Type              string `yaml:"type" json:"type"`
	EntityID          string `yaml:"entity_id" json:"entity_id"`
	SecondaryEntityID string `yaml:"secondary_entity_id" json:"secondary_entity_id"`
}

// Snapshot is the derived entity set of one layout revision.
type Snapshot struct {
	// EntityIDs holds unique ids in layout order.
	EntityIDs     []string
	NeedsForecast bool
	Signature     uint32
}

// Equal reports whether two snapshots describe the same entity set.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Signature == o.Signature &&
		len(s.EntityIDs) == len(o.EntityIDs) &&
		s.NeedsForecast == o.NeedsForecast
}

// Contains reports whether id is referenced by the layout.
func (s Snapshot) Contains(id string) bool {
	return slices.Contains(s.EntityIDs, id)
}

// Parse decodes layout bytes and derives the snapshot.
func Parse(data []byte) (Snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", errors.ErrLayoutInvalid, err)
	}

	return f.Snapshot(), nil
}

// Snapshot derives the unique entity ids and forecast flag.
func (f File) Snapshot() Snapshot {
	var snap Snapshot

	seen := make(map[string]struct{})
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}

		if _, dup := seen[id]; dup {
			return
		}

		seen[id] = struct{}{}
		snap.EntityIDs = append(snap.EntityIDs, id)
	}

	for _, p := range f.Pages {
		for _, w := range p.Widgets {
			add(w.EntityID)
			add(w.SecondaryEntityID)

			if w.Type == forecastWidget {
				snap.NeedsForecast = true
			}
		}
	}

	snap.Signature = Signature(snap.EntityIDs)

	return snap
}

// Signature is FNV-1a 32 over the sorted ids with a 0xFF byte after each,
// so reordering widgets does not count as a change.
func Signature(ids []string) uint32 {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)

	h := fnv.New32a()
	for _, id := range sorted {
		_, _ = h.Write([]byte(id))
		_, _ = h.Write([]byte{0xFF})
	}

	return h.Sum32()
}

// Provider holds the current snapshot of a layout file.
type Provider struct {
	path string

	mu      sync.RWMutex
	current Snapshot
}

// NewProvider returns a provider for the layout at path. Call Reload to
// read it.
func NewProvider(path string) *Provider {
	return &Provider{path: path}
}

// Path returns the layout file path.
func (p *Provider) Path() string { return p.path }

// Current returns the last loaded snapshot.
func (p *Provider) Current() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.current
}

// Reload reads the file again. changed is true when the derived entity
// set differs from the previous one. A missing file yields an empty
// layout.
func (p *Provider) Reload() (changed bool, err error) {
	data, err := os.ReadFile(p.path)

	var snap Snapshot

	switch {
	case os.IsNotExist(err):
	case err != nil:
		return false, fmt.Errorf("reading layout: %w", err)
	default:
		snap, err = Parse(data)
		if err != nil {
			return false, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	changed = !p.current.Equal(snap)
	p.current = snap

	return changed, nil
}
