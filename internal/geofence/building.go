package geofence

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// ErrUnknownBuilding is returned when an id is not part of the catalog.
var ErrUnknownBuilding = errors.New("unknown building")

//go:embed campuses.yaml
var defaultCatalogYAML []byte

// Building is a circular geofence around a campus building. Never mutated
// after the catalog is loaded.
type Building struct {
	ID           string  `yaml:"id" json:"id"`
	Name         string  `yaml:"name" json:"name"`
	Address      string  `yaml:"address" json:"address,omitempty"`
	PostalCode   string  `yaml:"postal_code" json:"postal_code,omitempty"`
	City         string  `yaml:"city" json:"city,omitempty"`
	Latitude     float64 `yaml:"latitude" json:"latitude"`
	Longitude    float64 `yaml:"longitude" json:"longitude"`
	RadiusMeters float64 `yaml:"radius_meters" json:"radius_meters"`
}

// Contains reports whether the point lies within the building's radius.
func (b Building) Contains(lat, lon float64) bool {
	return Haversine(lat, lon, b.Latitude, b.Longitude) <= b.RadiusMeters
}

type catalogFile struct {
	Buildings []Building `yaml:"buildings"`
}

// Catalog is the read-only, ordered building list. List order matters: it
// breaks distance ties in Resolve.
type Catalog struct {
	buildings []Building
	index     map[string]int
}

// NewCatalog validates the buildings and builds the id index.
func NewCatalog(buildings []Building) (*Catalog, error) {
	if len(buildings) == 0 {
		return nil, ErrNoBuildings
	}
	c := &Catalog{
		buildings: make([]Building, len(buildings)),
		index:     make(map[string]int, len(buildings)),
	}
	copy(c.buildings, buildings)
	for i, b := range c.buildings {
		if strings.TrimSpace(b.ID) == "" {
			return nil, fmt.Errorf("building %d: missing id", i)
		}
		if _, dup := c.index[b.ID]; dup {
			return nil, fmt.Errorf("building %q: duplicate id", b.ID)
		}
		if !ValidCoordinate(b.Latitude, b.Longitude) {
			return nil, fmt.Errorf("building %q: %w", b.ID, ErrInvalidCoordinate)
		}
		if b.RadiusMeters <= 0 {
			return nil, fmt.Errorf("building %q: radius must be positive", b.ID)
		}
		c.index[b.ID] = i
	}
	return c, nil
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewCatalog(file.Buildings)
}

// LoadCatalog reads a YAML catalog from disk. An empty path yields the
// built-in campus list.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the embedded Kortrijk campus list.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// All returns a copy of the buildings in catalog order.
func (c *Catalog) All() []Building {
	out := make([]Building, len(c.buildings))
	copy(out, c.buildings)
	return out
}

// Lookup finds a building by id.
func (c *Catalog) Lookup(id string) (Building, bool) {
	i, ok := c.index[id]
	if !ok {
		return Building{}, false
	}
	return c.buildings[i], true
}

// Len returns the number of buildings.
func (c *Catalog) Len() int {
	return len(c.buildings)
}

// Resolve places a coordinate against the whole catalog.
func (c *Catalog) Resolve(lat, lon float64) (Resolution, error) {
	return Resolve(lat, lon, c.buildings)
}
