package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// FILE SCHEMA
// =============================================================================
//
//   version: "2025.1"
//   materials:
//     - {id: koran, name: Newspaper, unit_price: 2000, category: paper}
//   categories:
//     paper: {carbon: 0.9, water: 26, energy: 4.1, trees: 0.017, landfill: 0.0031}
//
// The same shape is accepted as JSON.

// TableJSON is the on-disk representation of a catalog.
type TableJSON struct {
	Version    string                     `json:"version" yaml:"version"`
	Materials  []MaterialJSON             `json:"materials" yaml:"materials"`
	Categories map[string]MultipliersJSON `json:"categories" yaml:"categories"`
}

type MaterialJSON struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	UnitPrice float64 `json:"unit_price" yaml:"unit_price"`
	Category  string  `json:"category" yaml:"category"`
}

type MultipliersJSON struct {
	Carbon   float64 `json:"carbon" yaml:"carbon"`
	Water    float64 `json:"water" yaml:"water"`
	Energy   float64 `json:"energy" yaml:"energy"`
	Trees    float64 `json:"trees" yaml:"trees"`
	Landfill float64 `json:"landfill" yaml:"landfill"`
}

//go:embed default.json
var defaultTable []byte

// Format selects the decoder used by Parse.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Default returns the catalog built from the embedded table.
func Default(opts ...Option) *Catalog {
	c, err := Parse(defaultTable, FormatJSON, opts...)
	if err != nil {
		// The embedded table is validated by tests; this is unreachable.
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog file; the format follows the extension.
func Load(path string, opts ...Option) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	format := FormatJSON
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	}
	return Parse(data, format, opts...)
}

// Parse decodes and validates a catalog table.
func Parse(data []byte, format Format, opts ...Option) (*Catalog, error) {
	var table TableJSON
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &table)
	default:
		err = json.Unmarshal(data, &table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	return FromTable(table, opts...)
}

// FromTable converts a decoded table into a Catalog.
func FromTable(table TableJSON, opts ...Option) (*Catalog, error) {
	if table.Version == "" {
		return nil, fmt.Errorf("catalog version is required")
	}

	materials := make([]Material, 0, len(table.Materials))
	seen := make(map[string]bool, len(table.Materials))
	for _, m := range table.Materials {
		if m.ID == "" {
			return nil, fmt.Errorf("material id is required")
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate material id %q", m.ID)
		}
		if m.UnitPrice < 0 {
			return nil, fmt.Errorf("material %q: unit price cannot be negative", m.ID)
		}
		seen[m.ID] = true

		category := CategoryID(m.Category)
		if category == "" {
			category = CategoryDefault
		}
		materials = append(materials, Material{
			ID:        MaterialID(m.ID),
			Name:      m.Name,
			UnitPrice: decimal.NewFromFloat(m.UnitPrice),
			Category:  category,
		})
	}

	categories := make(map[CategoryID]Multipliers, len(table.Categories))
	for id, m := range table.Categories {
		if m.Carbon < 0 || m.Water < 0 || m.Energy < 0 || m.Trees < 0 || m.Landfill < 0 {
			return nil, fmt.Errorf("category %q: multipliers cannot be negative", id)
		}
		categories[CategoryID(id)] = Multipliers{
			Carbon:   decimal.NewFromFloat(m.Carbon),
			Water:    decimal.NewFromFloat(m.Water),
			Energy:   decimal.NewFromFloat(m.Energy),
			Trees:    decimal.NewFromFloat(m.Trees),
			Landfill: decimal.NewFromFloat(m.Landfill),
		}
	}

	c := New(table.Version, materials, categories, opts...)
	if len(c.materials) == 0 {
		c.logger.Warn("catalog has no materials", zap.String("catalog_version", table.Version))
	}
	return c, nil
}
