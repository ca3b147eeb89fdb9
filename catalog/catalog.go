/*
Package catalog provides the material price and impact-category table.

PURPOSE:
  Every valuation and every intake line needs to know what a kilogram of a
  material is worth and which environmental category it belongs to. The
  catalog is that lookup table: material ID -> {unit price, category}, and
  category -> {carbon, water, energy, trees, landfill} multipliers.

KEY CONCEPTS:
  - MaterialID:  String key for a material type (e.g., "koran", "botol_plastik")
  - Material:    Name, unit price (currency per kg), impact category
  - CategoryID:  Impact category; unknown materials fall back to "default"
  - Multipliers: Per-kg impact factors for a category

VERSIONING:
  A Catalog is an immutable value with a Version string. It is built once at
  startup (Parse, Load, or Default) and injected into the components that need
  it. There are no package-level mutable price tables; tests build fixtures
  with New.

LOOKUP MISSES:
  Misses are never fatal. UnitPrice returns 0 and logs a data-quality warning,
  Category returns "default", Multipliers returns the default set.

SEE ALSO:
  - loader.go: JSON/YAML parsing and the embedded default table
  - valuation/: Consumers of prices and multipliers
*/
package catalog

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MaterialID string

type CategoryID string

// CategoryDefault is returned for materials the catalog does not know.
const CategoryDefault CategoryID = "default"

// =============================================================================
// TABLE ENTRIES
// =============================================================================

// Material is one row of the price table.
type Material struct {
	ID        MaterialID
	Name      string
	UnitPrice decimal.Decimal // currency per kilogram
	Category  CategoryID
}

// Multipliers are per-kilogram impact factors for a category.
type Multipliers struct {
	Carbon   decimal.Decimal // kg CO2e avoided
	Water    decimal.Decimal // litres saved
	Energy   decimal.Decimal // kWh saved
	Trees    decimal.Decimal // trees preserved
	Landfill decimal.Decimal // m3 of landfill avoided
}

// DataQualityWarning describes a lookup miss that was defaulted.
type DataQualityWarning struct {
	MaterialID MaterialID
	Reason     string
}

func (w DataQualityWarning) String() string {
	return fmt.Sprintf("%s: %s", w.MaterialID, w.Reason)
}

const (
	ReasonUnknownMaterial = "unknown material type"
	ReasonMissingPrice    = "missing unit price"
)

// =============================================================================
// CATALOG
// =============================================================================

type Catalog struct {
	version    string
	materials  map[MaterialID]Material
	categories map[CategoryID]Multipliers
	fallback   Multipliers
	logger     *zap.Logger
}

// Option customizes a Catalog at construction.
type Option func(*Catalog)

// WithLogger sets the logger used for data-quality warnings.
func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDefaultMultipliers sets the multipliers used for unknown categories.
func WithDefaultMultipliers(m Multipliers) Option {
	return func(c *Catalog) { c.fallback = m }
}

// New builds a catalog from explicit tables. The input maps are copied.
func New(version string, materials []Material, categories map[CategoryID]Multipliers, opts ...Option) *Catalog {
	c := &Catalog{
		version:    version,
		materials:  make(map[MaterialID]Material, len(materials)),
		categories: make(map[CategoryID]Multipliers, len(categories)),
		logger:     zap.NewNop(),
	}
	for _, m := range materials {
		c.materials[m.ID] = m
	}
	for id, m := range categories {
		c.categories[id] = m
	}
	if m, ok := c.categories[CategoryDefault]; ok {
		c.fallback = m
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version identifies the table revision this catalog was built from.
func (c *Catalog) Version() string { return c.version }

// Lookup returns the material row, if present.
func (c *Catalog) Lookup(id MaterialID) (Material, bool) {
	m, ok := c.materials[id]
	return m, ok
}

// UnitPrice returns the price per kilogram, or zero for unknown materials.
func (c *Catalog) UnitPrice(id MaterialID) decimal.Decimal {
	price, warning := c.PriceOf(id)
	if warning != nil {
		c.logger.Warn("catalog lookup defaulted",
			zap.String("material", string(id)),
			zap.String("reason", warning.Reason),
			zap.String("catalog_version", c.version),
		)
	}
	return price
}

// PriceOf is UnitPrice without logging; the warning is returned to the caller.
func (c *Catalog) PriceOf(id MaterialID) (decimal.Decimal, *DataQualityWarning) {
	m, ok := c.materials[id]
	if !ok {
		return decimal.Zero, &DataQualityWarning{MaterialID: id, Reason: ReasonUnknownMaterial}
	}
	if !m.UnitPrice.IsPositive() {
		return decimal.Zero, &DataQualityWarning{MaterialID: id, Reason: ReasonMissingPrice}
	}
	return m.UnitPrice, nil
}

// Category returns the impact category of a material.
func (c *Catalog) Category(id MaterialID) CategoryID {
	m, ok := c.materials[id]
	if !ok || m.Category == "" {
		return CategoryDefault
	}
	return m.Category
}

// Multipliers returns the impact factors of a category.
func (c *Catalog) Multipliers(id CategoryID) Multipliers {
	if m, ok := c.categories[id]; ok {
		return m
	}
	return c.fallback
}

// Materials returns all rows sorted by ID.
func (c *Catalog) Materials() []Material {
	out := make([]Material, 0, len(c.materials))
	for _, m := range c.materials {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Categories returns a copy of the category table.
func (c *Catalog) Categories() map[CategoryID]Multipliers {
	out := make(map[CategoryID]Multipliers, len(c.categories))
	for id, m := range c.categories {
		out[id] = m
	}
	return out
}
