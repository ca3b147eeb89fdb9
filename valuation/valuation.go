/*
Package valuation converts observed weights into money, loyalty points, tiers,
and environmental-impact estimates.

PURPOSE:
  These are reporting utilities. None of them return errors: bad input
  (unknown material, missing price, negative or non-numeric numbers) degrades
  to zero or a default and is surfaced as a warning, never as a failure.

KEY CONCEPTS:
  - Observation:   A weight of one material
  - ValueResult:   Σ weight × unit price, per line, plus data-quality warnings
  - Points:        floor(value / ConversionRate)
  - Tier:          Contiguous [Min, Max] point ranges (bronze, silver, ...)
  - Impact:        Category multipliers × weight, summed over completed records

EXAMPLE:
  engine := valuation.NewEngine(catalog.Default())

  result := engine.TotalValue(map[catalog.MaterialID]valuation.Observation{
      "koran": {Weight: decimal.NewFromInt(10)},
  })
  // result.Total = 20000 (10kg × 2000)

  points := engine.PointsFromValue(result.Total) // 200
  tier := engine.TierForPoints(points)           // bronze

SEE ALSO:
  - tiers.go: Tier table and lookup
  - impact.go: Environmental impact fold
  - summary.go: Bank dashboard summary
*/
package valuation

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/wasteledger/catalog"
)

// DefaultConversionRate is the currency amount worth one point.
var DefaultConversionRate = decimal.NewFromInt(100)

// ReasonNegativeWeight marks an observation whose weight was clamped to zero.
const ReasonNegativeWeight = "negative weight"

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	catalog        *catalog.Catalog
	conversionRate decimal.Decimal
	bagSizeKg      decimal.Decimal
	tiers          []Tier
	logger         *zap.Logger
}

type Option func(*Engine)

// WithConversionRate sets the currency amount per point. Non-positive rates
// are ignored.
func WithConversionRate(rate decimal.Decimal) Option {
	return func(e *Engine) {
		if rate.IsPositive() {
			e.conversionRate = rate
		}
	}
}

// WithBagSize sets the kilograms counted as one bag. Non-positive sizes are
// ignored.
func WithBagSize(kg decimal.Decimal) Option {
	return func(e *Engine) {
		if kg.IsPositive() {
			e.bagSizeKg = kg
		}
	}
}

// WithTiers replaces the tier table. Tables failing ValidateTiers are ignored.
func WithTiers(tiers []Tier) Option {
	return func(e *Engine) {
		if ValidateTiers(tiers) == nil {
			e.tiers = append([]Tier(nil), tiers...)
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(c *catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:        c,
		conversionRate: DefaultConversionRate,
		bagSizeKg:      decimal.NewFromInt(1),
		tiers:          DefaultTiers(),
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

func (e *Engine) ConversionRate() decimal.Decimal { return e.conversionRate }

// =============================================================================
// VALUE
// =============================================================================

// Observation is a weighed amount of one material.
type Observation struct {
	Weight decimal.Decimal
}

// ValueLine is the valuation of one observation.
type ValueLine struct {
	MaterialID catalog.MaterialID `json:"material_id"`
	Weight     decimal.Decimal    `json:"weight"`
	UnitPrice  decimal.Decimal    `json:"unit_price"`
	Value      decimal.Decimal    `json:"value"`
}

type ValueResult struct {
	Total    decimal.Decimal
	Lines    []ValueLine
	Warnings []catalog.DataQualityWarning
}

// TotalValue sums weight × unit price. Lines with an unknown material or a
// missing price contribute zero and add a warning.
func (e *Engine) TotalValue(observations map[catalog.MaterialID]Observation) ValueResult {
	ids := make([]catalog.MaterialID, 0, len(observations))
	for id := range observations {
		ids = append(ids, id)
	}
	sortMaterials(ids)

	result := ValueResult{Total: decimal.Zero}
	for _, id := range ids {
		weight := observations[id].Weight
		if weight.IsNegative() {
			e.warn(catalog.DataQualityWarning{MaterialID: id, Reason: ReasonNegativeWeight}, &result)
			weight = decimal.Zero
		}

		price, warning := e.catalog.PriceOf(id)
		if warning != nil {
			e.warn(*warning, &result)
		}

		value := weight.Mul(price)
		result.Lines = append(result.Lines, ValueLine{
			MaterialID: id,
			Weight:     weight,
			UnitPrice:  price,
			Value:      value,
		})
		result.Total = result.Total.Add(value)
	}
	return result
}

func (e *Engine) warn(w catalog.DataQualityWarning, result *ValueResult) {
	result.Warnings = append(result.Warnings, w)
	e.logger.Warn("valuation defaulted",
		zap.String("material", string(w.MaterialID)),
		zap.String("reason", w.Reason),
		zap.String("catalog_version", e.catalog.Version()),
	)
}

// =============================================================================
// POINTS
// =============================================================================

// PointsFromValue is floor(value / conversion rate). Negative values yield 0.
func (e *Engine) PointsFromValue(value decimal.Decimal) int64 {
	if !value.IsPositive() || !e.conversionRate.IsPositive() {
		return 0
	}
	return value.Div(e.conversionRate).Floor().IntPart()
}

// PointsFromFloat is PointsFromValue for untyped input; NaN and ±Inf yield 0.
func (e *Engine) PointsFromFloat(value float64) int64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return e.PointsFromValue(decimal.NewFromFloat(value))
}
