package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/ledger"
)

// =============================================================================
// ENVIRONMENTAL IMPACT
// =============================================================================
//
// For every completed record and every material on it:
//
//   carbon   += weight × category.Carbon
//   water    += weight × category.Water
//   ...
//   bags     += ceil(weight / BagSizeKg)
//
// Bags is a lossy count that normalizes mixed containers. With the default
// 1kg bag it is ceil(weight) per observation.
//
// Records in any status feed the status counts.

type Impact struct {
	CarbonReduced      decimal.Decimal `json:"carbon_reduced"`
	WaterSaved         decimal.Decimal `json:"water_saved"`
	EnergySaved        decimal.Decimal `json:"energy_saved"`
	TreesPreserved     decimal.Decimal `json:"trees_preserved"`
	LandfillSpaceSaved decimal.Decimal `json:"landfill_space_saved"`
	TotalBags          int64           `json:"total_bags"`
	TotalWeight        decimal.Decimal `json:"total_weight"`

	CompletedCount int `json:"completed_count"`
	PendingCount   int `json:"pending_count"` // pending, assigned, or in progress
	CancelledCount int `json:"cancelled_count"`
}

// EnvironmentalImpact folds the records into impact estimates.
func (e *Engine) EnvironmentalImpact(records []ledger.CollectionRecord) Impact {
	impact := Impact{
		CarbonReduced:      decimal.Zero,
		WaterSaved:         decimal.Zero,
		EnergySaved:        decimal.Zero,
		TreesPreserved:     decimal.Zero,
		LandfillSpaceSaved: decimal.Zero,
		TotalWeight:        decimal.Zero,
	}

	for _, rec := range records {
		switch rec.Status {
		case ledger.CollectionCompleted:
			impact.CompletedCount++
		case ledger.CollectionCancelled:
			impact.CancelledCount++
			continue
		default:
			impact.PendingCount++
			continue
		}

		for material, item := range rec.Items {
			w := item.Weight
			if !w.IsPositive() {
				continue
			}
			m := e.catalog.Multipliers(e.catalog.Category(material))
			impact.CarbonReduced = impact.CarbonReduced.Add(w.Mul(m.Carbon))
			impact.WaterSaved = impact.WaterSaved.Add(w.Mul(m.Water))
			impact.EnergySaved = impact.EnergySaved.Add(w.Mul(m.Energy))
			impact.TreesPreserved = impact.TreesPreserved.Add(w.Mul(m.Trees))
			impact.LandfillSpaceSaved = impact.LandfillSpaceSaved.Add(w.Mul(m.Landfill))
			impact.TotalWeight = impact.TotalWeight.Add(w)
			impact.TotalBags += e.Bags(w)
		}
	}
	return impact
}

// Bags is ceil(weight / bag size); zero or negative weight is zero bags.
func (e *Engine) Bags(weight decimal.Decimal) int64 {
	if !weight.IsPositive() {
		return 0
	}
	return weight.Div(e.bagSizeKg).Ceil().IntPart()
}
