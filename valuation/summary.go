package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/ledger"
)

// Summary is a bank's dashboard: what its stock is worth and what it saved.
type Summary struct {
	Value  decimal.Decimal `json:"value"`
	Points int64           `json:"points"`
	Tier   TierID          `json:"tier"`
	Impact Impact          `json:"impact"`
}

// Summarize values the completed records at their recorded item values
// (priced at intake, scaled down by withdrawals) and folds their impact.
func (e *Engine) Summarize(records []ledger.CollectionRecord) Summary {
	value := decimal.Zero
	for _, rec := range records {
		if rec.Status != ledger.CollectionCompleted {
			continue
		}
		for _, item := range rec.Items {
			if item.Value.IsPositive() {
				value = value.Add(item.Value)
			}
		}
	}

	points := e.PointsFromValue(value)
	return Summary{
		Value:  value,
		Points: points,
		Tier:   e.TierForPoints(points),
		Impact: e.EnvironmentalImpact(records),
	}
}
