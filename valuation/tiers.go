package valuation

import (
	"fmt"
	"math"
	"sort"

	"github.com/warp/wasteledger/catalog"
)

// =============================================================================
// TIERS - loyalty ranks by accumulated points
// =============================================================================

type TierID string

const (
	TierBronze   TierID = "bronze"
	TierSilver   TierID = "silver"
	TierGold     TierID = "gold"
	TierPlatinum TierID = "platinum"
)

// Tier covers points in [Min, Max], both inclusive.
type Tier struct {
	ID   TierID `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Min  int64  `json:"min" yaml:"min"`
	Max  int64  `json:"max" yaml:"max"`
}

// Contains reports whether points falls in the tier.
func (t Tier) Contains(points int64) bool {
	return points >= t.Min && points <= t.Max
}

func DefaultTiers() []Tier {
	return []Tier{
		{ID: TierBronze, Name: "Bronze", Min: 0, Max: 999},
		{ID: TierSilver, Name: "Silver", Min: 1000, Max: 4999},
		{ID: TierGold, Name: "Gold", Min: 5000, Max: 9999},
		{ID: TierPlatinum, Name: "Platinum", Min: 10000, Max: math.MaxInt64},
	}
}

// ValidateTiers checks that tiers are sorted, non-empty ranges with no gaps
// or overlaps.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	for i, t := range tiers {
		if t.ID == "" {
			return fmt.Errorf("tier %d: id is required", i)
		}
		if t.Max < t.Min {
			return fmt.Errorf("tier %s: max %d below min %d", t.ID, t.Max, t.Min)
		}
		if i > 0 && t.Min != tiers[i-1].Max+1 {
			return fmt.Errorf("tier %s: must start at %d", t.ID, tiers[i-1].Max+1)
		}
	}
	return nil
}

// Tiers returns a copy of the engine's tier table.
func (e *Engine) Tiers() []Tier {
	return append([]Tier(nil), e.tiers...)
}

// TierForPoints returns the tier containing points, or the lowest-bound tier
// when no range matches (negative points, gaps in a custom table).
func (e *Engine) TierForPoints(points int64) TierID {
	for _, t := range e.tiers {
		if t.Contains(points) {
			return t.ID
		}
	}
	lowest := e.tiers[0]
	for _, t := range e.tiers[1:] {
		if t.Min < lowest.Min {
			lowest = t
		}
	}
	return lowest.ID
}

func sortMaterials(ids []catalog.MaterialID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
