package valuation_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/valuation"
)

func testCatalog() *catalog.Catalog {
	return catalog.New("test",
		[]catalog.Material{
			{ID: "koran", Name: "Newspaper", UnitPrice: decimal.NewFromInt(1000), Category: "paper"},
			{ID: "kaleng", Name: "Can", UnitPrice: decimal.NewFromInt(5000), Category: "metal"},
			{ID: "gratis", Name: "Unpriced", UnitPrice: decimal.Zero, Category: "paper"},
		},
		map[catalog.CategoryID]catalog.Multipliers{
			"paper": {Carbon: decimal.NewFromFloat(1.5), Water: decimal.NewFromInt(20), Energy: decimal.NewFromInt(4), Trees: decimal.NewFromFloat(0.02), Landfill: decimal.NewFromFloat(0.003)},
			"metal": {Carbon: decimal.NewFromInt(4), Water: decimal.NewFromInt(2), Energy: decimal.NewFromInt(14)},
			catalog.CategoryDefault: {Carbon: decimal.NewFromInt(1)},
		},
	)
}

func obs(kv ...any) map[catalog.MaterialID]valuation.Observation {
	out := map[catalog.MaterialID]valuation.Observation{}
	for i := 0; i < len(kv); i += 2 {
		out[catalog.MaterialID(kv[i].(string))] = valuation.Observation{Weight: decimal.NewFromFloat(kv[i+1].(float64))}
	}
	return out
}

// =============================================================================
// VALUE + POINTS
// =============================================================================

func TestValuation_RoundTrip(t *testing.T) {
	// GIVEN: 10kg of a 1000/kg material and a rate of 100 per point
	engine := valuation.NewEngine(testCatalog(), valuation.WithConversionRate(decimal.NewFromInt(100)))

	// WHEN: Valuing and converting
	result := engine.TotalValue(obs("koran", 10.0))
	points := engine.PointsFromValue(result.Total)

	// THEN: 10000 -> 100 points
	assert.True(t, result.Total.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, int64(100), points)
	assert.Empty(t, result.Warnings)
}

func TestTotalValue_UnknownMaterialWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	engine := valuation.NewEngine(testCatalog(), valuation.WithLogger(zap.New(core)))

	result := engine.TotalValue(obs("xyz", 3.0, "koran", 1.0))

	assert.True(t, result.Total.Equal(decimal.NewFromInt(1000)))
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, catalog.MaterialID("xyz"), result.Warnings[0].MaterialID)
	assert.Equal(t, catalog.ReasonUnknownMaterial, result.Warnings[0].Reason)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "xyz", logs.All()[0].ContextMap()["material"])

	require.Len(t, result.Lines, 2)
	assert.Equal(t, catalog.MaterialID("koran"), result.Lines[0].MaterialID)
	assert.True(t, result.Lines[1].Value.IsZero())
}

func TestTotalValue_DegradesOnBadInput(t *testing.T) {
	engine := valuation.NewEngine(testCatalog())

	result := engine.TotalValue(obs("gratis", 5.0, "kaleng", -2.0))

	assert.True(t, result.Total.IsZero())
	reasons := []string{result.Warnings[0].Reason, result.Warnings[1].Reason}
	assert.ElementsMatch(t, []string{catalog.ReasonMissingPrice, valuation.ReasonNegativeWeight}, reasons)

	assert.True(t, engine.TotalValue(nil).Total.IsZero())
}

func TestPointsFromValue(t *testing.T) {
	engine := valuation.NewEngine(testCatalog())
	tests := []struct {
		value float64
		want  int64
	}{
		{0, 0},
		{99.99, 0},
		{100, 1},
		{12345.67, 123},
		{-500, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.PointsFromValue(decimal.NewFromFloat(tt.value)), "value %v", tt.value)
	}
}

func TestPointsFromFloat_NonNumeric(t *testing.T) {
	engine := valuation.NewEngine(testCatalog())

	assert.Equal(t, int64(0), engine.PointsFromFloat(math.NaN()))
	assert.Equal(t, int64(0), engine.PointsFromFloat(math.Inf(1)))
	assert.Equal(t, int64(0), engine.PointsFromFloat(math.Inf(-1)))
	assert.Equal(t, int64(25), engine.PointsFromFloat(2500))
}

func TestWithConversionRate_IgnoresNonPositive(t *testing.T) {
	engine := valuation.NewEngine(testCatalog(), valuation.WithConversionRate(decimal.Zero))

	assert.True(t, engine.ConversionRate().Equal(valuation.DefaultConversionRate))
}

// =============================================================================
// TIERS
// =============================================================================

func TestTierForPoints(t *testing.T) {
	engine := valuation.NewEngine(testCatalog())
	tests := []struct {
		points int64
		want   valuation.TierID
	}{
		{0, valuation.TierBronze},
		{999, valuation.TierBronze},
		{1000, valuation.TierSilver},
		{5000, valuation.TierGold},
		{9999, valuation.TierGold},
		{10000, valuation.TierPlatinum},
		{math.MaxInt64, valuation.TierPlatinum},
		{-1, valuation.TierBronze},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.TierForPoints(tt.points), "points %d", tt.points)
	}
}

func TestValidateTiers(t *testing.T) {
	require.NoError(t, valuation.ValidateTiers(valuation.DefaultTiers()))

	gap := []valuation.Tier{{ID: "a", Min: 0, Max: 10}, {ID: "b", Min: 12, Max: 20}}
	assert.Error(t, valuation.ValidateTiers(gap))

	inverted := []valuation.Tier{{ID: "a", Min: 10, Max: 0}}
	assert.Error(t, valuation.ValidateTiers(inverted))

	assert.Error(t, valuation.ValidateTiers(nil))
}

func TestWithTiers_CustomTable(t *testing.T) {
	engine := valuation.NewEngine(testCatalog(), valuation.WithTiers([]valuation.Tier{
		{ID: "seed", Min: 50, Max: 99},
		{ID: "tree", Min: 100, Max: math.MaxInt64},
	}))

	assert.Equal(t, valuation.TierID("tree"), engine.TierForPoints(150))
	// Below every range: lowest-bound tier
	assert.Equal(t, valuation.TierID("seed"), engine.TierForPoints(10))
}

// =============================================================================
// IMPACT
// =============================================================================

func record(status ledger.CollectionStatus, items map[catalog.MaterialID]float64) ledger.CollectionRecord {
	rec := ledger.CollectionRecord{ID: "r", BankID: "bank-1", Status: status, Items: map[catalog.MaterialID]ledger.Item{}}
	for m, w := range items {
		rec.Items[m] = ledger.Item{Weight: ledger.Kg(w), Value: ledger.Kg(w).Mul(decimal.NewFromInt(1000))}
	}
	if status == ledger.CollectionCompleted {
		now := time.Now()
		rec.CompletedAt = &now
	}
	return rec
}

func TestEnvironmentalImpact(t *testing.T) {
	engine := valuation.NewEngine(testCatalog())
	records := []ledger.CollectionRecord{
		record(ledger.CollectionCompleted, map[catalog.MaterialID]float64{"koran": 2.5, "kaleng": 1.0}),
		record(ledger.CollectionCompleted, map[catalog.MaterialID]float64{"xyz": 0.2}),
		record(ledger.CollectionPending, map[catalog.MaterialID]float64{"koran": 100}),
		record(ledger.CollectionInProgress, map[catalog.MaterialID]float64{"koran": 100}),
		record(ledger.CollectionCancelled, map[catalog.MaterialID]float64{"koran": 100}),
	}

	impact := engine.EnvironmentalImpact(records)

	// carbon = 2.5×1.5 + 1×4 + 0.2×1 (default category)
	assert.True(t, impact.CarbonReduced.Equal(decimal.NewFromFloat(7.95)), impact.CarbonReduced.String())
	assert.True(t, impact.EnergySaved.Equal(decimal.NewFromInt(24)), impact.EnergySaved.String())
	assert.True(t, impact.WaterSaved.Equal(decimal.NewFromInt(52)))
	// bags = ceil(2.5) + ceil(1) + ceil(0.2)
	assert.Equal(t, int64(5), impact.TotalBags)
	assert.Equal(t, 2, impact.CompletedCount)
	assert.Equal(t, 2, impact.PendingCount)
	assert.Equal(t, 1, impact.CancelledCount)
}

func TestBags_ConfigurableSize(t *testing.T) {
	engine := valuation.NewEngine(testCatalog(), valuation.WithBagSize(decimal.NewFromInt(5)))

	assert.Equal(t, int64(3), engine.Bags(decimal.NewFromInt(11)))
	assert.Equal(t, int64(0), engine.Bags(decimal.Zero))
	assert.Equal(t, int64(0), engine.Bags(decimal.NewFromInt(-3)))
}

func TestSummarize(t *testing.T) {
	engine := valuation.NewEngine(testCatalog())
	records := []ledger.CollectionRecord{
		record(ledger.CollectionCompleted, map[catalog.MaterialID]float64{"koran": 2.5}),
		record(ledger.CollectionPending, map[catalog.MaterialID]float64{"koran": 100}),
	}

	s := engine.Summarize(records)

	assert.True(t, s.Value.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, int64(25), s.Points)
	assert.Equal(t, valuation.TierBronze, s.Tier)
	assert.Equal(t, 1, s.Impact.CompletedCount)
}
