/*
planner.go - FIFO allocation planner

PURPOSE:
  Given the weights a withdrawal asks for and the bank's completed records,
  produce the deduction plan: which records to draw from, and how much.
  Oldest stock is consumed first.

ALGORITHM:
  1. Keep completed candidates; sort by CompletedAt ascending, ties by ID
  2. For each requested material (sorted), remaining = requested
  3. Walk the records: take = min(remaining, shadow[record][material])
     - take > 0 -> append Deduction, remaining -= take, shadow -= take
  4. Stop once every remaining is within Epsilon of zero
  5. Leftover remaining is the material's Shortfall in the Fulfillment report

  The shadow weights are a local copy; candidate records are never mutated.
  The planner never invents stock and never emits a non-positive amount.

EXAMPLE:
  R1 (oldest) koran 5kg, R2 koran 8kg, request koran 6kg:
    plan        = [R1 koran 5, R2 koran 1]
    fulfillment = koran requested 6, planned 6, shortfall 0

  Same records, request koran 20kg:
    plan        = [R1 koran 5, R2 koran 8]
    fulfillment = koran requested 20, planned 13, shortfall 7

SEE ALSO:
  - commit.go: Applies the plan at the completed transition
  - withdrawal.go: Decides what to do with a shortfall (PartialPolicy)
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/catalog"
)

// PlanResult is the plan plus its per-material fulfillment report.
type PlanResult struct {
	Plan        AllocationPlan
	Fulfillment Fulfillment
}

// PlanAllocation computes the FIFO deduction plan. It is a pure function of
// its inputs.
func PlanAllocation(requested Weights, candidates []CollectionRecord) PlanResult {
	records := sortFIFO(candidates)

	// shadow[i][material] is the weight left on records[i] during this pass
	shadow := make([]Weights, len(records))
	for i, rec := range records {
		shadow[i] = rec.Weights()
	}

	var deductions []Deduction
	lines := make([]FulfillmentLine, 0, len(requested))

	for _, material := range requested.Materials() {
		want := Truncate(requested[material])
		if want.IsNegative() {
			want = decimal.Zero
		}
		remaining := want

		for i := range records {
			if IsNegligible(remaining) {
				break
			}
			available := shadow[i][material]
			if IsNegligible(available) {
				continue
			}
			take := decimal.Min(remaining, available)
			deductions = append(deductions, Deduction{
				SourceID:   records[i].ID,
				MaterialID: material,
				Amount:     take,
			})
			remaining = remaining.Sub(take)
			shadow[i][material] = available.Sub(take)
		}

		if IsNegligible(remaining) {
			remaining = decimal.Zero
		}
		lines = append(lines, FulfillmentLine{
			MaterialID: material,
			Requested:  want,
			Planned:    want.Sub(remaining),
			Shortfall:  remaining,
		})
	}

	return PlanResult{
		Plan:        AllocationPlan{Deductions: deductions},
		Fulfillment: Fulfillment{Lines: lines},
	}
}

// sortFIFO copies the completed candidates and orders them oldest first.
func sortFIFO(candidates []CollectionRecord) []CollectionRecord {
	records := make([]CollectionRecord, 0, len(candidates))
	for _, rec := range candidates {
		if rec.Status == CollectionCompleted {
			records = append(records, rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := completedAt(records[i]), completedAt(records[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return records[i].ID < records[j].ID
	})
	return records
}

func completedAt(rec CollectionRecord) time.Time {
	if rec.CompletedAt != nil {
		return *rec.CompletedAt
	}
	return rec.UpdatedAt
}

// ValidatePlan checks a plan against the request and the records it was
// planned from: positive amounts, per-material totals within the request, and
// per-record totals within the record's weight.
func ValidatePlan(plan AllocationPlan, requested Weights, records []CollectionRecord) error {
	byID := make(map[RecordID]CollectionRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	perRecord := map[RecordID]Weights{}
	for _, d := range plan.Deductions {
		if !d.Amount.IsPositive() {
			return &ValidationError{Field: "plan", Message: "deduction amount must be positive"}
		}
		rec, ok := byID[d.SourceID]
		if !ok {
			return &ValidationError{Field: "plan", Message: "deduction references unknown record " + string(d.SourceID)}
		}
		if perRecord[d.SourceID] == nil {
			perRecord[d.SourceID] = Weights{}
		}
		used := perRecord[d.SourceID][d.MaterialID].Add(d.Amount)
		if used.GreaterThan(rec.Weight(d.MaterialID)) {
			return &ValidationError{Field: "plan", Message: "deductions exceed stock on record " + string(d.SourceID)}
		}
		perRecord[d.SourceID][d.MaterialID] = used
	}

	for material, total := range plan.Totals() {
		if total.GreaterThan(Truncate(requested[material])) {
			return &ValidationError{Field: "plan", Message: "deductions exceed request for " + string(material)}
		}
	}
	return nil
}

// requestedMaterials lists materials with a positive requested weight.
func requestedMaterials(requested Weights) []catalog.MaterialID {
	var out []catalog.MaterialID
	for _, m := range requested.Materials() {
		if requested[m].IsPositive() {
			out = append(out, m)
		}
	}
	return out
}
