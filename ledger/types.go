/*
Package ledger provides the waste-bank inventory ledger and the deferred FIFO
allocation engine.

PURPOSE:
  A waste bank accumulates material through collection records. Its inventory
  is never stored as a counter: it is always the sum of the current weights on
  the bank's completed collection records. Withdrawals move inventory upstream
  in two phases:

    1. Plan    - at request time, compute which records to draw from (FIFO)
    2. Commit  - at the "completed" transition, apply the plan exactly once

KEY CONCEPTS IN THIS FILE (types.go):
  - Weights:           Material -> kilograms, as decimals
  - CollectionRecord:  One intake event; the unit of stock
  - WithdrawalRequest: A request to move stock upstream, carrying its plan
  - AllocationPlan:    Ordered deductions (source record, material, amount)
  - CommitResult:      What the commit actually applied, per deduction

DESIGN PRINCIPLES:
  1. Recomputable: Inventory is a projection of the records, never a counter
  2. Precision: decimal.Decimal weights quantized to WeightPrecision places
  3. Two-phase: Plans are inert until the completed transition
  4. Exactly-once: The completed status and the deductions land in one transaction

SEE ALSO:
  - inventory.go: Aggregator (current inventory per bank)
  - planner.go: FIFO allocation planner
  - commit.go: Deferred commit engine
  - withdrawal.go, intake.go: Operator-facing lifecycles
*/
package ledger

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/catalog"
)

// =============================================================================
// WEIGHTS - kilograms per material
// =============================================================================

// WeightPrecision is the number of decimal places kept on weights (0.1 kg).
const WeightPrecision int32 = 1

// Epsilon is the tolerance used when deciding whether a quantity is satisfied.
var Epsilon = decimal.New(1, -6)

// Kg builds a quantized weight from a float.
func Kg(v float64) decimal.Decimal {
	return Quantize(decimal.NewFromFloat(v))
}

// Quantize rounds a weight to WeightPrecision decimal places.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(WeightPrecision)
}

// Truncate drops digits beyond WeightPrecision, rounding toward zero. A
// requested weight is truncated so the planned amount never exceeds what was
// asked for.
func Truncate(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(WeightPrecision)
}

// IsNegligible reports whether a weight is within Epsilon of zero (or below).
func IsNegligible(d decimal.Decimal) bool {
	return d.LessThanOrEqual(Epsilon)
}

type Weights map[catalog.MaterialID]decimal.Decimal

// Materials returns the keys sorted, for deterministic iteration.
func (w Weights) Materials() []catalog.MaterialID {
	ids := make([]catalog.MaterialID, 0, len(w))
	for id := range w {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Total is the sum over all materials.
func (w Weights) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range w {
		total = total.Add(v)
	}
	return total
}

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BankID string
type RecordID string
type WithdrawalID string

// =============================================================================
// COLLECTION RECORD - one intake event
// =============================================================================

type CollectionStatus string

const (
	CollectionPending    CollectionStatus = "pending"
	CollectionAssigned   CollectionStatus = "assigned"
	CollectionInProgress CollectionStatus = "in_progress"
	CollectionCompleted  CollectionStatus = "completed"
	CollectionCancelled  CollectionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s CollectionStatus) IsTerminal() bool {
	return s == CollectionCompleted || s == CollectionCancelled
}

// collectionTransitions lists allowed forward moves. Steps may be skipped
// (an operator can complete a pending record directly).
var collectionTransitions = map[CollectionStatus][]CollectionStatus{
	CollectionPending:    {CollectionAssigned, CollectionInProgress, CollectionCompleted, CollectionCancelled},
	CollectionAssigned:   {CollectionInProgress, CollectionCompleted, CollectionCancelled},
	CollectionInProgress: {CollectionCompleted, CollectionCancelled},
}

// CanTransition reports whether from -> to is allowed.
func (s CollectionStatus) CanTransition(to CollectionStatus) bool {
	for _, next := range collectionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Item is one material line on a collection record.
type Item struct {
	Weight decimal.Decimal // kilograms, never negative
	Value  decimal.Decimal // currency, weight x unit price at intake
}

// CollectionRecord is a single intake event at a waste bank.
//
// After completion only the commit engine changes item weights, and only
// downwards. Records are never deleted; a depleted record has zero weights.
type CollectionRecord struct {
	ID          RecordID
	BankID      BankID
	Status      CollectionStatus
	Items       map[catalog.MaterialID]Item
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Weight returns the current weight of a material (zero if absent).
func (r CollectionRecord) Weight(material catalog.MaterialID) decimal.Decimal {
	return r.Items[material].Weight
}

// Weights returns the record's current weights.
func (r CollectionRecord) Weights() Weights {
	out := make(Weights, len(r.Items))
	for id, item := range r.Items {
		out[id] = item.Weight
	}
	return out
}

// Clone returns a deep copy so callers can mutate safely.
func (r CollectionRecord) Clone() CollectionRecord {
	out := r
	out.Items = make(map[catalog.MaterialID]Item, len(r.Items))
	for k, v := range r.Items {
		out.Items[k] = v
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// =============================================================================
// ALLOCATION PLAN - computed at request time, applied at completion
// =============================================================================

// Deduction draws Amount of Material from one source record.
type Deduction struct {
	SourceID   RecordID           `json:"source_id"`
	MaterialID catalog.MaterialID `json:"material_id"`
	Amount     decimal.Decimal    `json:"amount"`
}

// AllocationPlan is an ordered list of deductions. Immutable once attached
// to a WithdrawalRequest.
type AllocationPlan struct {
	Deductions []Deduction `json:"deductions"`
}

// Totals sums planned amounts per material.
func (p AllocationPlan) Totals() Weights {
	out := Weights{}
	for _, d := range p.Deductions {
		out[d.MaterialID] = out[d.MaterialID].Add(d.Amount)
	}
	return out
}

// Sources returns the distinct source record IDs, sorted.
func (p AllocationPlan) Sources() []RecordID {
	seen := map[RecordID]bool{}
	var out []RecordID
	for _, d := range p.Deductions {
		if !seen[d.SourceID] {
			seen[d.SourceID] = true
			out = append(out, d.SourceID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FulfillmentLine compares requested and planned weight for one material.
type FulfillmentLine struct {
	MaterialID catalog.MaterialID `json:"material_id"`
	Requested  decimal.Decimal    `json:"requested"`
	Planned    decimal.Decimal    `json:"planned"`
	Shortfall  decimal.Decimal    `json:"shortfall"`
}

// Fulfillment reports how much of a request the plan covers, per material.
type Fulfillment struct {
	Lines []FulfillmentLine `json:"lines"`
}

// IsComplete reports whether every material is fully covered.
func (f Fulfillment) IsComplete() bool {
	for _, l := range f.Lines {
		if !IsNegligible(l.Shortfall) {
			return false
		}
	}
	return true
}

// Unsatisfied returns the lines with a shortfall.
func (f Fulfillment) Unsatisfied() []FulfillmentLine {
	var out []FulfillmentLine
	for _, l := range f.Lines {
		if !IsNegligible(l.Shortfall) {
			out = append(out, l)
		}
	}
	return out
}

// Shortfall returns the uncovered weight of one material.
func (f Fulfillment) Shortfall(material catalog.MaterialID) decimal.Decimal {
	for _, l := range f.Lines {
		if l.MaterialID == material {
			return l.Shortfall
		}
	}
	return decimal.Zero
}

// =============================================================================
// COMMIT RESULT - what the deferred commit actually applied
// =============================================================================

// AppliedDeduction pairs a planned deduction with the amount actually taken.
// Applied < Deduction.Amount means the source balance had already dropped.
type AppliedDeduction struct {
	Deduction
	Applied decimal.Decimal `json:"applied"`
}

// IsConflict reports a stale-inventory clamp on this deduction.
func (a AppliedDeduction) IsConflict() bool {
	return a.Applied.LessThan(a.Amount)
}

type CommitResult struct {
	WithdrawalID WithdrawalID       `json:"withdrawal_id"`
	Applied      []AppliedDeduction `json:"applied"`
	CommittedAt  time.Time          `json:"committed_at"`
}

// Conflicts returns deductions that were clamped at commit time.
func (c CommitResult) Conflicts() []AppliedDeduction {
	var out []AppliedDeduction
	for _, a := range c.Applied {
		if a.IsConflict() {
			out = append(out, a)
		}
	}
	return out
}

// Delivered sums applied amounts per material.
func (c CommitResult) Delivered() Weights {
	out := Weights{}
	for _, a := range c.Applied {
		out[a.MaterialID] = out[a.MaterialID].Add(a.Applied)
	}
	return out
}

// =============================================================================
// WITHDRAWAL REQUEST
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

// ParseWithdrawalStatus accepts "in_progress" as an alias of processing.
func ParseWithdrawalStatus(s string) (WithdrawalStatus, bool) {
	switch s {
	case "pending":
		return WithdrawalPending, true
	case "processing", "in_progress":
		return WithdrawalProcessing, true
	case "completed":
		return WithdrawalCompleted, true
	case "cancelled", "canceled":
		return WithdrawalCancelled, true
	}
	return "", false
}

func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalCancelled
}

// Schedule is the requested pickup slot.
type Schedule struct {
	Date     string `json:"date"`      // YYYY-MM-DD
	TimeSlot string `json:"time_slot"` // e.g. "08:00-10:00"
}

// WithdrawalRequest moves inventory from a waste bank to an upstream bank.
type WithdrawalRequest struct {
	ID            WithdrawalID
	BankID        BankID
	DestinationID BankID
	Schedule      Schedule
	Requested     Weights
	Status        WithdrawalStatus

	// Computed once at creation, never recalculated
	Plan        AllocationPlan
	Fulfillment Fulfillment

	// Set by the commit engine on the completed transition
	Commit      *CommitResult
	CompletedAt *time.Time

	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (w WithdrawalRequest) Clone() WithdrawalRequest {
	out := w
	out.Requested = w.Requested.Clone()
	out.Plan.Deductions = append([]Deduction(nil), w.Plan.Deductions...)
	out.Fulfillment.Lines = append([]FulfillmentLine(nil), w.Fulfillment.Lines...)
	if w.Commit != nil {
		c := *w.Commit
		c.Applied = append([]AppliedDeduction(nil), w.Commit.Applied...)
		out.Commit = &c
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock supplies completion timestamps.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
