/*
commit.go - Deferred commit engine

PURPOSE:
  Applies a withdrawal's allocation plan to its source records, once, when the
  withdrawal first reaches "completed". Planning and committing are separated
  in time; between them other withdrawals may have drained the same records.

COMMIT FLOW (one store transaction):
  1. Re-read the withdrawal with exclusive access
     - completed -> ErrAlreadyCommitted (exactly-once guard)
     - cancelled -> ErrWithdrawalCancelled
  2. Lock every source record, ascending ID
  3. For each deduction:
       applied = min(current, planned)
       new     = max(0, current - planned)
     Item value scales with the weight it has left.
  4. Write the withdrawal: status completed, CompletedAt, CommitResult

  Any error aborts the transaction: no record changes, and the withdrawal keeps
  its status and its plan so the operator can retry.

STALE INVENTORY:
  applied < planned means a concurrent commit drained the record after this
  plan was computed. The clamp keeps weights non-negative; the shortfall is
  reported per deduction in CommitResult.Conflicts() and logged.

LOCKING:
  The store transaction serializes commits that touch the same records. A
  Locker additionally serializes commits of the same withdrawal across
  service instances (see lock/).

SEE ALSO:
  - planner.go: Produces the plan
  - withdrawal.go: Calls Commit on the completed transition
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Locker runs fn while holding a named lock.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Metrics receives plan and commit outcomes.
type Metrics interface {
	ObservePlan(f Fulfillment)
	ObserveCommit(result *CommitResult, err error)
}

type NopMetrics struct{}

func (NopMetrics) ObservePlan(Fulfillment)             {}
func (NopMetrics) ObserveCommit(*CommitResult, error) {}

// =============================================================================
// COMMIT ENGINE
// =============================================================================

type CommitEngine struct {
	Store   Store
	Locker  Locker // optional
	Clock   Clock
	Metrics Metrics
	Logger  *zap.Logger
}

// Commit applies the withdrawal's plan and marks it completed.
func (e *CommitEngine) Commit(ctx context.Context, id WithdrawalID) (*CommitResult, error) {
	if e.Locker == nil {
		return e.commit(ctx, id)
	}

	var result *CommitResult
	err := e.Locker.WithLock(ctx, "withdrawal:"+string(id), func(ctx context.Context) error {
		var err error
		result, err = e.commit(ctx, id)
		return err
	})
	if err != nil {
		var ce *CommitError
		if !errors.As(err, &ce) && !isBusinessError(err) {
			// lock could not be acquired; commit never ran
			err = &CommitError{WithdrawalID: id, Err: err}
			e.metrics().ObserveCommit(nil, err)
			e.logger().Warn("commit lock unavailable",
				zap.String("withdrawal_id", string(id)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return result, nil
}

func (e *CommitEngine) commit(ctx context.Context, id WithdrawalID) (*CommitResult, error) {
	logger := e.logger().With(zap.String("withdrawal_id", string(id)))

	var result *CommitResult
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch w.Status {
		case WithdrawalCompleted:
			return ErrAlreadyCommitted
		case WithdrawalCancelled:
			return ErrWithdrawalCancelled
		}

		records, err := lockSources(ctx, tx, w.Plan)
		if err != nil {
			return err
		}

		now := e.clock().Now()
		applied := ApplyPlan(w.Plan, records)
		for _, rid := range w.Plan.Sources() {
			rec := records[rid]
			rec.UpdatedAt = now
			if err := tx.PutRecord(ctx, rec); err != nil {
				return fmt.Errorf("failed to write record %s: %w", rid, err)
			}
		}

		result = &CommitResult{WithdrawalID: w.ID, Applied: applied, CommittedAt: now}
		w.Status = WithdrawalCompleted
		w.CompletedAt = &now
		w.UpdatedAt = now
		w.Commit = result
		if err := tx.PutWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("failed to write withdrawal: %w", err)
		}
		return nil
	})

	if err != nil {
		e.metrics().ObserveCommit(nil, err)
		if isBusinessError(err) {
			return nil, err
		}
		logger.Error("commit failed", zap.Error(err))
		return nil, &CommitError{WithdrawalID: id, Err: err}
	}

	e.metrics().ObserveCommit(result, nil)
	for _, c := range result.Conflicts() {
		logger.Warn("stale inventory at commit",
			zap.String("record_id", string(c.SourceID)),
			zap.String("material", string(c.MaterialID)),
			zap.String("planned", c.Amount.String()),
			zap.String("applied", c.Applied.String()),
		)
	}
	logger.Info("withdrawal committed",
		zap.Int("deductions", len(result.Applied)),
		zap.Int("conflicts", len(result.Conflicts())),
	)
	return result, nil
}

// lockSources reads every source record of the plan for update, in ID order.
func lockSources(ctx context.Context, tx Tx, plan AllocationPlan) (map[RecordID]CollectionRecord, error) {
	ids := plan.Sources()
	records := make(map[RecordID]CollectionRecord, len(ids))
	for _, rid := range ids {
		rec, err := tx.GetRecordForUpdate(ctx, rid)
		if err != nil {
			return nil, fmt.Errorf("failed to lock record %s: %w", rid, err)
		}
		records[rid] = rec
	}
	return records, nil
}

// ApplyPlan deducts the plan from records in place and reports what each
// deduction actually took. Weights are clamped at zero.
func ApplyPlan(plan AllocationPlan, records map[RecordID]CollectionRecord) []AppliedDeduction {
	applied := make([]AppliedDeduction, 0, len(plan.Deductions))
	for _, d := range plan.Deductions {
		rec := records[d.SourceID]
		item := rec.Items[d.MaterialID]
		current := item.Weight

		took := decimal.Min(current, d.Amount)
		if took.IsNegative() {
			took = decimal.Zero
		}
		next := decimal.Max(decimal.Zero, current.Sub(d.Amount))

		if _, ok := rec.Items[d.MaterialID]; ok {
			item.Value = scaleValue(item.Value, current, next)
			item.Weight = next
			rec.Items[d.MaterialID] = item
		}
		records[d.SourceID] = rec

		applied = append(applied, AppliedDeduction{Deduction: d, Applied: took})
	}
	return applied
}

// scaleValue keeps value proportional to the remaining weight.
func scaleValue(value, from, to decimal.Decimal) decimal.Decimal {
	if !from.IsPositive() {
		return value
	}
	if !to.IsPositive() {
		return decimal.Zero
	}
	return value.Mul(to).Div(from).Round(2)
}

func isBusinessError(err error) bool {
	return errors.Is(err, ErrAlreadyCommitted) ||
		errors.Is(err, ErrWithdrawalCancelled) ||
		errors.Is(err, ErrWithdrawalNotFound)
}

func (e *CommitEngine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *CommitEngine) clock() Clock {
	if e.Clock == nil {
		return SystemClock{}
	}
	return e.Clock
}

func (e *CommitEngine) metrics() Metrics {
	if e.Metrics == nil {
		return NopMetrics{}
	}
	return e.Metrics
}
