/*
withdrawal.go - Withdrawal request lifecycle

PURPOSE:
  One engine for every withdrawal flow:

    CreateWithdrawal  -> plan against current stock, apply PartialPolicy, persist
    Transition        -> processing | completed (commit) | cancelled

REQUEST FLOW:
  ┌────────────────────────────────────────────────────────────────────┐
  │                                                                    │
  │  Operator        List completed     PlanAllocation     Persist     │
  │  submits   ──▶  records of bank ──▶  (FIFO)       ──▶  pending     │
  │                                                         │          │
  │                                         ┌───────────────┤          │
  │                                         ▼               ▼          │
  │                                   ┌───────────┐   ┌───────────┐    │
  │                                   │ Completed │   │ Cancelled │    │
  │                                   └───────────┘   └───────────┘    │
  │                                    CommitEngine    plan never      │
  │                                    applies plan    applied         │
  │                                                                    │
  └────────────────────────────────────────────────────────────────────┘

PARTIAL FULFILLMENT:
  When stock does not cover the request, PartialPolicy decides:
  - PartialReject (default): nothing is persisted, *PartialFulfillmentError
    carries the per-material report
  - PartialAccept: the request is persisted with the reduced plan; the report
    is kept on the request

PLANNING IS ADVISORY:
  Two requests planned concurrently may both count the same stock. The commit
  engine's clamp is the only enforcement point.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PartialPolicy decides what happens to a request the stock cannot cover.
type PartialPolicy string

const (
	PartialReject PartialPolicy = "reject"
	PartialAccept PartialPolicy = "accept"
)

// ParsePartialPolicy maps a config value to a policy.
func ParsePartialPolicy(s string) (PartialPolicy, error) {
	switch PartialPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PartialReject:
		return PartialReject, nil
	case PartialAccept:
		return PartialAccept, nil
	}
	return "", fmt.Errorf("unknown partial policy %q", s)
}

// =============================================================================
// WITHDRAWAL SERVICE
// =============================================================================

type WithdrawalService struct {
	Store   Store
	Commits *CommitEngine
	Policy  PartialPolicy
	Clock   Clock
	Metrics Metrics
	Logger  *zap.Logger
}

// CreateWithdrawalInput is the operator's submission.
type CreateWithdrawalInput struct {
	BankID        BankID
	DestinationID BankID
	Schedule      Schedule
	Requested     Weights
	Note          string
}

// validate checks the submission and returns the requested weights truncated
// to WeightPrecision. A request that truncates to nothing is rejected.
func (in CreateWithdrawalInput) validate() (Weights, error) {
	if in.BankID == "" {
		return nil, &ValidationError{Field: "bank_id", Message: "is required"}
	}
	if in.DestinationID == "" {
		return nil, &ValidationError{Field: "destination_id", Message: "is required"}
	}
	if in.DestinationID == in.BankID {
		return nil, &ValidationError{Field: "destination_id", Message: "must differ from the source bank"}
	}
	requested := Weights{}
	for material, w := range in.Requested {
		if w.IsNegative() {
			return nil, &ValidationError{Field: "requested." + string(material), Message: "cannot be negative"}
		}
		requested[material] = Truncate(w)
	}
	if len(requestedMaterials(requested)) == 0 {
		return nil, &ValidationError{Field: "requested", Message: "at least one material of 0.1 kg or more is required"}
	}
	return requested, nil
}

// CreateWithdrawal plans the request against the bank's completed records and
// persists it as pending.
func (s *WithdrawalService) CreateWithdrawal(ctx context.Context, in CreateWithdrawalInput) (*WithdrawalRequest, error) {
	requested, err := in.validate()
	if err != nil {
		return nil, err
	}

	candidates, err := s.Store.ListRecords(ctx, in.BankID, CollectionCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed records: %w", err)
	}

	planned := PlanAllocation(requested, candidates)
	if err := ValidatePlan(planned.Plan, requested, candidates); err != nil {
		return nil, fmt.Errorf("planner produced an invalid plan: %v", err)
	}
	s.metrics().ObservePlan(planned.Fulfillment)

	if !planned.Fulfillment.IsComplete() {
		s.logger().Info("partial fulfillment",
			zap.String("bank_id", string(in.BankID)),
			zap.String("policy", string(s.policy())),
			zap.Int("short_materials", len(planned.Fulfillment.Unsatisfied())),
		)
		if s.policy() == PartialReject {
			return nil, &PartialFulfillmentError{BankID: in.BankID, Fulfillment: planned.Fulfillment}
		}
	}

	now := s.clock().Now()
	w := WithdrawalRequest{
		ID:            WithdrawalID(uuid.NewString()),
		BankID:        in.BankID,
		DestinationID: in.DestinationID,
		Schedule:      in.Schedule,
		Requested:     requested,
		Status:        WithdrawalPending,
		Plan:          planned.Plan,
		Fulfillment:   planned.Fulfillment,
		Note:          in.Note,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.Store.WithTx(ctx, func(tx Tx) error {
		return tx.PutWithdrawal(ctx, w)
	}); err != nil {
		return nil, fmt.Errorf("failed to save withdrawal: %w", err)
	}

	s.logger().Info("withdrawal planned",
		zap.String("withdrawal_id", string(w.ID)),
		zap.String("bank_id", string(w.BankID)),
		zap.Int("deductions", len(w.Plan.Deductions)),
	)
	return &w, nil
}

func (s *WithdrawalService) Get(ctx context.Context, id WithdrawalID) (*WithdrawalRequest, error) {
	w, err := s.Store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WithdrawalService) List(ctx context.Context, bankID BankID) ([]WithdrawalRequest, error) {
	return s.Store.ListWithdrawals(ctx, bankID)
}

// Transition moves a withdrawal to a new status. Moving to completed runs the
// commit engine; the returned request then carries the CommitResult.
func (s *WithdrawalService) Transition(ctx context.Context, id WithdrawalID, to WithdrawalStatus) (*WithdrawalRequest, error) {
	if to == WithdrawalCompleted {
		if _, err := s.Commits.Commit(ctx, id); err != nil {
			return nil, err
		}
		return s.Get(ctx, id)
	}

	var out WithdrawalRequest
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		w, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !canTransitionWithdrawal(w.Status, to) {
			return &TransitionError{Kind: "withdrawal", ID: string(id), From: string(w.Status), To: string(to)}
		}
		w.Status = to
		w.UpdatedAt = s.clock().Now()
		out = w
		return tx.PutWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("withdrawal status changed",
		zap.String("withdrawal_id", string(id)),
		zap.String("status", string(to)),
	)
	return &out, nil
}

// canTransitionWithdrawal covers the non-commit moves. Completion goes
// through the commit engine, which has its own guard.
func canTransitionWithdrawal(from, to WithdrawalStatus) bool {
	switch to {
	case WithdrawalProcessing:
		return from == WithdrawalPending
	case WithdrawalCancelled:
		return from == WithdrawalPending || from == WithdrawalProcessing
	}
	return false
}

func (s *WithdrawalService) policy() PartialPolicy {
	if s.Policy == "" {
		return PartialReject
	}
	return s.Policy
}

func (s *WithdrawalService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *WithdrawalService) clock() Clock {
	if s.Clock == nil {
		return SystemClock{}
	}
	return s.Clock
}

func (s *WithdrawalService) metrics() Metrics {
	if s.Metrics == nil {
		return NopMetrics{}
	}
	return s.Metrics
}
