package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/wasteledger/catalog"
)

// =============================================================================
// INTAKE SERVICE - collection records before and at completion
// =============================================================================

// Pricer supplies the unit price used to value intake lines.
// *catalog.Catalog satisfies it.
type Pricer interface {
	UnitPrice(id catalog.MaterialID) decimal.Decimal
}

// IntakeService records collections and drives them to completion. It is the
// only writer of item weights before completion; after completion only the
// commit engine changes them.
type IntakeService struct {
	Store  Store
	Prices Pricer
	Clock  Clock
	Logger *zap.Logger
}

// RecordCollection creates a pending record for the bank.
func (s *IntakeService) RecordCollection(ctx context.Context, bankID BankID, weights Weights) (*CollectionRecord, error) {
	if bankID == "" {
		return nil, &ValidationError{Field: "bank_id", Message: "is required"}
	}
	items, err := s.price(weights)
	if err != nil {
		return nil, err
	}

	now := s.clock().Now()
	rec := CollectionRecord{
		ID:        RecordID(uuid.NewString()),
		BankID:    bankID,
		Status:    CollectionPending,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.WithTx(ctx, func(tx Tx) error {
		return tx.PutRecord(ctx, rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to save collection: %w", err)
	}

	s.logger().Info("collection recorded",
		zap.String("record_id", string(rec.ID)),
		zap.String("bank_id", string(bankID)),
		zap.Int("materials", len(items)),
	)
	return &rec, nil
}

// UpdateItems replaces the record's items. Only allowed before completion.
func (s *IntakeService) UpdateItems(ctx context.Context, id RecordID, weights Weights) (*CollectionRecord, error) {
	items, err := s.price(weights)
	if err != nil {
		return nil, err
	}

	var out CollectionRecord
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.GetRecordForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status.IsTerminal() {
			return ErrRecordLocked
		}
		rec.Items = items
		rec.UpdatedAt = s.clock().Now()
		out = rec
		return tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Transition moves a record through pending -> assigned -> in_progress ->
// completed, or to cancelled. CompletedAt is stamped once, on completion.
func (s *IntakeService) Transition(ctx context.Context, id RecordID, to CollectionStatus) (*CollectionRecord, error) {
	var out CollectionRecord
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.GetRecordForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !rec.Status.CanTransition(to) {
			return &TransitionError{Kind: "collection", ID: string(id), From: string(rec.Status), To: string(to)}
		}
		now := s.clock().Now()
		rec.Status = to
		rec.UpdatedAt = now
		if to == CollectionCompleted && rec.CompletedAt == nil {
			rec.CompletedAt = &now
		}
		out = rec
		return tx.PutRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.logger().Info("collection status changed",
		zap.String("record_id", string(id)),
		zap.String("status", string(to)),
	)
	return &out, nil
}

func (s *IntakeService) Get(ctx context.Context, id RecordID) (*CollectionRecord, error) {
	rec, err := s.Store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *IntakeService) List(ctx context.Context, bankID BankID, status CollectionStatus) ([]CollectionRecord, error) {
	return s.Store.ListRecords(ctx, bankID, status)
}

// price quantizes weights and values each line at the current unit price.
func (s *IntakeService) price(weights Weights) (map[catalog.MaterialID]Item, error) {
	items := make(map[catalog.MaterialID]Item, len(weights))
	for _, material := range weights.Materials() {
		if material == "" {
			return nil, &ValidationError{Field: "items", Message: "material id is required"}
		}
		w := Quantize(weights[material])
		if w.IsNegative() {
			return nil, &ValidationError{Field: "items." + string(material), Message: "weight cannot be negative"}
		}
		var value decimal.Decimal
		if s.Prices != nil {
			value = w.Mul(s.Prices.UnitPrice(material)).Round(2)
		}
		items[material] = Item{Weight: w, Value: value}
	}
	return items, nil
}

func (s *IntakeService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *IntakeService) clock() Clock {
	if s.Clock == nil {
		return SystemClock{}
	}
	return s.Clock
}
