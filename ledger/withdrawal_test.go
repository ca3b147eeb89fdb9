package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/ledger/store"
)

func TestCreateWithdrawal_RejectPolicyPersistsNothing(t *testing.T) {
	h := newHarness(koranBank(t), ledger.PartialReject)

	_, err := h.withdrawals.CreateWithdrawal(context.Background(), ledger.CreateWithdrawalInput{
		BankID:        "bank-1",
		DestinationID: "master-1",
		Requested:     weights("koran", 20.0),
	})

	var pf *ledger.PartialFulfillmentError
	require.True(t, errors.As(err, &pf))
	assert.ErrorIs(t, err, ledger.ErrPartialFulfillment)
	assert.True(t, ledger.IsClientError(err))
	assertDecimal(t, 7, pf.Fulfillment.Shortfall("koran"))

	list, err := h.withdrawals.List(context.Background(), "bank-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateWithdrawal_AcceptPolicyKeepsReducedPlan(t *testing.T) {
	h := newHarness(koranBank(t), ledger.PartialAccept)

	w := h.withdraw(t, weights("koran", 20.0))

	assert.Equal(t, ledger.WithdrawalPending, w.Status)
	assertDecimal(t, 13, w.Plan.Totals()["koran"])
	assertDecimal(t, 7, w.Fulfillment.Shortfall("koran"))

	stored, err := h.withdrawals.Get(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Plan, stored.Plan)
	assert.False(t, stored.Fulfillment.IsComplete())
}

func TestCreateWithdrawal_Validation(t *testing.T) {
	h := newHarness(koranBank(t), ledger.PartialReject)
	tests := []struct {
		name string
		in   ledger.CreateWithdrawalInput
	}{
		{"missing bank", ledger.CreateWithdrawalInput{DestinationID: "m", Requested: weights("koran", 1.0)}},
		{"missing destination", ledger.CreateWithdrawalInput{BankID: "bank-1", Requested: weights("koran", 1.0)}},
		{"same bank", ledger.CreateWithdrawalInput{BankID: "bank-1", DestinationID: "bank-1", Requested: weights("koran", 1.0)}},
		{"nothing requested", ledger.CreateWithdrawalInput{BankID: "bank-1", DestinationID: "m", Requested: weights("koran", 0.0)}},
		{"negative", ledger.CreateWithdrawalInput{BankID: "bank-1", DestinationID: "m", Requested: ledger.Weights{"koran": decimal.NewFromInt(-1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.withdrawals.CreateWithdrawal(context.Background(), tt.in)
			assert.ErrorIs(t, err, ledger.ErrInvalidInput)
		})
	}
}

func TestCreateWithdrawal_RejectsRequestBelowOneStep(t *testing.T) {
	for _, raw := range []string{"0.04", "0.05", "0.09"} {
		t.Run(raw, func(t *testing.T) {
			// GIVEN: A bank with 13kg of koran
			h := newHarness(koranBank(t), ledger.PartialAccept)

			// WHEN: The request is smaller than one 0.1kg step
			_, err := h.withdrawals.CreateWithdrawal(context.Background(), ledger.CreateWithdrawalInput{
				BankID:        "bank-1",
				DestinationID: "master-1",
				Requested:     ledger.Weights{"koran": decimal.RequireFromString(raw)},
			})

			// THEN: It is rejected and nothing is saved
			var ve *ledger.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "requested", ve.Field)

			list, err := h.withdrawals.List(context.Background(), "bank-1")
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestCreateWithdrawal_TruncatesRequestedWeight(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"5.0", 5},
		{"5.05", 5},
		{"2.99", 2.9},
		{"0.15", 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			h := newHarness(koranBank(t), ledger.PartialReject)

			w := h.withdraw(t, ledger.Weights{"koran": decimal.RequireFromString(tt.raw)})

			// The stored request and the plan never exceed what was asked for
			assertDecimal(t, tt.want, w.Requested["koran"])
			assertDecimal(t, tt.want, w.Plan.Totals()["koran"])
			assertDecimal(t, tt.want, w.Fulfillment.Lines[0].Requested)
			assert.True(t, w.Plan.Totals()["koran"].LessThanOrEqual(decimal.RequireFromString(tt.raw)))
		})
	}
}

func TestCreateWithdrawal_PlansOnlyAgainstOwnBank(t *testing.T) {
	s := koranBank(t)
	seed(t, s, completedRecord("OTHER", "bank-2", t0.Add(-48*time.Hour), weights("koran", 100.0)))
	h := newHarness(s, ledger.PartialReject)

	w := h.withdraw(t, weights("koran", 6.0))

	assert.Equal(t, []ledger.RecordID{"R1", "R2"}, w.Plan.Sources())
}

func TestWithdrawalTransitions(t *testing.T) {
	h := newHarness(koranBank(t), ledger.PartialReject)
	ctx := context.Background()
	w := h.withdraw(t, weights("koran", 1.0))

	// pending -> processing
	got, err := h.withdrawals.Transition(ctx, w.ID, ledger.WithdrawalProcessing)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalProcessing, got.Status)

	// processing -> pending is not allowed
	_, err = h.withdrawals.Transition(ctx, w.ID, ledger.WithdrawalPending)
	var te *ledger.TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	// processing -> completed commits
	got, err = h.withdrawals.Transition(ctx, w.ID, ledger.WithdrawalCompleted)
	require.NoError(t, err)
	require.NotNil(t, got.Commit)

	// completed -> cancelled is not allowed
	_, err = h.withdrawals.Transition(ctx, w.ID, ledger.WithdrawalCancelled)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestParseWithdrawalStatus_Aliases(t *testing.T) {
	s, ok := ledger.ParseWithdrawalStatus("in_progress")
	require.True(t, ok)
	assert.Equal(t, ledger.WithdrawalProcessing, s)

	_, ok = ledger.ParseWithdrawalStatus("shipped")
	assert.False(t, ok)
}

func TestParsePartialPolicy(t *testing.T) {
	p, err := ledger.ParsePartialPolicy("")
	require.NoError(t, err)
	assert.Equal(t, ledger.PartialReject, p)

	p, err = ledger.ParsePartialPolicy(" Accept ")
	require.NoError(t, err)
	assert.Equal(t, ledger.PartialAccept, p)

	_, err = ledger.ParsePartialPolicy("maybe")
	assert.Error(t, err)
}

// =============================================================================
// INTAKE
// =============================================================================

func intakeFixture() (*ledger.IntakeService, *store.Memory) {
	s := store.NewMemory()
	prices := catalog.New("t", []catalog.Material{
		{ID: "koran", UnitPrice: decimal.NewFromInt(1000), Category: "paper"},
	}, nil)
	return &ledger.IntakeService{Store: s, Prices: prices, Clock: newStepClock()}, s
}

func TestIntake_RecordAndComplete(t *testing.T) {
	svc, s := intakeFixture()
	ctx := context.Background()

	// GIVEN: A pending collection
	rec, err := svc.RecordCollection(ctx, "bank-1", weights("koran", 2.5, "xyz", 1.0))
	require.NoError(t, err)
	assert.Equal(t, ledger.CollectionPending, rec.Status)
	assert.True(t, rec.Items["koran"].Value.Equal(decimal.NewFromInt(2500)))
	assert.True(t, rec.Items["xyz"].Value.IsZero())

	// Not yet inventory
	inv, err := (&ledger.Aggregator{Store: s}).CurrentInventory(ctx, "bank-1")
	require.NoError(t, err)
	assert.True(t, inv["koran"].IsZero())

	// WHEN: Walked to completion
	for _, st := range []ledger.CollectionStatus{ledger.CollectionAssigned, ledger.CollectionInProgress, ledger.CollectionCompleted} {
		rec, err = svc.Transition(ctx, rec.ID, st)
		require.NoError(t, err)
	}

	// THEN: Stamped and counted
	require.NotNil(t, rec.CompletedAt)
	inv, err = (&ledger.Aggregator{Store: s}).CurrentInventory(ctx, "bank-1")
	require.NoError(t, err)
	assertDecimal(t, 2.5, inv["koran"])
}

func TestIntake_ItemsLockedAfterCompletion(t *testing.T) {
	svc, _ := intakeFixture()
	ctx := context.Background()
	rec, err := svc.RecordCollection(ctx, "bank-1", weights("koran", 1.0))
	require.NoError(t, err)

	rec, err = svc.UpdateItems(ctx, rec.ID, weights("koran", 3.0))
	require.NoError(t, err)
	assertDecimal(t, 3, rec.Weight("koran"))

	_, err = svc.Transition(ctx, rec.ID, ledger.CollectionCompleted)
	require.NoError(t, err)

	_, err = svc.UpdateItems(ctx, rec.ID, weights("koran", 30.0))
	assert.ErrorIs(t, err, ledger.ErrRecordLocked)
}

func TestIntake_InvalidTransitions(t *testing.T) {
	svc, _ := intakeFixture()
	ctx := context.Background()
	rec, err := svc.RecordCollection(ctx, "bank-1", weights("koran", 1.0))
	require.NoError(t, err)

	_, err = svc.Transition(ctx, rec.ID, ledger.CollectionCancelled)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, rec.ID, ledger.CollectionCompleted)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)

	_, err = svc.Transition(ctx, "missing", ledger.CollectionCompleted)
	assert.True(t, ledger.IsNotFound(err))
}

func TestIntake_RejectsNegativeWeight(t *testing.T) {
	svc, _ := intakeFixture()

	_, err := svc.RecordCollection(context.Background(), "bank-1", ledger.Weights{"koran": decimal.NewFromInt(-2)})

	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}
