package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// stepClock advances one second per call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock { return &stepClock{now: t0} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func kg(v float64) decimal.Decimal { return ledger.Kg(v) }

func weights(kv ...any) ledger.Weights {
	w := ledger.Weights{}
	for i := 0; i < len(kv); i += 2 {
		w[catalog.MaterialID(kv[i].(string))] = kg(kv[i+1].(float64))
	}
	return w
}

func completedRecord(id, bank string, completedAt time.Time, w ledger.Weights) ledger.CollectionRecord {
	items := make(map[catalog.MaterialID]ledger.Item, len(w))
	for m, v := range w {
		items[m] = ledger.Item{Weight: v, Value: v.Mul(decimal.NewFromInt(1000))}
	}
	at := completedAt
	return ledger.CollectionRecord{
		ID:          ledger.RecordID(id),
		BankID:      ledger.BankID(bank),
		Status:      ledger.CollectionCompleted,
		Items:       items,
		CompletedAt: &at,
		CreatedAt:   completedAt.Add(-time.Hour),
		UpdatedAt:   completedAt,
	}
}

func seed(t *testing.T, s ledger.Store, recs ...ledger.CollectionRecord) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		for _, r := range recs {
			if err := tx.PutRecord(context.Background(), r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// koranBank seeds R1 (oldest, 5kg koran) and R2 (8kg koran) at bank-1.
func koranBank(t *testing.T) *store.Memory {
	t.Helper()
	s := store.NewMemory()
	seed(t, s,
		completedRecord("R1", "bank-1", t0, weights("koran", 5.0)),
		completedRecord("R2", "bank-1", t0.Add(time.Hour), weights("koran", 8.0)),
	)
	return s
}

type harness struct {
	store       *store.Memory
	commits     *ledger.CommitEngine
	withdrawals *ledger.WithdrawalService
}

func newHarness(s *store.Memory, policy ledger.PartialPolicy) *harness {
	clock := newStepClock()
	commits := &ledger.CommitEngine{Store: s, Clock: clock}
	return &harness{
		store:   s,
		commits: commits,
		withdrawals: &ledger.WithdrawalService{
			Store:   s,
			Commits: commits,
			Policy:  policy,
			Clock:   clock,
		},
	}
}

func (h *harness) withdraw(t *testing.T, requested ledger.Weights) *ledger.WithdrawalRequest {
	t.Helper()
	w, err := h.withdrawals.CreateWithdrawal(context.Background(), ledger.CreateWithdrawalInput{
		BankID:        "bank-1",
		DestinationID: "master-1",
		Schedule:      ledger.Schedule{Date: "2025-03-10", TimeSlot: "08:00-10:00"},
		Requested:     requested,
	})
	require.NoError(t, err)
	return w
}

func recordWeight(t *testing.T, s ledger.Reader, id string, material catalog.MaterialID) decimal.Decimal {
	t.Helper()
	rec, err := s.GetRecord(context.Background(), ledger.RecordID(id))
	require.NoError(t, err)
	return rec.Weight(material)
}

func assertDecimal(t *testing.T, want float64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, kg(want).Equal(got), "want %v, got %s %v", want, got, msgAndArgs)
}
