package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/store/postgres"
)

// These tests need a disposable database:
//
//	TEST_DATABASE_URL=postgres://localhost/wasteledger_test go test ./store/postgres
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := postgres.New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx))
	t.Cleanup(s.Close)
	return s
}

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func record(id string, completedAt time.Time, koran float64) ledger.CollectionRecord {
	at := completedAt
	w := ledger.Kg(koran)
	return ledger.CollectionRecord{
		ID:          ledger.RecordID(id),
		BankID:      "bank-1",
		Status:      ledger.CollectionCompleted,
		Items:       map[catalog.MaterialID]ledger.Item{"koran": {Weight: w, Value: w.Mul(decimal.NewFromInt(1000))}},
		CompletedAt: &at,
		CreatedAt:   completedAt.Add(-time.Hour),
		UpdatedAt:   completedAt,
	}
}

func put(t *testing.T, s ledger.Store, recs ...ledger.CollectionRecord) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		for _, r := range recs {
			if err := tx.PutRecord(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestRecord_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, record("R1", t0, 5))

	got, err := s.GetRecord(ctx, "R1")
	require.NoError(t, err)
	assert.True(t, got.Weight("koran").Equal(ledger.Kg(5)))
	assert.True(t, got.CompletedAt.Equal(t0))

	_, err = s.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrRecordNotFound)
}

func TestCommit_KoranScenario(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, record("R1", t0, 5), record("R2", t0.Add(time.Hour), 8))

	commits := &ledger.CommitEngine{Store: s}
	svc := &ledger.WithdrawalService{Store: s, Commits: commits}

	w, err := svc.CreateWithdrawal(ctx, ledger.CreateWithdrawalInput{
		BankID: "bank-1", DestinationID: "master-1",
		Requested: ledger.Weights{"koran": ledger.Kg(6)},
	})
	require.NoError(t, err)
	_, err = commits.Commit(ctx, w.ID)
	require.NoError(t, err)

	r1, _ := s.GetRecord(ctx, "R1")
	r2, _ := s.GetRecord(ctx, "R2")
	assert.True(t, r1.Weight("koran").IsZero())
	assert.True(t, r2.Weight("koran").Equal(ledger.Kg(7)))

	got, err := s.GetWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.WithdrawalCompleted, got.Status)
	require.NotNil(t, got.Commit)
	assert.Len(t, got.Commit.Applied, 2)
}

func TestCommit_ConcurrentSameWithdrawal(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	put(t, s, record("R1", t0, 5))

	commits := &ledger.CommitEngine{Store: s}
	svc := &ledger.WithdrawalService{Store: s, Commits: commits}
	w, err := svc.CreateWithdrawal(ctx, ledger.CreateWithdrawalInput{
		BankID: "bank-1", DestinationID: "master-1",
		Requested: ledger.Weights{"koran": ledger.Kg(3)},
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := commits.Commit(ctx, w.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	r1, _ := s.GetRecord(ctx, "R1")
	assert.True(t, r1.Weight("koran").Equal(ledger.Kg(2)))
}

func TestChangeFeed_CrossInstanceCacheInvalidation(t *testing.T) {
	// GIVEN: Two stores on one database, A with a warm inventory cache
	a := newStore(t)
	b, err := postgres.New(context.Background(), os.Getenv("TEST_DATABASE_URL"))
	require.NoError(t, err)
	t.Cleanup(b.Close)
	ctx := context.Background()

	require.Eventually(t, func() bool { return a.ObservesAllWrites() && b.ObservesAllWrites() },
		5*time.Second, 10*time.Millisecond)

	put(t, a, record("R1", t0, 5))
	cache := ledger.NewInventoryCache(a)
	t.Cleanup(cache.Close)
	inv, err := cache.CurrentInventory(ctx, "bank-1")
	require.NoError(t, err)
	assert.True(t, inv["koran"].Equal(ledger.Kg(5)))

	// WHEN: B withdraws and commits all 5kg
	svc := &ledger.WithdrawalService{Store: b, Commits: &ledger.CommitEngine{Store: b}}
	w, err := svc.CreateWithdrawal(ctx, ledger.CreateWithdrawalInput{
		BankID: "bank-1", DestinationID: "master-1",
		Requested: ledger.Weights{"koran": ledger.Kg(5)},
	})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, w.ID, ledger.WithdrawalCompleted)
	require.NoError(t, err)

	// THEN: A's cache reports the drained stock once the change arrives
	require.Eventually(t, func() bool {
		inv, err := cache.CurrentInventory(ctx, "bank-1")
		return err == nil && inv["koran"].IsZero()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChangeFeed_SkipsOwnNotifications(t *testing.T) {
	s := newStore(t)
	require.Eventually(t, s.ObservesAllWrites, 5*time.Second, 10*time.Millisecond)

	var (
		mu     sync.Mutex
		events []ledger.ChangeEvent
	)
	unsubscribe := s.Subscribe(func(ev ledger.ChangeEvent) {
		if ev.BankID == "" {
			return
		}
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsubscribe()

	put(t, s, record("R1", t0, 5))
	// give the listener time to receive its own notification
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "R1", events[0].ID)
}
