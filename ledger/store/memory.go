// Package store provides the in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/wasteledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	records     map[ledger.RecordID]ledger.CollectionRecord
	withdrawals map[ledger.WithdrawalID]ledger.WithdrawalRequest

	*ledger.Broadcaster
}

func NewMemory() *Memory {
	return &Memory{
		records:     make(map[ledger.RecordID]ledger.CollectionRecord),
		withdrawals: make(map[ledger.WithdrawalID]ledger.WithdrawalRequest),
		Broadcaster: ledger.NewBroadcaster(),
	}
}

func (m *Memory) GetRecord(_ context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRecordLocked(id)
}

func (m *Memory) ListRecords(_ context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRecordsLocked(bankID, status), nil
}

func (m *Memory) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getWithdrawalLocked(id)
}

func (m *Memory) ListWithdrawals(_ context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listWithdrawalsLocked(bankID), nil
}

func (m *Memory) getRecordLocked(id ledger.RecordID) (ledger.CollectionRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return ledger.CollectionRecord{}, ledger.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) listRecordsLocked(bankID ledger.BankID, status ledger.CollectionStatus) []ledger.CollectionRecord {
	var result []ledger.CollectionRecord
	for _, rec := range m.records {
		if rec.BankID != bankID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) getWithdrawalLocked(id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	w, ok := m.withdrawals[id]
	if !ok {
		return ledger.WithdrawalRequest{}, ledger.ErrWithdrawalNotFound
	}
	return w.Clone(), nil
}

func (m *Memory) listWithdrawalsLocked(bankID ledger.BankID) []ledger.WithdrawalRequest {
	var result []ledger.WithdrawalRequest
	for _, w := range m.withdrawals {
		if w.BankID == bankID {
			result = append(result, w.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole callback, so transactions serialize.
// A panic in fn restores the snapshot and releases the lock before it
// propagates.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	view := &txView{parent: m}
	if err := m.runTx(ctx, view, fn); err != nil {
		return err
	}

	// Commit (already done via direct writes)
	m.Publish(view.changes.Events()...)
	return nil
}

func (m *Memory) runTx(ctx context.Context, view *txView, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	committed := false
	defer func() {
		if !committed {
			m.restore(snapshot)
		}
	}()

	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *Memory) snapshot() memorySnapshot {
	recs := make(map[ledger.RecordID]ledger.CollectionRecord, len(m.records))
	for k, v := range m.records {
		recs[k] = v.Clone()
	}
	ws := make(map[ledger.WithdrawalID]ledger.WithdrawalRequest, len(m.withdrawals))
	for k, v := range m.withdrawals {
		ws[k] = v.Clone()
	}
	return memorySnapshot{records: recs, withdrawals: ws}
}

func (m *Memory) restore(s memorySnapshot) {
	m.records = s.records
	m.withdrawals = s.withdrawals
}

type memorySnapshot struct {
	records     map[ledger.RecordID]ledger.CollectionRecord
	withdrawals map[ledger.WithdrawalID]ledger.WithdrawalRequest
}

// txView reads and writes the parent's maps directly; the parent's write lock
// is already held.
type txView struct {
	parent  *Memory
	changes ledger.ChangeLog
}

func (tv *txView) GetRecord(_ context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return tv.parent.getRecordLocked(id)
}

func (tv *txView) GetRecordForUpdate(_ context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return tv.parent.getRecordLocked(id)
}

func (tv *txView) ListRecords(_ context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	return tv.parent.listRecordsLocked(bankID, status), nil
}

func (tv *txView) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return tv.parent.getWithdrawalLocked(id)
}

func (tv *txView) GetWithdrawalForUpdate(_ context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return tv.parent.getWithdrawalLocked(id)
}

func (tv *txView) ListWithdrawals(_ context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	return tv.parent.listWithdrawalsLocked(bankID), nil
}

func (tv *txView) PutRecord(_ context.Context, rec ledger.CollectionRecord) error {
	tv.parent.records[rec.ID] = rec.Clone()
	tv.changes.Record(rec)
	return nil
}

func (tv *txView) PutWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	tv.parent.withdrawals[w.ID] = w.Clone()
	tv.changes.Withdrawal(w)
	return nil
}

// ObservesAllWrites is always true: the data lives in this process only.
func (m *Memory) ObservesAllWrites() bool { return true }

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[ledger.RecordID]ledger.CollectionRecord)
	m.withdrawals = make(map[ledger.WithdrawalID]ledger.WithdrawalRequest)
	return nil
}
