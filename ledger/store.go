/*
store.go - Persistence interface for collection records and withdrawals

PURPOSE:
  Defines the boundary between the ledger logic and the database. The ledger
  needs four things from storage:

    (a) a query returning all records matching (bank, status)
    (b) single-document reads
    (c) an atomic multi-document read-modify-write transaction
    (d) a subscription primitive so readers can react to record changes

KEY INTERFACES:
  Reader: Queries and single-document reads
  Tx:     Reader plus locked reads and writes inside WithTx
  Store:  Reader + WithTx + Subscribe

LOCKED READS:
  Tx.GetRecordForUpdate gives the caller exclusive read-then-write access to a
  record until the transaction ends. Callers lock records in ascending ID order
  so two commits touching the same records cannot deadlock.

NO DELETES:
  Records are never deleted. A depleted record keeps its row with zero weights.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite, single writer
  - store/postgres/postgres.go: PostgreSQL via pgx, SELECT ... FOR UPDATE
  - store/mongostore/mongostore.go: MongoDB session transactions

SEE ALSO:
  - commit.go: The only caller that decrements record weights
  - inventory.go: InventoryCache consumes Subscribe
*/
package ledger

import (
	"context"
	"sync"
)

// =============================================================================
// STORE
// =============================================================================

// Reader is the read side of the store.
type Reader interface {
	GetRecord(ctx context.Context, id RecordID) (CollectionRecord, error)

	// ListRecords returns the bank's records with the given status, ordered by
	// ID. An empty status returns every record of the bank.
	ListRecords(ctx context.Context, bankID BankID, status CollectionStatus) ([]CollectionRecord, error)

	GetWithdrawal(ctx context.Context, id WithdrawalID) (WithdrawalRequest, error)

	// ListWithdrawals returns the bank's withdrawals, newest first.
	ListWithdrawals(ctx context.Context, bankID BankID) ([]WithdrawalRequest, error)
}

// Tx is the transactional view passed to WithTx callbacks.
type Tx interface {
	Reader

	// GetRecordForUpdate reads a record and holds it exclusively until the
	// transaction ends.
	GetRecordForUpdate(ctx context.Context, id RecordID) (CollectionRecord, error)

	// GetWithdrawalForUpdate reads a withdrawal and holds it exclusively.
	GetWithdrawalForUpdate(ctx context.Context, id WithdrawalID) (WithdrawalRequest, error)

	// PutRecord inserts or replaces a record.
	PutRecord(ctx context.Context, rec CollectionRecord) error

	// PutWithdrawal inserts or replaces a withdrawal.
	PutWithdrawal(ctx context.Context, w WithdrawalRequest) error
}

// Store is the persistence collaborator.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed and change events are published.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Subscribe registers fn for change events. The returned func unsubscribes.
	Subscribe(fn func(ChangeEvent)) (unsubscribe func())
}

// =============================================================================
// CHANGE EVENTS
// =============================================================================

type ChangeKind string

const (
	ChangeRecord     ChangeKind = "record"
	ChangeWithdrawal ChangeKind = "withdrawal"
)

// ChangeEvent announces a committed write. An event with an empty BankID
// means any bank's records may have changed, for example after the store lost
// and regained its change feed.
type ChangeEvent struct {
	Kind   ChangeKind
	BankID BankID
	ID     string
}

// ChangeFeed is implemented by stores that know whether Subscribe currently
// sees every committed write, including writes made by other processes
// sharing the same database.
type ChangeFeed interface {
	ObservesAllWrites() bool
}

// ObservesAllWrites reports whether store's change events cover every
// writer right now. Stores that do not implement ChangeFeed do not.
func ObservesAllWrites(store any) bool {
	feed, ok := store.(ChangeFeed)
	return ok && feed.ObservesAllWrites()
}

// Broadcaster fans change events out to subscribers. Stores embed one and
// publish after each committed transaction.
type Broadcaster struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(ChangeEvent)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(ChangeEvent))}
}

func (b *Broadcaster) Subscribe(fn func(ChangeEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers events synchronously to every subscriber.
func (b *Broadcaster) Publish(events ...ChangeEvent) {
	b.mu.RLock()
	subs := make([]func(ChangeEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// ChangeLog collects the events of one transaction until it commits.
type ChangeLog struct {
	events []ChangeEvent
}

func (c *ChangeLog) Record(rec CollectionRecord) {
	c.events = append(c.events, ChangeEvent{Kind: ChangeRecord, BankID: rec.BankID, ID: string(rec.ID)})
}

func (c *ChangeLog) Withdrawal(w WithdrawalRequest) {
	c.events = append(c.events, ChangeEvent{Kind: ChangeWithdrawal, BankID: w.BankID, ID: string(w.ID)})
}

func (c *ChangeLog) Events() []ChangeEvent { return c.events }
