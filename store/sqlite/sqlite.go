/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists collection records, their item weights, and withdrawal requests
  (with their allocation plans) in a single SQLite file. The default store for
  a single-node deployment.

KEY TABLES:
  collection_records: One row per intake event (never deleted)
  record_items:       Weight and value per (record, material)
  withdrawals:        Requests; plan, fulfillment, and commit result as JSON

INDEXES:
  - idx_records_bank_status: ListRecords(bank, completed), the planning hot path
  - idx_withdrawals_bank:    Withdrawal history per bank

STORAGE FORMAT:
  Decimals are stored as TEXT (decimal.String()) so no precision is lost.
  Timestamps are RFC3339 with fixed-width nanoseconds, UTC.

CONCURRENCY:
  SQLite has a single writer. WithTx holds the store's write lock for the
  whole transaction, and reads inside a transaction go through the same
  *sql.Tx. Reads outside a transaction take the read lock. That makes
  GetRecordForUpdate exclusive without any row locking.

CHANGE EVENTS:
  Subscribe sees only writes made through this Store. For a database file
  ObservesAllWrites is false, so inventory caches read through.

USAGE:
  store, err := sqlite.New("./data/wasteledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/postgres: Multi-writer deployments
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// private is set for ":memory:", which no other connection can open.
	private bool

	*ledger.Broadcaster
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, private: dbPath == ":memory:", Broadcaster: ledger.NewBroadcaster()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// ObservesAllWrites reports whether Subscribe sees every write. A database
// file may be opened by other processes whose commits publish nothing here.
func (s *Store) ObservesAllWrites() bool { return s.private }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Collection records (never deleted)
	CREATE TABLE IF NOT EXISTS collection_records (
		id TEXT PRIMARY KEY,
		bank_id TEXT NOT NULL,
		status TEXT NOT NULL,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_bank_status
		ON collection_records(bank_id, status);

	-- Item weights per record
	CREATE TABLE IF NOT EXISTS record_items (
		record_id TEXT NOT NULL REFERENCES collection_records(id),
		material_id TEXT NOT NULL,
		weight TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (record_id, material_id)
	);

	-- Withdrawal requests
	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		bank_id TEXT NOT NULL,
		destination_id TEXT NOT NULL,
		schedule_date TEXT,
		schedule_slot TEXT,
		status TEXT NOT NULL,
		requested_json TEXT NOT NULL,
		plan_json TEXT NOT NULL,
		fulfillment_json TEXT NOT NULL,
		commit_json TEXT,
		note TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_bank
		ON withdrawals(bank_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// =============================================================================
// READS (ledger.Reader)
// =============================================================================

func (s *Store) GetRecord(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRecord(ctx, s.db, id)
}

func (s *Store) ListRecords(ctx context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(ctx, s.db, bankID, status)
}

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWithdrawal(ctx, s.db, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryWithdrawals(ctx, s.db, withdrawalSelect+` WHERE bank_id = ? ORDER BY created_at DESC, id DESC`, bankID)
}

const recordSelect = `
	SELECT r.id, r.bank_id, r.status, r.completed_at, r.created_at, r.updated_at,
	       i.material_id, i.weight, i.value
	FROM collection_records r
	LEFT JOIN record_items i ON i.record_id = r.id
`

func getRecord(ctx context.Context, q querier, id ledger.RecordID) (ledger.CollectionRecord, error) {
	recs, err := queryRecords(ctx, q, recordSelect+` WHERE r.id = ?`, id)
	if err != nil {
		return ledger.CollectionRecord{}, err
	}
	if len(recs) == 0 {
		return ledger.CollectionRecord{}, ledger.ErrRecordNotFound
	}
	return recs[0], nil
}

func listRecords(ctx context.Context, q querier, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	if status == "" {
		return queryRecords(ctx, q, recordSelect+` WHERE r.bank_id = ?`, bankID)
	}
	return queryRecords(ctx, q, recordSelect+` WHERE r.bank_id = ? AND r.status = ?`, bankID, status)
}

// queryRecords folds the joined rows into records, ordered by ID.
func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]ledger.CollectionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	byID := map[ledger.RecordID]*ledger.CollectionRecord{}
	for rows.Next() {
		var (
			rec                  ledger.CollectionRecord
			completedAt          sql.NullString
			createdAt, updatedAt string
			material             sql.NullString
			weight, value        sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.BankID, &rec.Status, &completedAt, &createdAt, &updatedAt,
			&material, &weight, &value); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		existing, ok := byID[rec.ID]
		if !ok {
			rec.Items = map[catalog.MaterialID]ledger.Item{}
			rec.CreatedAt = parseTime(createdAt)
			rec.UpdatedAt = parseTime(updatedAt)
			if completedAt.Valid {
				t := parseTime(completedAt.String)
				rec.CompletedAt = &t
			}
			existing = &rec
			byID[rec.ID] = existing
		}
		if material.Valid {
			item, err := parseItem(weight.String, value.String)
			if err != nil {
				return nil, fmt.Errorf("record %s material %s: %w", rec.ID, material.String, err)
			}
			existing.Items[catalog.MaterialID(material.String)] = item
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ledger.CollectionRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

const withdrawalSelect = `
	SELECT id, bank_id, destination_id, schedule_date, schedule_slot, status,
	       requested_json, plan_json, fulfillment_json, commit_json, note,
	       completed_at, created_at, updated_at
	FROM withdrawals
`

func getWithdrawal(ctx context.Context, q querier, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	ws, err := queryWithdrawals(ctx, q, withdrawalSelect+` WHERE id = ?`, id)
	if err != nil {
		return ledger.WithdrawalRequest{}, err
	}
	if len(ws) == 0 {
		return ledger.WithdrawalRequest{}, ledger.ErrWithdrawalNotFound
	}
	return ws[0], nil
}

func queryWithdrawals(ctx context.Context, q querier, query string, args ...any) ([]ledger.WithdrawalRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	var out []ledger.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWithdrawal(rows *sql.Rows) (ledger.WithdrawalRequest, error) {
	var (
		w                                    ledger.WithdrawalRequest
		date, slot, commitJSON, note         sql.NullString
		completedAt                          sql.NullString
		requestedJSON, planJSON, fulfillJSON string
		createdAt, updatedAt                 string
	)

	err := rows.Scan(
		&w.ID, &w.BankID, &w.DestinationID, &date, &slot, &w.Status,
		&requestedJSON, &planJSON, &fulfillJSON, &commitJSON, &note,
		&completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return w, fmt.Errorf("failed to scan withdrawal: %w", err)
	}

	w.Schedule = ledger.Schedule{Date: date.String, TimeSlot: slot.String}
	w.Note = note.String
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		w.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(requestedJSON), &w.Requested); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad requested_json: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(planJSON), &w.Plan); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad plan_json: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(fulfillJSON), &w.Fulfillment); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad fulfillment_json: %w", w.ID, err)
	}
	if commitJSON.Valid && commitJSON.String != "" {
		var c ledger.CommitResult
		if err := json.Unmarshal([]byte(commitJSON.String), &c); err != nil {
			return w, fmt.Errorf("withdrawal %s: bad commit_json: %w", w.ID, err)
		}
		w.Commit = &c
	}
	return w, nil
}

// =============================================================================
// WRITES
// =============================================================================

func putRecord(ctx context.Context, q querier, rec ledger.CollectionRecord) error {
	query := `
		INSERT INTO collection_records (id, bank_id, status, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		rec.ID, rec.BankID, rec.Status, formatTimePtr(rec.CompletedAt),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM record_items WHERE record_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("failed to replace record items: %w", err)
	}
	for material, item := range rec.Items {
		if item.Weight.IsNegative() {
			return fmt.Errorf("record %s material %s: negative weight", rec.ID, material)
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO record_items (record_id, material_id, weight, value) VALUES (?, ?, ?, ?)`,
			rec.ID, material, item.Weight.String(), item.Value.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to save record item: %w", err)
		}
	}
	return nil
}

func putWithdrawal(ctx context.Context, q querier, w ledger.WithdrawalRequest) error {
	requestedJSON, err := json.Marshal(w.Requested)
	if err != nil {
		return err
	}
	planJSON, err := json.Marshal(w.Plan)
	if err != nil {
		return err
	}
	fulfillJSON, err := json.Marshal(w.Fulfillment)
	if err != nil {
		return err
	}
	var commitJSON sql.NullString
	if w.Commit != nil {
		b, err := json.Marshal(w.Commit)
		if err != nil {
			return err
		}
		commitJSON = nullString(string(b))
	}

	query := `
		INSERT INTO withdrawals (id, bank_id, destination_id, schedule_date, schedule_slot, status,
			requested_json, plan_json, fulfillment_json, commit_json, note,
			completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			commit_json = excluded.commit_json,
			note = excluded.note,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		w.ID, w.BankID, w.DestinationID, nullString(w.Schedule.Date), nullString(w.Schedule.TimeSlot), w.Status,
		string(requestedJSON), string(planJSON), string(fulfillJSON), commitJSON, nullString(w.Note),
		formatTimePtr(w.CompletedAt), formatTime(w.CreatedAt), formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save withdrawal: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.Store.WithTx)
// =============================================================================

// WithTx executes a function within a database transaction. Change events
// are published after commit, once the write lock is released.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	ts := &txStore{}
	if err := s.runTx(ctx, ts, fn); err != nil {
		return err
	}

	s.Publish(ts.changes.Events()...)
	return nil
}

func (s *Store) runTx(ctx context.Context, ts *txStore, fn func(ledger.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// no-op after a successful Commit
	defer sqlTx.Rollback()

	ts.tx = sqlTx
	if err := fn(ts); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx      *sql.Tx
	changes ledger.ChangeLog
}

func (ts *txStore) GetRecord(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return getRecord(ctx, ts.tx, id)
}

// GetRecordForUpdate is a plain read: the store's write lock is already held.
func (ts *txStore) GetRecordForUpdate(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return getRecord(ctx, ts.tx, id)
}

func (ts *txStore) ListRecords(ctx context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	return listRecords(ctx, ts.tx, bankID, status)
}

func (ts *txStore) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return getWithdrawal(ctx, ts.tx, id)
}

func (ts *txStore) GetWithdrawalForUpdate(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return getWithdrawal(ctx, ts.tx, id)
}

func (ts *txStore) ListWithdrawals(ctx context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	return queryWithdrawals(ctx, ts.tx, withdrawalSelect+` WHERE bank_id = ? ORDER BY created_at DESC, id DESC`, bankID)
}

func (ts *txStore) PutRecord(ctx context.Context, rec ledger.CollectionRecord) error {
	if err := putRecord(ctx, ts.tx, rec); err != nil {
		return err
	}
	ts.changes.Record(rec)
	return nil
}

func (ts *txStore) PutWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	if err := putWithdrawal(ctx, ts.tx, w); err != nil {
		return err
	}
	ts.changes.Withdrawal(w)
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"record_items", "collection_records", "withdrawals"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is RFC3339 with fixed-width nanoseconds, so stored timestamps
// sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return nullString(formatTime(*t))
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseItem(weight, value string) (ledger.Item, error) {
	w, err := decimal.NewFromString(weight)
	if err != nil {
		return ledger.Item{}, fmt.Errorf("bad weight %q: %w", weight, err)
	}
	v := decimal.Zero
	if strings.TrimSpace(value) != "" {
		if v, err = decimal.NewFromString(value); err != nil {
			return ledger.Item{}, fmt.Errorf("bad value %q: %w", value, err)
		}
	}
	return ledger.Item{Weight: w, Value: v}, nil
}
