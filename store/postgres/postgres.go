/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store
for deployments with more than one writer.

KEY TABLES:
  collection_records: One row per intake event (never deleted)
  record_items:       NUMERIC weight and value per (record, material)
  withdrawals:        Requests; plan, fulfillment, and commit result as JSONB

LOCKING:
  GetRecordForUpdate and GetWithdrawalForUpdate use SELECT ... FOR UPDATE.
  The commit engine locks source records in ascending ID order, so two commits
  sharing records queue instead of deadlocking.

CHANGE EVENTS:
  WithTx queues one pg_notify per written row on the wasteledger_changes
  channel inside the transaction, so Postgres delivers it only on commit. A
  listener goroutine holds one connection in LISTEN and republishes other
  processes' notifications to local subscribers; its own are skipped by
  origin ID. While that connection is down ObservesAllWrites is false, and
  every (re)connect or loss publishes a bankless event so caches flush.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS collection_records (
	id           TEXT PRIMARY KEY,
	bank_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_bank_status ON collection_records (bank_id, status);

CREATE TABLE IF NOT EXISTS record_items (
	record_id   TEXT NOT NULL REFERENCES collection_records (id),
	material_id TEXT NOT NULL,
	weight      NUMERIC(14, 3) NOT NULL CHECK (weight >= 0),
	value       NUMERIC(18, 2) NOT NULL,
	PRIMARY KEY (record_id, material_id)
);

CREATE TABLE IF NOT EXISTS withdrawals (
	id             TEXT PRIMARY KEY,
	bank_id        TEXT NOT NULL,
	destination_id TEXT NOT NULL,
	schedule_date  TEXT NOT NULL DEFAULT '',
	schedule_slot  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	requested      JSONB NOT NULL,
	plan           JSONB NOT NULL,
	fulfillment    JSONB NOT NULL,
	commit_result  JSONB,
	note           TEXT NOT NULL DEFAULT '',
	completed_at   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_withdrawals_bank ON withdrawals (bank_id, created_at DESC);
`

// notifyChannel carries committed change events between processes.
const notifyChannel = "wasteledger_changes"

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	origin   string // tags this Store's notifications
	feedUp   atomic.Bool
	stopFeed context.CancelFunc
	feedDone chan struct{}

	*ledger.Broadcaster
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the change listener.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New connects, pings, migrates, and starts the change listener.
func New(ctx context.Context, connStr string, opts ...Option) (*Store, error) {
	if connStr == "" {
		return nil, fmt.Errorf("postgres connection string not set")
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{
		pool:        pool,
		logger:      zap.NewNop(),
		origin:      uuid.NewString(),
		feedDone:    make(chan struct{}),
		Broadcaster: ledger.NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	s.stopFeed = cancel
	go s.listen(feedCtx)
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close stops the change listener and closes the pool.
func (s *Store) Close() {
	s.stopFeed()
	<-s.feedDone
	s.pool.Close()
}

// Reset clears all data (for testing/demo). Other processes are told to
// flush.
func (s *Store) Reset(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `TRUNCATE record_items, collection_records, withdrawals`); err != nil {
			return err
		}
		return s.notify(ctx, tx, ledger.ChangeEvent{Kind: ledger.ChangeRecord})
	})
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetRecord(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return getRecord(ctx, s.pool, id, false)
}

func (s *Store) ListRecords(ctx context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	return listRecords(ctx, s.pool, bankID, status)
}

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return getWithdrawal(ctx, s.pool, id, false)
}

func (s *Store) ListWithdrawals(ctx context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	return listWithdrawals(ctx, s.pool, bankID)
}

func getRecord(ctx context.Context, q queryer, id ledger.RecordID, forUpdate bool) (ledger.CollectionRecord, error) {
	query := `SELECT id, bank_id, status, completed_at, created_at, updated_at
		FROM collection_records WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var rec ledger.CollectionRecord
	err := q.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.BankID, &rec.Status, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, ledger.ErrRecordNotFound
		}
		return rec, fmt.Errorf("failed to read record %s: %w", id, err)
	}

	items, err := loadItems(ctx, q, []ledger.RecordID{rec.ID})
	if err != nil {
		return rec, err
	}
	rec.Items = items[rec.ID]
	normalizeRecord(&rec)
	return rec, nil
}

func listRecords(ctx context.Context, q queryer, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT id, bank_id, status, completed_at, created_at, updated_at
		FROM collection_records
		WHERE bank_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY id
	`, bankID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []ledger.CollectionRecord
	for rows.Next() {
		var rec ledger.CollectionRecord
		if err := rows.Scan(&rec.ID, &rec.BankID, &rec.Status, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]ledger.RecordID, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	items, err := loadItems(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
		normalizeRecord(&out[i])
	}
	return out, nil
}

func loadItems(ctx context.Context, q queryer, ids []ledger.RecordID) (map[ledger.RecordID]map[catalog.MaterialID]ledger.Item, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}

	rows, err := q.Query(ctx, `
		SELECT record_id, material_id, weight, value
		FROM record_items WHERE record_id = ANY($1)
	`, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load record items: %w", err)
	}
	defer rows.Close()

	out := make(map[ledger.RecordID]map[catalog.MaterialID]ledger.Item, len(ids))
	for rows.Next() {
		var (
			rid      ledger.RecordID
			material catalog.MaterialID
			item     ledger.Item
		)
		if err := rows.Scan(&rid, &material, &item.Weight, &item.Value); err != nil {
			return nil, fmt.Errorf("failed to scan record item: %w", err)
		}
		if out[rid] == nil {
			out[rid] = map[catalog.MaterialID]ledger.Item{}
		}
		out[rid][material] = item
	}
	return out, rows.Err()
}

func normalizeRecord(rec *ledger.CollectionRecord) {
	if rec.Items == nil {
		rec.Items = map[catalog.MaterialID]ledger.Item{}
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.CompletedAt != nil {
		t := rec.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
}

const withdrawalColumns = `id, bank_id, destination_id, schedule_date, schedule_slot, status,
	requested, plan, fulfillment, commit_result, note, completed_at, created_at, updated_at`

func getWithdrawal(ctx context.Context, q queryer, id ledger.WithdrawalID, forUpdate bool) (ledger.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWithdrawal(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return w, ledger.ErrWithdrawalNotFound
	}
	return w, err
}

func listWithdrawals(ctx context.Context, q queryer, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	rows, err := q.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE bank_id = $1 ORDER BY created_at DESC, id DESC`, bankID)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
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

func scanWithdrawal(row pgx.Row) (ledger.WithdrawalRequest, error) {
	var (
		w                            ledger.WithdrawalRequest
		requested, plan, fulfillment []byte
		commitResult                 []byte
		completedAt                  *time.Time
	)
	err := row.Scan(
		&w.ID, &w.BankID, &w.DestinationID, &w.Schedule.Date, &w.Schedule.TimeSlot, &w.Status,
		&requested, &plan, &fulfillment, &commitResult, &w.Note, &completedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return w, err
		}
		return w, fmt.Errorf("failed to scan withdrawal: %w", err)
	}

	if err := json.Unmarshal(requested, &w.Requested); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad requested: %w", w.ID, err)
	}
	if err := json.Unmarshal(plan, &w.Plan); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad plan: %w", w.ID, err)
	}
	if err := json.Unmarshal(fulfillment, &w.Fulfillment); err != nil {
		return w, fmt.Errorf("withdrawal %s: bad fulfillment: %w", w.ID, err)
	}
	if len(commitResult) > 0 {
		var c ledger.CommitResult
		if err := json.Unmarshal(commitResult, &c); err != nil {
			return w, fmt.Errorf("withdrawal %s: bad commit_result: %w", w.ID, err)
		}
		w.Commit = &c
	}
	if completedAt != nil {
		t := completedAt.UTC()
		w.CompletedAt = &t
	}
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

// =============================================================================
// WRITES
// =============================================================================

func putRecord(ctx context.Context, q queryer, rec ledger.CollectionRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO collection_records (id, bank_id, status, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.BankID, rec.Status, rec.CompletedAt, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	if _, err := q.Exec(ctx, `DELETE FROM record_items WHERE record_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("failed to replace record items: %w", err)
	}

	materials := make([]catalog.MaterialID, 0, len(rec.Items))
	for m := range rec.Items {
		materials = append(materials, m)
	}
	sort.Slice(materials, func(i, j int) bool { return materials[i] < materials[j] })

	for _, m := range materials {
		item := rec.Items[m]
		_, err := q.Exec(ctx, `
			INSERT INTO record_items (record_id, material_id, weight, value)
			VALUES ($1, $2, $3, $4)
		`, rec.ID, m, item.Weight, decimal.Max(item.Value, decimal.Zero))
		if err != nil {
			return fmt.Errorf("failed to save record item %s: %w", m, err)
		}
	}
	return nil
}

func putWithdrawal(ctx context.Context, q queryer, w ledger.WithdrawalRequest) error {
	requested, err := json.Marshal(w.Requested)
	if err != nil {
		return err
	}
	plan, err := json.Marshal(w.Plan)
	if err != nil {
		return err
	}
	fulfillment, err := json.Marshal(w.Fulfillment)
	if err != nil {
		return err
	}
	var commitResult []byte
	if w.Commit != nil {
		if commitResult, err = json.Marshal(w.Commit); err != nil {
			return err
		}
	}

	_, err = q.Exec(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			commit_result = EXCLUDED.commit_result,
			note = EXCLUDED.note,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`,
		w.ID, w.BankID, w.DestinationID, w.Schedule.Date, w.Schedule.TimeSlot, w.Status,
		requested, plan, fulfillment, commitResult, w.Note, w.CompletedAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save withdrawal: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a database transaction. Serialization failures and
// deadlocks surface as ledger.ErrConcurrentModification.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	t := &txStore{tx: tx}
	if err := fn(t); err != nil {
		return classify(err)
	}
	if err := s.notify(ctx, tx, t.changes.Events()...); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}

	s.Publish(t.changes.Events()...)
	return nil
}

// =============================================================================
// CHANGE FEED (LISTEN/NOTIFY)
// =============================================================================

type notification struct {
	Origin string            `json:"origin"`
	Kind   ledger.ChangeKind `json:"kind"`
	BankID ledger.BankID     `json:"bank_id,omitempty"`
	ID     string            `json:"id,omitempty"`
}

// notify queues events on tx; listeners receive them when tx commits.
func (s *Store) notify(ctx context.Context, tx pgx.Tx, events ...ledger.ChangeEvent) error {
	for _, ev := range events {
		payload, err := json.Marshal(notification{Origin: s.origin, Kind: ev.Kind, BankID: ev.BankID, ID: ev.ID})
		if err != nil {
			return fmt.Errorf("failed to encode change event: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
			return fmt.Errorf("failed to queue change event: %w", err)
		}
	}
	return nil
}

// ObservesAllWrites reports whether the LISTEN connection is up.
func (s *Store) ObservesAllWrites() bool { return s.feedUp.Load() }

const (
	minListenBackoff = 100 * time.Millisecond
	maxListenBackoff = 5 * time.Second
)

// listen keeps a LISTEN connection open until ctx is cancelled, reconnecting
// with backoff.
func (s *Store) listen(ctx context.Context) {
	defer close(s.feedDone)

	backoff := minListenBackoff
	for {
		err := s.listenOnce(ctx)
		if s.feedUp.Swap(false) {
			backoff = minListenBackoff
		}
		// writes may have gone unseen
		s.Publish(ledger.ChangeEvent{Kind: ledger.ChangeRecord})
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("change listener disconnected",
			zap.Error(err),
			zap.Duration("retry_in", backoff),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxListenBackoff)
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	// LISTEN state must not leak back into the pool
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Publish(ledger.ChangeEvent{Kind: ledger.ChangeRecord})
	s.feedUp.Store(true)
	s.logger.Debug("change listener connected")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.deliver(n.Payload)
	}
}

func (s *Store) deliver(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.logger.Warn("undecodable change notification", zap.Error(err))
		s.Publish(ledger.ChangeEvent{Kind: ledger.ChangeRecord})
		return
	}
	if n.Origin == s.origin {
		return
	}
	s.Publish(ledger.ChangeEvent{Kind: n.Kind, BankID: n.BankID, ID: n.ID})
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		}
	}
	return err
}

type txStore struct {
	tx      pgx.Tx
	changes ledger.ChangeLog
}

func (t *txStore) GetRecord(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return getRecord(ctx, t.tx, id, false)
}

func (t *txStore) GetRecordForUpdate(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return getRecord(ctx, t.tx, id, true)
}

func (t *txStore) ListRecords(ctx context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	return listRecords(ctx, t.tx, bankID, status)
}

func (t *txStore) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return getWithdrawal(ctx, t.tx, id, false)
}

func (t *txStore) GetWithdrawalForUpdate(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return getWithdrawal(ctx, t.tx, id, true)
}

func (t *txStore) ListWithdrawals(ctx context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	return listWithdrawals(ctx, t.tx, bankID)
}

func (t *txStore) PutRecord(ctx context.Context, rec ledger.CollectionRecord) error {
	if err := putRecord(ctx, t.tx, rec); err != nil {
		return err
	}
	t.changes.Record(rec)
	return nil
}

func (t *txStore) PutWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	if err := putWithdrawal(ctx, t.tx, w); err != nil {
		return err
	}
	t.changes.Withdrawal(w)
	return nil
}
