/*
Package mongostore provides a MongoDB-backed implementation of ledger.Store.

COLLECTIONS:
  collection_records: Record with its items embedded, keyed by record ID
  withdrawals:        Request with requested weights, plan, fulfillment, and
                      commit result embedded

STORAGE FORMAT:
  decimal.Decimal is encoded as a BSON string through a registry codec, so
  weights survive round trips exactly. Timestamps are BSON dates
  (millisecond precision).

TRANSACTIONS:
  WithTx runs fn inside session.WithTransaction, which needs a replica set.
  The driver retries fn on transient errors, so fn may run more than once.
  "ForUpdate" reads increment a version field with FindOneAndUpdate: the
  write claims the document for the transaction, and a concurrent transaction
  touching it aborts with a write conflict and is retried.

CHANGE EVENTS:
  A change stream on collection_records republishes other processes' record
  writes to local subscribers. Every record document carries the writer's
  origin ID, so this Store's own writes are not delivered twice. Deletes
  carry no bank and publish a bankless event, which flushes caches. While
  the stream is down ObservesAllWrites is false.
*/
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsonrw"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
)

const (
	recordsCollection     = "collection_records"
	withdrawalsCollection = "withdrawals"

	defaultServerSelectionTimeout = 5 * time.Second
)

// Store implements ledger.Store on a MongoDB database.
type Store struct {
	client      *mongo.Client
	records     *mongo.Collection
	withdrawals *mongo.Collection
	logger      *zap.Logger

	origin    string // stamped on every record this Store writes
	watchUp   atomic.Bool
	stopWatch context.CancelFunc
	watchDone chan struct{}

	*ledger.Broadcaster
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the change stream watcher.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New connects to uri, pings, ensures indexes on the named database, and
// starts watching record changes.
func New(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri not set")
	}
	if database == "" {
		database = "wasteledger"
	}

	clientOptions := options.Client().
		ApplyURI(uri).
		SetRegistry(newRegistry()).
		SetServerSelectionTimeout(defaultServerSelectionTimeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongo connect failed: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}

	db := client.Database(database)
	s := &Store{
		client:      client,
		records:     db.Collection(recordsCollection),
		withdrawals: db.Collection(withdrawalsCollection),
		logger:      zap.NewNop(),
		origin:      uuid.NewString(),
		watchDone:   make(chan struct{}),
		Broadcaster: ledger.NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	go s.watch(watchCtx)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bank_id", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to create record index: %w", err)
	}
	if _, err := s.withdrawals.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "bank_id", Value: 1}, {Key: "created_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("failed to create withdrawal index: %w", err)
	}
	return nil
}

// Close stops the change stream and disconnects.
func (s *Store) Close(ctx context.Context) error {
	s.stopWatch()
	<-s.watchDone
	return s.client.Disconnect(ctx)
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.records.DeleteMany(ctx, bson.D{}); err != nil {
		return err
	}
	_, err := s.withdrawals.DeleteMany(ctx, bson.D{})
	return err
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type itemDoc struct {
	Weight decimal.Decimal `bson:"weight"`
	Value  decimal.Decimal `bson:"value"`
}

type recordDoc struct {
	ID          string             `bson:"_id,omitempty"`
	BankID      string             `bson:"bank_id"`
	Status      string             `bson:"status"`
	Items       map[string]itemDoc `bson:"items"`
	CompletedAt *time.Time         `bson:"completed_at,omitempty"`
	CreatedAt   time.Time          `bson:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at"`
	Writer      string             `bson:"writer,omitempty"`
}

func toRecordDoc(rec ledger.CollectionRecord) recordDoc {
	items := make(map[string]itemDoc, len(rec.Items))
	for m, it := range rec.Items {
		items[string(m)] = itemDoc{Weight: it.Weight, Value: it.Value}
	}
	return recordDoc{
		ID:          string(rec.ID),
		BankID:      string(rec.BankID),
		Status:      string(rec.Status),
		Items:       items,
		CompletedAt: rec.CompletedAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (d recordDoc) toRecord() ledger.CollectionRecord {
	items := make(map[catalog.MaterialID]ledger.Item, len(d.Items))
	for m, it := range d.Items {
		items[catalog.MaterialID(m)] = ledger.Item{Weight: it.Weight, Value: it.Value}
	}
	rec := ledger.CollectionRecord{
		ID:        ledger.RecordID(d.ID),
		BankID:    ledger.BankID(d.BankID),
		Status:    ledger.CollectionStatus(d.Status),
		Items:     items,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	return rec
}

type deductionDoc struct {
	SourceID   string          `bson:"source_id"`
	MaterialID string          `bson:"material_id"`
	Amount     decimal.Decimal `bson:"amount"`
	Applied    decimal.Decimal `bson:"applied"`
}

type lineDoc struct {
	MaterialID string          `bson:"material_id"`
	Requested  decimal.Decimal `bson:"requested"`
	Planned    decimal.Decimal `bson:"planned"`
	Shortfall  decimal.Decimal `bson:"shortfall"`
}

type commitDoc struct {
	Applied     []deductionDoc `bson:"applied"`
	CommittedAt time.Time      `bson:"committed_at"`
}

type withdrawalDoc struct {
	ID            string                     `bson:"_id,omitempty"`
	BankID        string                     `bson:"bank_id"`
	DestinationID string                     `bson:"destination_id"`
	ScheduleDate  string                     `bson:"schedule_date,omitempty"`
	ScheduleSlot  string                     `bson:"schedule_slot,omitempty"`
	Status        string                     `bson:"status"`
	Requested     map[string]decimal.Decimal `bson:"requested"`
	Plan          []deductionDoc             `bson:"plan"`
	Fulfillment   []lineDoc                  `bson:"fulfillment"`
	Commit        *commitDoc                 `bson:"commit,omitempty"`
	Note          string                     `bson:"note,omitempty"`
	CompletedAt   *time.Time                 `bson:"completed_at,omitempty"`
	CreatedAt     time.Time                  `bson:"created_at"`
	UpdatedAt     time.Time                  `bson:"updated_at"`
}

func toWithdrawalDoc(w ledger.WithdrawalRequest) withdrawalDoc {
	d := withdrawalDoc{
		ID:            string(w.ID),
		BankID:        string(w.BankID),
		DestinationID: string(w.DestinationID),
		ScheduleDate:  w.Schedule.Date,
		ScheduleSlot:  w.Schedule.TimeSlot,
		Status:        string(w.Status),
		Requested:     make(map[string]decimal.Decimal, len(w.Requested)),
		Plan:          make([]deductionDoc, 0, len(w.Plan.Deductions)),
		Fulfillment:   make([]lineDoc, 0, len(w.Fulfillment.Lines)),
		Note:          w.Note,
		CompletedAt:   w.CompletedAt,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
	for m, v := range w.Requested {
		d.Requested[string(m)] = v
	}
	for _, ded := range w.Plan.Deductions {
		d.Plan = append(d.Plan, deductionDoc{SourceID: string(ded.SourceID), MaterialID: string(ded.MaterialID), Amount: ded.Amount})
	}
	for _, l := range w.Fulfillment.Lines {
		d.Fulfillment = append(d.Fulfillment, lineDoc{
			MaterialID: string(l.MaterialID), Requested: l.Requested, Planned: l.Planned, Shortfall: l.Shortfall,
		})
	}
	if w.Commit != nil {
		c := &commitDoc{CommittedAt: w.Commit.CommittedAt}
		for _, a := range w.Commit.Applied {
			c.Applied = append(c.Applied, deductionDoc{
				SourceID: string(a.SourceID), MaterialID: string(a.MaterialID), Amount: a.Amount, Applied: a.Applied,
			})
		}
		d.Commit = c
	}
	return d
}

func (d withdrawalDoc) toWithdrawal() ledger.WithdrawalRequest {
	w := ledger.WithdrawalRequest{
		ID:            ledger.WithdrawalID(d.ID),
		BankID:        ledger.BankID(d.BankID),
		DestinationID: ledger.BankID(d.DestinationID),
		Schedule:      ledger.Schedule{Date: d.ScheduleDate, TimeSlot: d.ScheduleSlot},
		Status:        ledger.WithdrawalStatus(d.Status),
		Requested:     make(ledger.Weights, len(d.Requested)),
		Note:          d.Note,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	for m, v := range d.Requested {
		w.Requested[catalog.MaterialID(m)] = v
	}
	for _, ded := range d.Plan {
		w.Plan.Deductions = append(w.Plan.Deductions, ded.toDeduction())
	}
	for _, l := range d.Fulfillment {
		w.Fulfillment.Lines = append(w.Fulfillment.Lines, ledger.FulfillmentLine{
			MaterialID: catalog.MaterialID(l.MaterialID), Requested: l.Requested, Planned: l.Planned, Shortfall: l.Shortfall,
		})
	}
	if d.Commit != nil {
		c := &ledger.CommitResult{WithdrawalID: w.ID, CommittedAt: d.Commit.CommittedAt.UTC()}
		for _, a := range d.Commit.Applied {
			c.Applied = append(c.Applied, ledger.AppliedDeduction{Deduction: a.toDeduction(), Applied: a.Applied})
		}
		w.Commit = c
	}
	if d.CompletedAt != nil {
		t := d.CompletedAt.UTC()
		w.CompletedAt = &t
	}
	return w
}

func (d deductionDoc) toDeduction() ledger.Deduction {
	return ledger.Deduction{
		SourceID:   ledger.RecordID(d.SourceID),
		MaterialID: catalog.MaterialID(d.MaterialID),
		Amount:     d.Amount,
	}
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetRecord(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return s.getRecord(ctx, id)
}

func (s *Store) ListRecords(ctx context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	return s.listRecords(ctx, bankID, status)
}

func (s *Store) GetWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return s.getWithdrawal(ctx, id)
}

func (s *Store) ListWithdrawals(ctx context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	return s.listWithdrawals(ctx, bankID)
}

func (s *Store) getRecord(ctx context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	var doc recordDoc
	err := s.records.FindOne(ctx, bson.D{{Key: "_id", Value: string(id)}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ledger.CollectionRecord{}, ledger.ErrRecordNotFound
		}
		return ledger.CollectionRecord{}, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	return doc.toRecord(), nil
}

func (s *Store) listRecords(ctx context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	filter := bson.D{{Key: "bank_id", Value: string(bankID)}}
	if status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(status)})
	}

	cur, err := s.records.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	var docs []recordDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}

	out := make([]ledger.CollectionRecord, len(docs))
	for i, d := range docs {
		out[i] = d.toRecord()
	}
	return out, nil
}

func (s *Store) getWithdrawal(ctx context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	var doc withdrawalDoc
	err := s.withdrawals.FindOne(ctx, bson.D{{Key: "_id", Value: string(id)}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ledger.WithdrawalRequest{}, ledger.ErrWithdrawalNotFound
		}
		return ledger.WithdrawalRequest{}, fmt.Errorf("failed to read withdrawal %s: %w", id, err)
	}
	return doc.toWithdrawal(), nil
}

func (s *Store) listWithdrawals(ctx context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.withdrawals.Find(ctx, bson.D{{Key: "bank_id", Value: string(bankID)}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	var docs []withdrawalDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode withdrawals: %w", err)
	}

	out := make([]ledger.WithdrawalRequest, len(docs))
	for i, d := range docs {
		out[i] = d.toWithdrawal()
	}
	return out, nil
}

// claim bumps the document's version inside the transaction and returns it.
func claim(ctx context.Context, coll *mongo.Collection, id string, out any) error {
	return coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(out)
}

// =============================================================================
// WRITES
// =============================================================================

// putRecord upserts by ID. The $set document omits _id; an insert takes it
// from the filter.
func (s *Store) putRecord(ctx context.Context, rec ledger.CollectionRecord) error {
	doc := toRecordDoc(rec)
	doc.ID = ""
	doc.Writer = s.origin
	_, err := s.records.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: string(rec.ID)}},
		bson.D{
			{Key: "$set", Value: doc},
			{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func (s *Store) putWithdrawal(ctx context.Context, w ledger.WithdrawalRequest) error {
	doc := toWithdrawalDoc(w)
	doc.ID = ""
	_, err := s.withdrawals.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: string(w.ID)}},
		bson.D{
			{Key: "$set", Value: doc},
			{Key: "$inc", Value: bson.D{{Key: "version", Value: 1}}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save withdrawal: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn in a multi-document transaction. Change events are
// published once, after the successful attempt commits.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	var events []ledger.ChangeEvent
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		t := &txStore{store: s, sc: sc}
		if err := fn(t); err != nil {
			return nil, err
		}
		events = t.changes.Events()
		return nil, nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		}
		return err
	}

	s.Publish(events...)
	return nil
}

// =============================================================================
// CHANGE STREAM
// =============================================================================

// ObservesAllWrites reports whether the change stream is open.
func (s *Store) ObservesAllWrites() bool { return s.watchUp.Load() }

const (
	minWatchBackoff = 100 * time.Millisecond
	maxWatchBackoff = 5 * time.Second
)

// watch keeps a change stream on the records collection open until ctx is
// cancelled, reopening it with backoff.
func (s *Store) watch(ctx context.Context) {
	defer close(s.watchDone)

	backoff := minWatchBackoff
	for {
		err := s.watchOnce(ctx)
		if s.watchUp.Swap(false) {
			backoff = minWatchBackoff
		}
		// writes may have gone unseen
		s.Publish(ledger.ChangeEvent{Kind: ledger.ChangeRecord})
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("record change stream closed",
			zap.Error(err),
			zap.Duration("retry_in", backoff),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxWatchBackoff)
	}
}

type recordChange struct {
	DocumentKey struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *struct {
		BankID string `bson:"bank_id"`
		Writer string `bson:"writer"`
	} `bson:"fullDocument"`
}

func (s *Store) watchOnce(ctx context.Context) error {
	stream, err := s.records.Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close(context.Background())

	s.Publish(ledger.ChangeEvent{Kind: ledger.ChangeRecord})
	s.watchUp.Store(true)

	for stream.Next(ctx) {
		var change recordChange
		if err := stream.Decode(&change); err != nil {
			return fmt.Errorf("failed to decode change: %w", err)
		}
		ev := ledger.ChangeEvent{Kind: ledger.ChangeRecord, ID: change.DocumentKey.ID}
		if doc := change.FullDocument; doc != nil {
			if doc.Writer == s.origin {
				continue
			}
			ev.BankID = ledger.BankID(doc.BankID)
		}
		s.Publish(ev)
	}
	return stream.Err()
}

// txStore routes every call through the session context, whatever context
// the caller passes.
type txStore struct {
	store   *Store
	sc      mongo.SessionContext
	changes ledger.ChangeLog
}

func (t *txStore) GetRecord(_ context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	return t.store.getRecord(t.sc, id)
}

func (t *txStore) GetRecordForUpdate(_ context.Context, id ledger.RecordID) (ledger.CollectionRecord, error) {
	var doc recordDoc
	if err := claim(t.sc, t.store.records, string(id), &doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ledger.CollectionRecord{}, ledger.ErrRecordNotFound
		}
		return ledger.CollectionRecord{}, fmt.Errorf("failed to lock record %s: %w", id, err)
	}
	return doc.toRecord(), nil
}

func (t *txStore) ListRecords(_ context.Context, bankID ledger.BankID, status ledger.CollectionStatus) ([]ledger.CollectionRecord, error) {
	return t.store.listRecords(t.sc, bankID, status)
}

func (t *txStore) GetWithdrawal(_ context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	return t.store.getWithdrawal(t.sc, id)
}

func (t *txStore) GetWithdrawalForUpdate(_ context.Context, id ledger.WithdrawalID) (ledger.WithdrawalRequest, error) {
	var doc withdrawalDoc
	if err := claim(t.sc, t.store.withdrawals, string(id), &doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ledger.WithdrawalRequest{}, ledger.ErrWithdrawalNotFound
		}
		return ledger.WithdrawalRequest{}, fmt.Errorf("failed to lock withdrawal %s: %w", id, err)
	}
	return doc.toWithdrawal(), nil
}

func (t *txStore) ListWithdrawals(_ context.Context, bankID ledger.BankID) ([]ledger.WithdrawalRequest, error) {
	return t.store.listWithdrawals(t.sc, bankID)
}

func (t *txStore) PutRecord(_ context.Context, rec ledger.CollectionRecord) error {
	if err := t.store.putRecord(t.sc, rec); err != nil {
		return err
	}
	t.changes.Record(rec)
	return nil
}

func (t *txStore) PutWithdrawal(_ context.Context, w ledger.WithdrawalRequest) error {
	if err := t.store.putWithdrawal(t.sc, w); err != nil {
		return err
	}
	t.changes.Withdrawal(w)
	return nil
}

// =============================================================================
// DECIMAL CODEC
// =============================================================================

var decimalType = reflect.TypeOf(decimal.Decimal{})

func newRegistry() *bsoncodec.Registry {
	registry := bson.NewRegistry()
	registry.RegisterTypeEncoder(decimalType, bsoncodec.ValueEncoderFunc(encodeDecimal))
	registry.RegisterTypeDecoder(decimalType, bsoncodec.ValueDecoderFunc(decodeDecimal))
	return registry
}

func encodeDecimal(_ bsoncodec.EncodeContext, vw bsonrw.ValueWriter, val reflect.Value) error {
	if !val.IsValid() || val.Type() != decimalType {
		return bsoncodec.ValueEncoderError{Name: "DecimalEncodeValue", Types: []reflect.Type{decimalType}, Received: val}
	}
	return vw.WriteString(val.Interface().(decimal.Decimal).String())
}

func decodeDecimal(_ bsoncodec.DecodeContext, vr bsonrw.ValueReader, val reflect.Value) error {
	if !val.CanSet() || val.Type() != decimalType {
		return bsoncodec.ValueDecoderError{Name: "DecimalDecodeValue", Types: []reflect.Type{decimalType}, Received: val}
	}

	var (
		d   decimal.Decimal
		err error
	)
	switch vr.Type() {
	case bson.TypeString:
		s, rerr := vr.ReadString()
		if rerr != nil {
			return rerr
		}
		d, err = decimal.NewFromString(s)
	case bson.TypeDouble:
		f, rerr := vr.ReadDouble()
		if rerr != nil {
			return rerr
		}
		d = decimal.NewFromFloat(f)
	case bson.TypeNull:
		err = vr.ReadNull()
	default:
		return fmt.Errorf("cannot decode %v into a decimal", vr.Type())
	}
	if err != nil {
		return err
	}
	val.Set(reflect.ValueOf(d))
	return nil
}
