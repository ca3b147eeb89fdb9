/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- The collection -> withdrawal -> commit flow over HTTP
- Error mapping (404, 409, 422, 400)
- Valuation, catalog, scenarios, metrics mount
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/metrics"
	"github.com/warp/wasteledger/store/sqlite"
	"github.com/warp/wasteledger/valuation"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// stepClock advances one minute per reading so completion order is strict.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type testServer struct {
	handler *Handler
	router  http.Handler
}

func setupTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	return setupTestServerOn(t, openSQLite(t, ":memory:"), opts...)
}

func openSQLite(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func setupTestServerOn(t *testing.T, store ledger.Store, opts ...Option) *testServer {
	t.Helper()
	clock := &stepClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock)}, opts...)
	h := NewHandler(store, valuation.NewEngine(catalog.Default()), opts...)
	t.Cleanup(h.Close)

	return &testServer{handler: h, router: NewRouter(h, RouterConfig{})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

// completedCollection records and completes a single-material collection.
func (s *testServer) completedCollection(t *testing.T, bank, material string, kg float64) CollectionDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/banks/"+bank+"/collections", map[string]any{
		"items": map[string]float64{material: kg},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CollectionDTO](t, rec)

	rec = s.do(t, http.MethodPost, "/api/collections/"+created.ID+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[CollectionDTO](t, rec)
}

func (s *testServer) withdraw(t *testing.T, bank string, requested map[string]float64) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/banks/"+bank+"/withdrawals", map[string]any{
		"destination_id": "master-1",
		"schedule":       map[string]string{"date": "2025-03-10", "time_slot": "08:00-10:00"},
		"requested":      requested,
	})
}

func (s *testServer) inventory(t *testing.T, bank string) map[string]decimal.Decimal {
	t.Helper()
	rec := s.do(t, http.MethodGet, "/api/banks/"+bank+"/inventory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := map[string]decimal.Decimal{}
	for _, line := range decode[InventoryDTO](t, rec).Materials {
		out[line.MaterialID] = line.Weight
	}
	return out
}

func itemWeight(c CollectionDTO, material string) decimal.Decimal {
	for _, item := range c.Items {
		if item.MaterialID == material {
			return item.Weight
		}
	}
	return decimal.Zero
}

func assertKg(t *testing.T, want float64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, ledger.Kg(want).Equal(got), "want %v got %s", want, got)
}

// =============================================================================
// WITHDRAWAL FLOW
// =============================================================================

func TestWithdrawal_KoranFlow(t *testing.T) {
	// GIVEN: R1 (5kg, completed first) and R2 (8kg)
	s := setupTestServer(t)
	r1 := s.completedCollection(t, "bank-1", "koran", 5)
	r2 := s.completedCollection(t, "bank-1", "koran", 8)

	// WHEN: 6kg is requested
	rec := s.withdraw(t, "bank-1", map[string]float64{"koran": 6})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[WithdrawalDTO](t, rec)

	// THEN: The plan draws 5kg from R1 then 1kg from R2, nothing moves yet
	assert.Equal(t, "pending", created.Status)
	assert.False(t, created.Partial)
	require.Len(t, created.Plan.Deductions, 2)
	assert.Equal(t, ledger.RecordID(r1.ID), created.Plan.Deductions[0].SourceID)
	assertKg(t, 5, created.Plan.Deductions[0].Amount)
	assert.Equal(t, ledger.RecordID(r2.ID), created.Plan.Deductions[1].SourceID)
	assertKg(t, 1, created.Plan.Deductions[1].Amount)
	assertKg(t, 13, s.inventory(t, "bank-1")["koran"])

	// WHEN: The withdrawal is completed
	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+created.ID+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[WithdrawalDTO](t, rec)

	// THEN: R1=0, R2=7 and inventory is 7
	assert.Equal(t, "completed", done.Status)
	require.NotNil(t, done.Commit)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.Conflicts)

	rec = s.do(t, http.MethodGet, "/api/collections/"+r1.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertKg(t, 0, itemWeight(decode[CollectionDTO](t, rec), "koran"))

	rec = s.do(t, http.MethodGet, "/api/collections/"+r2.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assertKg(t, 7, itemWeight(decode[CollectionDTO](t, rec), "koran"))

	assertKg(t, 7, s.inventory(t, "bank-1")["koran"])
}

func TestWithdrawal_PartialRejected(t *testing.T) {
	// GIVEN: 13kg of koran and the default reject policy
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 5)
	s.completedCollection(t, "bank-1", "koran", 8)

	// WHEN: 20kg is requested
	rec := s.withdraw(t, "bank-1", map[string]float64{"koran": 20})

	// THEN: 422 with the per-material shortfall, nothing persisted
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	resp := decode[struct {
		Code    string             `json:"code"`
		Details ledger.Fulfillment `json:"details"`
	}](t, rec)
	assert.Equal(t, "partial_fulfillment", resp.Code)
	require.Len(t, resp.Details.Lines, 1)
	assertKg(t, 13, resp.Details.Lines[0].Planned)
	assertKg(t, 7, resp.Details.Lines[0].Shortfall)

	rec = s.do(t, http.MethodGet, "/api/banks/bank-1/withdrawals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]WithdrawalDTO](t, rec))
}

func TestWithdrawal_PartialAccepted(t *testing.T) {
	// GIVEN: The accept policy
	s := setupTestServer(t, WithPolicy(ledger.PartialAccept))
	s.completedCollection(t, "bank-1", "koran", 5)
	s.completedCollection(t, "bank-1", "koran", 8)

	// WHEN: 20kg is requested
	rec := s.withdraw(t, "bank-1", map[string]float64{"koran": 20})

	// THEN: The reduced plan is kept and flagged partial
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	w := decode[WithdrawalDTO](t, rec)
	assert.True(t, w.Partial)
	assertKg(t, 13, w.Plan.Totals()["koran"])
	assertKg(t, 7, w.Fulfillment.Shortfall("koran"))
}

func TestWithdrawal_CompletedTwice(t *testing.T) {
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 5)
	rec := s.withdraw(t, "bank-1", map[string]float64{"koran": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	w := decode[WithdrawalDTO](t, rec)

	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+w.ID+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: Completed again
	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+w.ID+"/status", StatusRequest{Status: "completed"})

	// THEN: 409 and the stock is deducted once
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_committed", decode[ErrorResponse](t, rec).Code)
	assertKg(t, 3, s.inventory(t, "bank-1")["koran"])
}

func TestWithdrawal_CancelledNeverCommits(t *testing.T) {
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 5)
	rec := s.withdraw(t, "bank-1", map[string]float64{"koran": 2})
	w := decode[WithdrawalDTO](t, rec)

	// "in_progress" is accepted for processing
	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+w.ID+"/status", StatusRequest{Status: "in_progress"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processing", decode[WithdrawalDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+w.ID+"/status", StatusRequest{Status: "cancelled"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+w.ID+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "withdrawal_cancelled", decode[ErrorResponse](t, rec).Code)
	assertKg(t, 5, s.inventory(t, "bank-1")["koran"])
}

func TestWithdrawal_Errors(t *testing.T) {
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 5)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown withdrawal", http.MethodGet, "/api/withdrawals/nope", nil, http.StatusNotFound, "not_found"},
		{"commit unknown", http.MethodPost, "/api/withdrawals/nope/status", StatusRequest{Status: "completed"}, http.StatusNotFound, "not_found"},
		{"unknown status", http.MethodPost, "/api/withdrawals/nope/status", StatusRequest{Status: "shipped"}, http.StatusBadRequest, ""},
		{"same destination", http.MethodPost, "/api/banks/bank-1/withdrawals", map[string]any{
			"destination_id": "bank-1", "requested": map[string]float64{"koran": 1},
		}, http.StatusBadRequest, "invalid_input"},
		{"nothing requested", http.MethodPost, "/api/banks/bank-1/withdrawals", map[string]any{
			"destination_id": "master-1", "requested": map[string]float64{},
		}, http.StatusBadRequest, "invalid_input"},
		{"negative weight", http.MethodPost, "/api/banks/bank-1/withdrawals", map[string]any{
			"destination_id": "master-1", "requested": map[string]float64{"koran": -1},
		}, http.StatusBadRequest, "invalid_input"},
		{"below one step", http.MethodPost, "/api/banks/bank-1/withdrawals", map[string]any{
			"destination_id": "master-1", "requested": map[string]float64{"koran": 0.05},
		}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Code)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/banks/bank-1/withdrawals", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// =============================================================================
// COLLECTIONS
// =============================================================================

func TestCollection_Lifecycle(t *testing.T) {
	s := setupTestServer(t)

	// GIVEN: A pending collection valued at catalog prices
	rec := s.do(t, http.MethodPost, "/api/banks/bank-1/collections", map[string]any{
		"items": map[string]any{"kardus": "2.5", "kaleng": 1},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decode[CollectionDTO](t, rec)
	assert.Equal(t, "pending", c.Status)
	assert.Nil(t, c.CompletedAt)
	assert.True(t, decimal.NewFromInt(9500).Equal(c.TotalValue), c.TotalValue.String()) // 2.5*1800 + 1*5000

	// Pending stock is not inventory
	assert.Empty(t, s.inventory(t, "bank-1"))

	// WHEN: Items are edited, then the record moves through the lifecycle
	rec = s.do(t, http.MethodPut, "/api/collections/"+c.ID+"/items", RecordCollectionRequest{
		Items: ledger.Weights{"kardus": ledger.Kg(3)},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, status := range []string{"assigned", "in_progress", "completed"} {
		rec = s.do(t, http.MethodPost, "/api/collections/"+c.ID+"/status", StatusRequest{Status: status})
		require.Equal(t, http.StatusOK, rec.Code, status)
	}
	done := decode[CollectionDTO](t, rec)

	// THEN: The record is completed and counts toward inventory
	assert.Equal(t, "completed", done.Status)
	assert.NotNil(t, done.CompletedAt)
	assertKg(t, 3, s.inventory(t, "bank-1")["kardus"])

	// Items are locked after completion
	rec = s.do(t, http.MethodPut, "/api/collections/"+c.ID+"/items", RecordCollectionRequest{
		Items: ledger.Weights{"kardus": ledger.Kg(30)},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "record_locked", decode[ErrorResponse](t, rec).Code)

	// No way back from completed
	rec = s.do(t, http.MethodPost, "/api/collections/"+c.ID+"/status", StatusRequest{Status: "pending"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Code)
}

func TestCollection_ListByStatus(t *testing.T) {
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 1)
	rec := s.do(t, http.MethodPost, "/api/banks/bank-1/collections", map[string]any{
		"items": map[string]float64{"koran": 2},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	s.completedCollection(t, "bank-2", "koran", 4)

	rec = s.do(t, http.MethodGet, "/api/banks/bank-1/collections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]CollectionDTO](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/banks/bank-1/collections?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	completed := decode[[]CollectionDTO](t, rec)
	require.Len(t, completed, 1)
	assertKg(t, 1, completed[0].TotalWeight)

	rec = s.do(t, http.MethodGet, "/api/banks/bank-1/collections?status=weighed", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/collections/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// INVENTORY & IMPACT
// =============================================================================

func TestInventory_Breakdown(t *testing.T) {
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 5)
	s.completedCollection(t, "bank-1", "koran", 8)
	s.completedCollection(t, "bank-1", "kaleng", 2)

	rec := s.do(t, http.MethodGet, "/api/banks/bank-1/inventory?breakdown=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[InventoryDTO](t, rec)

	require.Len(t, inv.Materials, 2)
	assert.Equal(t, "kaleng", inv.Materials[0].MaterialID)
	assert.Equal(t, 1, inv.Materials[0].Sources)
	assert.Equal(t, "koran", inv.Materials[1].MaterialID)
	assert.Equal(t, 2, inv.Materials[1].Sources)
	assertKg(t, 15, inv.TotalWeight)
}

func TestInventory_TwoInstancesShareOneDatabase(t *testing.T) {
	// GIVEN: Two servers on the same SQLite file; A has read 5kg of koran
	path := filepath.Join(t.TempDir(), "ledger.db")
	a := setupTestServerOn(t, openSQLite(t, path))
	b := setupTestServerOn(t, openSQLite(t, path))
	a.completedCollection(t, "bank-1", "koran", 5)
	assertKg(t, 5, a.inventory(t, "bank-1")["koran"])

	// WHEN: B withdraws and completes all 5kg
	rec := b.withdraw(t, "bank-1", map[string]float64{"koran": 5})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[WithdrawalDTO](t, rec)
	rec = b.do(t, http.MethodPost, "/api/withdrawals/"+created.ID+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: A reports the drained stock
	assertKg(t, 0, a.inventory(t, "bank-1")["koran"])
}

func TestImpact(t *testing.T) {
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 10)

	rec := s.do(t, http.MethodGet, "/api/banks/bank-1/impact", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	impact := decode[ImpactDTO](t, rec)

	// 10kg x 2000 = 20000 -> 200 points
	assert.Equal(t, "bank-1", impact.BankID)
	assert.True(t, decimal.NewFromInt(20000).Equal(impact.Value))
	assert.Equal(t, int64(200), impact.Points)
	assert.Equal(t, valuation.TierBronze, impact.Tier)
	assert.Equal(t, 1, impact.Impact.CompletedCount)
	assert.Equal(t, int64(10), impact.Impact.TotalBags)
	assert.True(t, decimal.NewFromInt(9).Equal(impact.Impact.CarbonReduced), impact.Impact.CarbonReduced.String())
}

// =============================================================================
// CATALOG & VALUATION
// =============================================================================

func TestCatalog(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decode[CatalogDTO](t, rec)

	assert.Equal(t, "2025.1", c.Version)
	assert.NotEmpty(t, c.Materials)
	assert.Contains(t, c.Categories, "paper")
}

func TestValuation_UnknownMaterialWarns(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/valuation", map[string]any{
		"items": map[string]float64{"koran": 10, "mystery": 3},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[ValuationDTO](t, rec)

	assert.True(t, decimal.NewFromInt(20000).Equal(v.Total))
	assert.Equal(t, int64(200), v.Points)
	assert.Equal(t, valuation.TierBronze, v.Tier)
	assert.Len(t, v.Lines, 2)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], "mystery")
}

func TestListTiers(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/tiers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tiers := decode[[]valuation.Tier](t, rec)
	require.Len(t, tiers, 4)
	assert.Equal(t, valuation.TierBronze, tiers[0].ID)
}

// =============================================================================
// SCENARIOS & ADMIN
// =============================================================================

func TestScenario_Koran(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "koran"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertKg(t, 13, s.inventory(t, "bank-1")["koran"])

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "koran", decode[ScenarioDTO](t, rec).ID)

	// The FIFO example
	rec = s.withdraw(t, "bank-1", map[string]float64{"koran": 6})
	require.Equal(t, http.StatusCreated, rec.Code)
	w := decode[WithdrawalDTO](t, rec)
	rec = s.do(t, http.MethodPost, "/api/withdrawals/"+w.ID+"/status", StatusRequest{Status: "completed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/collections/R1", nil)
	assertKg(t, 0, itemWeight(decode[CollectionDTO](t, rec), "koran"))
	rec = s.do(t, http.MethodGet, "/api/collections/R2", nil)
	assertKg(t, 7, itemWeight(decode[CollectionDTO](t, rec), "koran"))

	// Reloading starts from a clean store and a fresh cache
	rec = s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "koran"})
	require.Equal(t, http.StatusOK, rec.Code)
	assertKg(t, 13, s.inventory(t, "bank-1")["koran"])
}

func TestScenario_StalePlansClampAtCommit(t *testing.T) {
	s := setupTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "stale-plans"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/banks/bank-1/withdrawals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ws := decode[[]WithdrawalDTO](t, rec)
	require.Len(t, ws, 2)

	// WHEN: Both withdrawals are completed
	conflicts := 0
	for _, w := range ws {
		rec = s.do(t, http.MethodPost, "/api/withdrawals/"+w.ID+"/status", StatusRequest{Status: "completed"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		conflicts += len(decode[WithdrawalDTO](t, rec).Conflicts)
	}

	// THEN: The second commit is clamped and stock never goes negative
	assert.Equal(t, 1, conflicts)
	assertKg(t, 0, s.inventory(t, "bank-1")["koran"])
}

func TestScenario_AllLoad(t *testing.T) {
	s := setupTestServer(t)
	for _, sc := range scenarios {
		rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: sc.ID})
		assert.Equal(t, http.StatusOK, rec.Code, "%s: %s", sc.ID, rec.Body.String())
	}

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetDatabase(t *testing.T) {
	s := setupTestServer(t)
	s.completedCollection(t, "bank-1", "koran", 5)
	assertKg(t, 5, s.inventory(t, "bank-1")["koran"])

	rec := s.do(t, http.MethodPost, "/api/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.inventory(t, "bank-1"))
}

func TestHealthzAndMetrics(t *testing.T) {
	recorder := metrics.New()
	s := setupTestServer(t, WithMetrics(recorder))
	s.router = NewRouter(s.handler, RouterConfig{Metrics: recorder.Handler()})

	s.completedCollection(t, "bank-1", "koran", 5)
	rec := s.withdraw(t, "bank-1", map[string]float64{"koran": 2})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `wasteledger_plans_total{fulfillment="full"} 1`)
}
