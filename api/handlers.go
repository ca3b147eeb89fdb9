/*
handlers.go - HTTP API handlers for the waste-bank ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the ledger services.

ENDPOINTS:
  Catalog & valuation:
    GET    /api/catalog                          Price and impact table
    GET    /api/tiers                            Loyalty tier table
    POST   /api/valuation                        Value ad-hoc observations

  Collections:
    POST   /api/banks/{bankID}/collections       Record a collection (pending)
    GET    /api/banks/{bankID}/collections       List, optional ?status=
    GET    /api/collections/{id}                 Get one record
    PUT    /api/collections/{id}/items           Replace items before completion
    POST   /api/collections/{id}/status          Advance the intake lifecycle

  Inventory:
    GET    /api/banks/{bankID}/inventory         Current stock, ?breakdown=true for source counts
    GET    /api/banks/{bankID}/impact            Value, points, tier, environmental impact

  Withdrawals:
    POST   /api/banks/{bankID}/withdrawals       Plan and create a withdrawal
    GET    /api/banks/{bankID}/withdrawals       List, newest first
    GET    /api/withdrawals/{id}                 Get one withdrawal
    POST   /api/withdrawals/{id}/status          processing | completed | cancelled

  Scenarios:
    GET    /api/scenarios                        List demo scenarios
    GET    /api/scenarios/current                Currently loaded scenario
    POST   /api/scenarios/load                   Reset and load a scenario
    POST   /api/reset                            Clear all data (dev only)

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Persistence (any ledger.Store implementation)
  - Intake, Withdrawals: Lifecycle services
  - Inventory: Subscription-invalidated inventory cache; reads through when
    the store cannot see every writer (ledger.ChangeFeed)
  - Valuation: Points, tiers and impact

ERROR HANDLING:
  Errors are returned as JSON (ErrorResponse) with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record or withdrawal not found
  - 409: Invalid transition, locked items, already committed, cancelled
  - 422: Partial fulfillment under the reject policy (details = fulfillment)
  - 503: Commit failed, safe to retry (retryable = true)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/valuation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Store
	Intake      *ledger.IntakeService
	Withdrawals *ledger.WithdrawalService
	Inventory   *ledger.InventoryCache
	Valuation   *valuation.Engine
	Logger      *zap.Logger

	clock ledger.Clock

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

type handlerConfig struct {
	policy  ledger.PartialPolicy
	locker  ledger.Locker
	metrics ledger.Metrics
	logger  *zap.Logger
	clock   ledger.Clock
}

// Option customizes the services built by NewHandler.
type Option func(*handlerConfig)

func WithPolicy(p ledger.PartialPolicy) Option {
	return func(c *handlerConfig) { c.policy = p }
}

// WithLocker serializes commits of the same withdrawal across instances.
func WithLocker(l ledger.Locker) Option {
	return func(c *handlerConfig) { c.locker = l }
}

func WithMetrics(m ledger.Metrics) Option {
	return func(c *handlerConfig) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *handlerConfig) { c.logger = l }
}

func WithClock(clock ledger.Clock) Option {
	return func(c *handlerConfig) { c.clock = clock }
}

// NewHandler wires the ledger services over store. Call Close to release the
// inventory cache subscription.
func NewHandler(store ledger.Store, engine *valuation.Engine, opts ...Option) *Handler {
	cfg := handlerConfig{
		policy:  ledger.PartialReject,
		metrics: ledger.NopMetrics{},
		logger:  zap.NewNop(),
		clock:   ledger.SystemClock{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	commits := &ledger.CommitEngine{
		Store:   store,
		Locker:  cfg.locker,
		Clock:   cfg.clock,
		Metrics: cfg.metrics,
		Logger:  cfg.logger,
	}
	return &Handler{
		Store: store,
		Intake: &ledger.IntakeService{
			Store:  store,
			Prices: engine.Catalog(),
			Clock:  cfg.clock,
			Logger: cfg.logger,
		},
		Withdrawals: &ledger.WithdrawalService{
			Store:   store,
			Commits: commits,
			Policy:  cfg.policy,
			Clock:   cfg.clock,
			Metrics: cfg.metrics,
			Logger:  cfg.logger,
		},
		Inventory: ledger.NewInventoryCache(store),
		Valuation: engine,
		Logger:    cfg.logger,
		clock:     cfg.clock,
	}
}

func (h *Handler) Close() {
	h.Inventory.Close()
}

// =============================================================================
// CATALOG & VALUATION HANDLERS
// =============================================================================

// GetCatalog returns the price and impact table.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toCatalogDTO(h.Valuation.Catalog()))
}

// ListTiers returns the loyalty tier table.
func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Valuation.Tiers())
}

// Valuate values ad-hoc observations. Unknown materials value at zero and
// come back as warnings, never as errors.
func (h *Handler) Valuate(w http.ResponseWriter, r *http.Request) {
	var req ValuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	observations := make(map[catalog.MaterialID]valuation.Observation, len(req.Items))
	for id, weight := range req.Items {
		observations[id] = valuation.Observation{Weight: weight}
	}
	result := h.Valuation.TotalValue(observations)
	points := h.Valuation.PointsFromValue(result.Total)

	resp := ValuationDTO{
		Total:  result.Total,
		Points: points,
		Tier:   h.Valuation.TierForPoints(points),
		Lines:  result.Lines,
	}
	if resp.Lines == nil {
		resp.Lines = []valuation.ValueLine{}
	}
	for _, warning := range result.Warnings {
		resp.Warnings = append(resp.Warnings, warning.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// COLLECTION HANDLERS
// =============================================================================

// RecordCollection creates a pending collection record.
func (h *Handler) RecordCollection(w http.ResponseWriter, r *http.Request) {
	bankID := ledger.BankID(chi.URLParam(r, "bankID"))

	var req RecordCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Intake.RecordCollection(r.Context(), bankID, req.Items)
	if err != nil {
		h.writeLedgerError(w, "Failed to record collection", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCollectionDTO(*rec))
}

// ListCollections returns a bank's records, optionally filtered by status.
func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	bankID := ledger.BankID(chi.URLParam(r, "bankID"))

	var status ledger.CollectionStatus
	if s := r.URL.Query().Get("status"); s != "" {
		var ok bool
		if status, ok = parseCollectionStatus(s); !ok {
			writeError(w, http.StatusBadRequest, "Unknown collection status", nil)
			return
		}
	}

	recs, err := h.Intake.List(r.Context(), bankID, status)
	if err != nil {
		h.writeLedgerError(w, "Failed to list collections", err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionDTOs(recs))
}

// GetCollection returns one record.
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	id := ledger.RecordID(chi.URLParam(r, "id"))

	rec, err := h.Intake.Get(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get collection", err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionDTO(*rec))
}

// UpdateCollectionItems replaces a record's items. Completed and cancelled
// records are locked.
func (h *Handler) UpdateCollectionItems(w http.ResponseWriter, r *http.Request) {
	id := ledger.RecordID(chi.URLParam(r, "id"))

	var req RecordCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Intake.UpdateItems(r.Context(), id, req.Items)
	if err != nil {
		h.writeLedgerError(w, "Failed to update collection", err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionDTO(*rec))
}

// TransitionCollection moves a record along its lifecycle. Completion makes
// its weights part of the bank's inventory.
func (h *Handler) TransitionCollection(w http.ResponseWriter, r *http.Request) {
	id := ledger.RecordID(chi.URLParam(r, "id"))

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	to, ok := parseCollectionStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown collection status", nil)
		return
	}

	rec, err := h.Intake.Transition(r.Context(), id, to)
	if err != nil {
		h.writeLedgerError(w, "Failed to change collection status", err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionDTO(*rec))
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// GetInventory returns the bank's current stock. The default answer comes
// from the inventory cache; ?breakdown=true recomputes from the records and
// adds per-material source counts.
func (h *Handler) GetInventory(w http.ResponseWriter, r *http.Request) {
	bankID := ledger.BankID(chi.URLParam(r, "bankID"))

	breakdown, _ := strconv.ParseBool(r.URL.Query().Get("breakdown"))
	if breakdown {
		recs, err := h.Store.ListRecords(r.Context(), bankID, ledger.CollectionCompleted)
		if err != nil {
			h.writeLedgerError(w, "Failed to compute inventory", err)
			return
		}
		writeJSON(w, http.StatusOK, toInventoryDTO(bankID, ledger.Breakdown(recs)))
		return
	}

	inv, err := h.Inventory.CurrentInventory(r.Context(), bankID)
	if err != nil {
		h.writeLedgerError(w, "Failed to compute inventory", err)
		return
	}
	lines := make(map[catalog.MaterialID]ledger.InventoryLine, len(inv))
	for id, weight := range inv {
		lines[id] = ledger.InventoryLine{Weight: weight}
	}
	writeJSON(w, http.StatusOK, toInventoryDTO(bankID, lines))
}

// GetImpact returns the bank's dashboard: stock value, points, tier and
// environmental impact of its completed collections.
func (h *Handler) GetImpact(w http.ResponseWriter, r *http.Request) {
	bankID := ledger.BankID(chi.URLParam(r, "bankID"))

	recs, err := h.Store.ListRecords(r.Context(), bankID, "")
	if err != nil {
		h.writeLedgerError(w, "Failed to list collections", err)
		return
	}
	writeJSON(w, http.StatusOK, ImpactDTO{
		BankID:  string(bankID),
		Summary: h.Valuation.Summarize(recs),
	})
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

// CreateWithdrawal plans a withdrawal against the bank's current stock. Under
// the reject policy a partial plan is answered with 422 and the per-material
// fulfillment report; nothing is persisted.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	bankID := ledger.BankID(chi.URLParam(r, "bankID"))

	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	wr, err := h.Withdrawals.CreateWithdrawal(r.Context(), ledger.CreateWithdrawalInput{
		BankID:        bankID,
		DestinationID: ledger.BankID(req.DestinationID),
		Schedule:      req.Schedule,
		Requested:     req.Requested,
		Note:          req.Note,
	})
	if err != nil {
		h.writeLedgerError(w, "Failed to create withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*wr))
}

// ListWithdrawals returns a bank's withdrawals, newest first.
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	bankID := ledger.BankID(chi.URLParam(r, "bankID"))

	ws, err := h.Withdrawals.List(r.Context(), bankID)
	if err != nil {
		h.writeLedgerError(w, "Failed to list withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

// GetWithdrawal returns one withdrawal with its plan and, once completed,
// its commit result.
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := ledger.WithdrawalID(chi.URLParam(r, "id"))

	wr, err := h.Withdrawals.Get(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, "Failed to get withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wr))
}

// TransitionWithdrawal changes a withdrawal's status. "completed" runs the
// deferred commit; "in_progress" is accepted for "processing".
func (h *Handler) TransitionWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := ledger.WithdrawalID(chi.URLParam(r, "id"))

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	to, ok := ledger.ParseWithdrawalStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown withdrawal status", nil)
		return
	}

	wr, err := h.Withdrawals.Transition(r.Context(), id, to)
	if err != nil {
		h.writeLedgerError(w, "Failed to change withdrawal status", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wr))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// resetter is implemented by every store in this module.
type resetter interface {
	Reset(ctx context.Context) error
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.Inventory.Flush()

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps ledger errors to HTTP status codes.
func (h *Handler) writeLedgerError(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message, Details: err.Error()}
	status := http.StatusInternalServerError

	var partial *ledger.PartialFulfillmentError
	switch {
	case errors.As(err, &partial):
		status, resp.Code = http.StatusUnprocessableEntity, "partial_fulfillment"
		resp.Details = partial.Fulfillment
	case ledger.IsNotFound(err):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrAlreadyCommitted):
		status, resp.Code = http.StatusConflict, "already_committed"
	case errors.Is(err, ledger.ErrWithdrawalCancelled):
		status, resp.Code = http.StatusConflict, "withdrawal_cancelled"
	case errors.Is(err, ledger.ErrInvalidTransition):
		status, resp.Code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ledger.ErrRecordLocked):
		status, resp.Code = http.StatusConflict, "record_locked"
	case errors.Is(err, ledger.ErrInvalidInput):
		status, resp.Code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ledger.ErrCommitFailed):
		status, resp.Code = http.StatusServiceUnavailable, "commit_failed"
	case errors.Is(err, ledger.ErrConcurrentModification):
		status, resp.Code = http.StatusConflict, "concurrent_modification"
	}
	resp.Retryable = ledger.IsRetryable(err)

	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func parseCollectionStatus(s string) (ledger.CollectionStatus, bool) {
	switch st := ledger.CollectionStatus(s); st {
	case ledger.CollectionPending, ledger.CollectionAssigned, ledger.CollectionInProgress,
		ledger.CollectionCompleted, ledger.CollectionCancelled:
		return st, true
	case "canceled":
		return ledger.CollectionCancelled, true
	}
	return "", false
}
