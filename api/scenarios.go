/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	data for testing and demos. Each scenario creates collection records
	and, for some, withdrawals that demonstrate specific features.

AVAILABLE SCENARIOS:

	koran:        Two completed koran records (5kg then 8kg), the FIFO example
	mixed-bank:   Several materials, an open collection, one completed and
	              one pending withdrawal
	stale-plans:  Two pending withdrawals planned against the same stock;
	              completing both shows the commit-time clamp

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Write collection records with fixed IDs and completion times, valued
    at the catalog's unit prices
 3. Optionally create and complete withdrawals through the services

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "koran"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "koran",
		Name:        "Koran FIFO",
		Description: "R1 (5kg, oldest) and R2 (8kg) of koran; withdraw 6kg to leave R1=0, R2=7",
	},
	{
		ID:          "mixed-bank",
		Name:        "Mixed Bank",
		Description: "Paper, plastic and metal stock with an open collection and withdrawal history",
	},
	{
		ID:          "stale-plans",
		Name:        "Stale Plans",
		Description: "Two pending withdrawals counting the same 5kg; the second commit is clamped",
	},
}

const (
	demoBank   ledger.BankID = "bank-1"
	demoMaster ledger.BankID = "master-1"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var load func(context.Context) error
	switch req.ScenarioID {
	case "koran":
		load = h.loadKoranScenario
	case "mixed-bank":
		load = h.loadMixedBankScenario
	case "stale-plans":
		load = h.loadStalePlansScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadKoranScenario seeds the canonical FIFO example.
func (h *Handler) loadKoranScenario(ctx context.Context) error {
	now := h.clock.Now()
	return h.seedRecords(ctx,
		h.demoRecord("R1", ledger.CollectionCompleted, now.Add(-48*time.Hour), "koran", 5),
		h.demoRecord("R2", ledger.CollectionCompleted, now.Add(-24*time.Hour), "koran", 8),
	)
}

// loadMixedBankScenario seeds a bank with history across several materials.
func (h *Handler) loadMixedBankScenario(ctx context.Context) error {
	now := h.clock.Now()
	err := h.seedRecords(ctx,
		h.demoRecord("R1", ledger.CollectionCompleted, now.Add(-14*24*time.Hour), "kardus", 12.5, "botol_plastik", 4),
		h.demoRecord("R2", ledger.CollectionCompleted, now.Add(-7*24*time.Hour), "kardus", 6, "kaleng", 3.2),
		h.demoRecord("R3", ledger.CollectionCompleted, now.Add(-2*24*time.Hour), "botol_plastik", 9.5, "aluminium", 1.5),
		h.demoRecord("R4", ledger.CollectionInProgress, time.Time{}, "kardus", 20),
		h.demoRecord("R5", ledger.CollectionCancelled, time.Time{}, "botol_kaca", 2),
	)
	if err != nil {
		return err
	}

	delivered, err := h.Withdrawals.CreateWithdrawal(ctx, ledger.CreateWithdrawalInput{
		BankID:        demoBank,
		DestinationID: demoMaster,
		Schedule:      ledger.Schedule{Date: now.AddDate(0, 0, -1).Format("2006-01-02"), TimeSlot: "08:00-10:00"},
		Requested:     ledger.Weights{"kardus": ledger.Kg(15)},
		Note:          "weekly cardboard pickup",
	})
	if err != nil {
		return fmt.Errorf("failed to plan delivered withdrawal: %w", err)
	}
	if _, err := h.Withdrawals.Transition(ctx, delivered.ID, ledger.WithdrawalCompleted); err != nil {
		return fmt.Errorf("failed to commit delivered withdrawal: %w", err)
	}

	_, err = h.Withdrawals.CreateWithdrawal(ctx, ledger.CreateWithdrawalInput{
		BankID:        demoBank,
		DestinationID: demoMaster,
		Schedule:      ledger.Schedule{Date: now.AddDate(0, 0, 3).Format("2006-01-02"), TimeSlot: "13:00-15:00"},
		Requested:     ledger.Weights{"botol_plastik": ledger.Kg(10), "aluminium": ledger.Kg(1)},
	})
	if err != nil {
		return fmt.Errorf("failed to plan pending withdrawal: %w", err)
	}
	return nil
}

// loadStalePlansScenario creates two pending withdrawals whose plans both
// count R1 in full.
func (h *Handler) loadStalePlansScenario(ctx context.Context) error {
	now := h.clock.Now()
	if err := h.seedRecords(ctx,
		h.demoRecord("R1", ledger.CollectionCompleted, now.Add(-24*time.Hour), "koran", 5),
	); err != nil {
		return err
	}

	for i, note := range []string{"first pickup", "second pickup"} {
		_, err := h.Withdrawals.CreateWithdrawal(ctx, ledger.CreateWithdrawalInput{
			BankID:        demoBank,
			DestinationID: demoMaster,
			Schedule:      ledger.Schedule{Date: now.AddDate(0, 0, i+1).Format("2006-01-02"), TimeSlot: "08:00-10:00"},
			Requested:     ledger.Weights{"koran": ledger.Kg(5)},
			Note:          note,
		})
		if err != nil {
			return fmt.Errorf("failed to plan %s: %w", note, err)
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// demoRecord builds a record at demoBank. kv alternates material ID and
// kilograms. A zero completedAt leaves the record open.
func (h *Handler) demoRecord(id string, status ledger.CollectionStatus, completedAt time.Time, kv ...any) ledger.CollectionRecord {
	prices := h.Valuation.Catalog()
	items := make(map[catalog.MaterialID]ledger.Item, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		material := catalog.MaterialID(kv[i].(string))
		weight := ledger.Kg(toFloat(kv[i+1]))
		items[material] = ledger.Item{
			Weight: weight,
			Value:  weight.Mul(prices.UnitPrice(material)),
		}
	}

	created := completedAt
	if created.IsZero() {
		created = h.clock.Now()
	}
	rec := ledger.CollectionRecord{
		ID:        ledger.RecordID(id),
		BankID:    demoBank,
		Status:    status,
		Items:     items,
		CreatedAt: created.Add(-time.Hour),
		UpdatedAt: created,
	}
	if status == ledger.CollectionCompleted {
		t := completedAt
		rec.CompletedAt = &t
	}
	return rec
}

func (h *Handler) seedRecords(ctx context.Context, recs ...ledger.CollectionRecord) error {
	return h.Store.WithTx(ctx, func(tx ledger.Tx) error {
		for _, rec := range recs {
			if err := tx.PutRecord(ctx, rec); err != nil {
				return fmt.Errorf("failed to seed record %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
