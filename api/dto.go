/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Catalog:
    CatalogDTO, MaterialDTO, MultipliersDTO

  Collections:
    CollectionDTO, ItemDTO, RecordCollectionRequest, StatusRequest

  Inventory:
    InventoryDTO, InventoryLineDTO

  Withdrawals:
    WithdrawalDTO, CreateWithdrawalRequest

  Valuation:
    ValuationRequest, ValuationDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

QUANTITIES:
  Weights and money are shopspring decimals. They are encoded as JSON strings
  ("7.5") and accepted as either strings or numbers.

VALIDATION:
  Validation is done by the ledger services, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/catalog"
	"github.com/warp/wasteledger/ledger"
	"github.com/warp/wasteledger/valuation"
)

// =============================================================================
// CATALOG
// =============================================================================

type MaterialDTO struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Category  string          `json:"category"`
}

type MultipliersDTO struct {
	Carbon   decimal.Decimal `json:"carbon"`
	Water    decimal.Decimal `json:"water"`
	Energy   decimal.Decimal `json:"energy"`
	Trees    decimal.Decimal `json:"trees"`
	Landfill decimal.Decimal `json:"landfill"`
}

// CatalogDTO is the price and impact table currently in use.
type CatalogDTO struct {
	Version    string                    `json:"version"`
	Materials  []MaterialDTO             `json:"materials"`
	Categories map[string]MultipliersDTO `json:"categories"`
}

func toCatalogDTO(c *catalog.Catalog) CatalogDTO {
	dto := CatalogDTO{
		Version:    c.Version(),
		Materials:  []MaterialDTO{},
		Categories: map[string]MultipliersDTO{},
	}
	for _, m := range c.Materials() {
		dto.Materials = append(dto.Materials, MaterialDTO{
			ID:        string(m.ID),
			Name:      m.Name,
			UnitPrice: m.UnitPrice,
			Category:  string(m.Category),
		})
	}
	for id, m := range c.Categories() {
		dto.Categories[string(id)] = MultipliersDTO{
			Carbon:   m.Carbon,
			Water:    m.Water,
			Energy:   m.Energy,
			Trees:    m.Trees,
			Landfill: m.Landfill,
		}
	}
	return dto
}

// =============================================================================
// COLLECTIONS
// =============================================================================

type ItemDTO struct {
	MaterialID string          `json:"material_id"`
	Weight     decimal.Decimal `json:"weight"`
	Value      decimal.Decimal `json:"value"`
}

// CollectionDTO represents a collection record in API responses.
type CollectionDTO struct {
	ID          string          `json:"id"`
	BankID      string          `json:"bank_id"`
	Status      string          `json:"status"`
	Items       []ItemDTO       `json:"items"`
	TotalWeight decimal.Decimal `json:"total_weight"`
	TotalValue  decimal.Decimal `json:"total_value"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// RecordCollectionRequest carries weighed items, kilograms per material.
// It is also the body of PUT /collections/{id}/items.
type RecordCollectionRequest struct {
	Items ledger.Weights `json:"items"`
}

// StatusRequest moves a collection or withdrawal to a new status.
type StatusRequest struct {
	Status string `json:"status"`
}

func toCollectionDTO(rec ledger.CollectionRecord) CollectionDTO {
	dto := CollectionDTO{
		ID:          string(rec.ID),
		BankID:      string(rec.BankID),
		Status:      string(rec.Status),
		Items:       []ItemDTO{},
		TotalWeight: decimal.Zero,
		TotalValue:  decimal.Zero,
		CompletedAt: formatTimePtr(rec.CompletedAt),
		CreatedAt:   formatTime(rec.CreatedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
	for _, material := range rec.Weights().Materials() {
		item := rec.Items[material]
		dto.Items = append(dto.Items, ItemDTO{
			MaterialID: string(material),
			Weight:     item.Weight,
			Value:      item.Value,
		})
		dto.TotalWeight = dto.TotalWeight.Add(item.Weight)
		dto.TotalValue = dto.TotalValue.Add(item.Value)
	}
	return dto
}

func toCollectionDTOs(recs []ledger.CollectionRecord) []CollectionDTO {
	out := make([]CollectionDTO, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toCollectionDTO(rec))
	}
	return out
}

// =============================================================================
// INVENTORY
// =============================================================================

type InventoryLineDTO struct {
	MaterialID string          `json:"material_id"`
	Weight     decimal.Decimal `json:"weight"`
	Sources    int             `json:"sources,omitempty"`
}

// InventoryDTO is a bank's current stock, derived from completed records.
type InventoryDTO struct {
	BankID      string             `json:"bank_id"`
	Materials   []InventoryLineDTO `json:"materials"`
	TotalWeight decimal.Decimal    `json:"total_weight"`
}

func toInventoryDTO(bankID ledger.BankID, lines map[catalog.MaterialID]ledger.InventoryLine) InventoryDTO {
	dto := InventoryDTO{
		BankID:      string(bankID),
		Materials:   []InventoryLineDTO{},
		TotalWeight: decimal.Zero,
	}
	ids := make([]catalog.MaterialID, 0, len(lines))
	for id := range lines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		line := lines[id]
		dto.Materials = append(dto.Materials, InventoryLineDTO{
			MaterialID: string(id),
			Weight:     line.Weight,
			Sources:    line.Sources,
		})
		dto.TotalWeight = dto.TotalWeight.Add(line.Weight)
	}
	return dto
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// CreateWithdrawalRequest is the body of POST /banks/{bankID}/withdrawals.
type CreateWithdrawalRequest struct {
	DestinationID string          `json:"destination_id"`
	Schedule      ledger.Schedule `json:"schedule"`
	Requested     ledger.Weights  `json:"requested"`
	Note          string          `json:"note,omitempty"`
}

// WithdrawalDTO represents a withdrawal request in API responses. Plan and
// Fulfillment are fixed at creation; Commit is set once completed.
type WithdrawalDTO struct {
	ID            string                    `json:"id"`
	BankID        string                    `json:"bank_id"`
	DestinationID string                    `json:"destination_id"`
	Schedule      ledger.Schedule           `json:"schedule"`
	Requested     ledger.Weights            `json:"requested"`
	Status        string                    `json:"status"`
	Plan          ledger.AllocationPlan     `json:"plan"`
	Fulfillment   ledger.Fulfillment        `json:"fulfillment"`
	Partial       bool                      `json:"partial"`
	Commit        *ledger.CommitResult      `json:"commit,omitempty"`
	Conflicts     []ledger.AppliedDeduction `json:"conflicts,omitempty"`
	Note          string                    `json:"note,omitempty"`
	CompletedAt   *string                   `json:"completed_at,omitempty"`
	CreatedAt     string                    `json:"created_at"`
	UpdatedAt     string                    `json:"updated_at"`
}

func toWithdrawalDTO(w ledger.WithdrawalRequest) WithdrawalDTO {
	dto := WithdrawalDTO{
		ID:            string(w.ID),
		BankID:        string(w.BankID),
		DestinationID: string(w.DestinationID),
		Schedule:      w.Schedule,
		Requested:     w.Requested,
		Status:        string(w.Status),
		Plan:          w.Plan,
		Fulfillment:   w.Fulfillment,
		Partial:       !w.Fulfillment.IsComplete(),
		Commit:        w.Commit,
		Note:          w.Note,
		CompletedAt:   formatTimePtr(w.CompletedAt),
		CreatedAt:     formatTime(w.CreatedAt),
		UpdatedAt:     formatTime(w.UpdatedAt),
	}
	if dto.Plan.Deductions == nil {
		dto.Plan.Deductions = []ledger.Deduction{}
	}
	if w.Commit != nil {
		dto.Conflicts = w.Commit.Conflicts()
	}
	return dto
}

func toWithdrawalDTOs(ws []ledger.WithdrawalRequest) []WithdrawalDTO {
	out := make([]WithdrawalDTO, 0, len(ws))
	for _, w := range ws {
		out = append(out, toWithdrawalDTO(w))
	}
	return out
}

// =============================================================================
// VALUATION
// =============================================================================

// ValuationRequest values ad-hoc observations, kilograms per material.
type ValuationRequest struct {
	Items ledger.Weights `json:"items"`
}

type ValuationDTO struct {
	Total    decimal.Decimal       `json:"total"`
	Points   int64                 `json:"points"`
	Tier     valuation.TierID      `json:"tier"`
	Lines    []valuation.ValueLine `json:"lines"`
	Warnings []string              `json:"warnings,omitempty"`
}

// ImpactDTO is a bank's dashboard summary.
type ImpactDTO struct {
	BankID string `json:"bank_id"`
	valuation.Summary
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response. Details carries the
// fulfillment report when a withdrawal is rejected as partial.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
