/*
inventory.go - Current inventory per waste bank

PURPOSE:
  A bank's inventory is the sum of the current item weights over its completed
  collection records. It is a projection, recomputed from the records on every
  call; there is no running counter that could drift.

    inventory[material] = Σ record.Items[material].Weight
                          for record in bank where record.Status == completed

CACHING:
  InventoryCache memoizes the projection per bank and drops a bank's entry on
  every committed record change for that bank (Store.Subscribe). A cache miss
  always falls back to the Aggregator.

  Entries are only served while the store's change feed covers every writer
  (ChangeFeed). A SQLite file shared with another process, or a Postgres
  store whose LISTEN connection is down, reads straight through.

SEE ALSO:
  - planner.go: Consumes the same completed records as candidates
  - store.go: ListRecords and Subscribe
*/
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/wasteledger/catalog"
)

// =============================================================================
// AGGREGATOR
// =============================================================================

type Aggregator struct {
	Store Reader
}

// CurrentInventory sums item weights over the bank's completed records.
func (a *Aggregator) CurrentInventory(ctx context.Context, bankID BankID) (Weights, error) {
	records, err := a.Store.ListRecords(ctx, bankID, CollectionCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed records: %w", err)
	}
	return Aggregate(records), nil
}

// Aggregate is the pure projection over a slice of records. Records that are
// not completed are ignored.
func Aggregate(records []CollectionRecord) Weights {
	totals := Weights{}
	for _, rec := range records {
		if rec.Status != CollectionCompleted {
			continue
		}
		for material, item := range rec.Items {
			totals[material] = totals[material].Add(item.Weight)
		}
	}
	return totals
}

// InventoryLine is one material of a bank's inventory with its source count.
type InventoryLine struct {
	Weight  decimal.Decimal `json:"weight"`
	Sources int             `json:"sources"` // completed records holding a non-zero weight
}

// Breakdown is Aggregate plus the number of non-empty source records per
// material.
func Breakdown(records []CollectionRecord) map[catalog.MaterialID]InventoryLine {
	out := map[catalog.MaterialID]InventoryLine{}
	for _, rec := range records {
		if rec.Status != CollectionCompleted {
			continue
		}
		for material, item := range rec.Items {
			line := out[material]
			line.Weight = line.Weight.Add(item.Weight)
			if item.Weight.IsPositive() {
				line.Sources++
			}
			out[material] = line
		}
	}
	return out
}

// =============================================================================
// INVENTORY CACHE
// =============================================================================

// InventoryCache memoizes CurrentInventory per bank.
type InventoryCache struct {
	store Store
	agg   *Aggregator

	mu      sync.Mutex
	entries map[BankID]Weights
	gen     map[BankID]uint64
	epoch   uint64 // bumped by Flush

	unsubscribe func()
}

// NewInventoryCache subscribes to store changes. Call Close to unsubscribe.
func NewInventoryCache(store Store) *InventoryCache {
	c := &InventoryCache{
		store:   store,
		agg:     &Aggregator{Store: store},
		entries: make(map[BankID]Weights),
		gen:     make(map[BankID]uint64),
	}
	c.unsubscribe = store.Subscribe(func(ev ChangeEvent) {
		switch {
		case ev.BankID == "":
			c.Flush()
		case ev.Kind == ChangeRecord:
			c.Invalidate(ev.BankID)
		}
	})
	return c
}

// CurrentInventory returns the cached projection, recomputing on a miss.
// A result computed while an invalidation raced it is returned but not stored.
// While the store cannot see every writer nothing is cached.
func (c *InventoryCache) CurrentInventory(ctx context.Context, bankID BankID) (Weights, error) {
	if !ObservesAllWrites(c.store) {
		c.Flush()
		return c.agg.CurrentInventory(ctx, bankID)
	}

	c.mu.Lock()
	if w, ok := c.entries[bankID]; ok {
		c.mu.Unlock()
		return w.Clone(), nil
	}
	gen, epoch := c.gen[bankID], c.epoch
	c.mu.Unlock()

	w, err := c.agg.CurrentInventory(ctx, bankID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen[bankID] == gen && c.epoch == epoch {
		c.entries[bankID] = w
	}
	c.mu.Unlock()
	return w.Clone(), nil
}

func (c *InventoryCache) Invalidate(bankID BankID) {
	c.mu.Lock()
	delete(c.entries, bankID)
	c.gen[bankID]++
	c.mu.Unlock()
}

// Flush drops every entry. Used after a store Reset, which publishes no
// events, and whenever the change feed may have missed writes.
func (c *InventoryCache) Flush() {
	c.mu.Lock()
	c.entries = make(map[BankID]Weights)
	c.epoch++
	c.mu.Unlock()
}

func (c *InventoryCache) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}
