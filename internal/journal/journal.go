// Package journal keeps the external trade ledger consistent with plan
// state: every entry fill is recorded immutably, and cancelled trades carry
// the reason they were abandoned.
package journal

import (
	"context"
	"sync"
)

// Journal is the trade ledger contract the engine depends on.
type Journal interface {
	// RecordEntryFill appends an immutable fill record for a trade.
	RecordEntryFill(ctx context.Context, tradeID string, price, qty float64, tag string) error

	// CancelTrade marks a trade cancelled with the given reason.
	CancelTrade(ctx context.Context, tradeID, reason string) error
}

// Fill is one recorded entry fill.
type Fill struct {
	TradeID string
	Price   float64
	Qty     float64
	Tag     string
}

// MemoryJournal records fills and cancellations in memory, for tests and
// dry-run mode.
type MemoryJournal struct {
	mu        sync.Mutex
	Fills     []Fill
	Cancelled map[string]string // tradeID -> reason
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{Cancelled: make(map[string]string)}
}

func (j *MemoryJournal) RecordEntryFill(_ context.Context, tradeID string, price, qty float64, tag string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Fills = append(j.Fills, Fill{TradeID: tradeID, Price: price, Qty: qty, Tag: tag})
	return nil
}

func (j *MemoryJournal) CancelTrade(_ context.Context, tradeID, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Cancelled[tradeID] = reason
	return nil
}

// FillCount returns how many fills were recorded for a trade.
func (j *MemoryJournal) FillCount(tradeID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, f := range j.Fills {
		if f.TradeID == tradeID {
			n++
		}
	}
	return n
}

// compile-time interface check
var _ Journal = (*MemoryJournal)(nil)
