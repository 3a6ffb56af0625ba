// Package plan defines the EntryPlan model: a set of 1-5 correlated limit
// orders treated as one economic position, plus the derived metrics the
// execution engine needs. All metrics are recomputed from order statuses so
// a crash between an order update and a metric update self-heals on the
// next recompute.
package plan

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"ladder-trading-bot/internal/exchange"
	"ladder-trading-bot/internal/precision"
)

// Mode describes how the plan's entry is structured.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeLadder Mode = "ladder"
	ModeDCA    Mode = "dca"
)

// Status is the plan lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPartial   Status = "partial"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
)

// OrderStatus is the lifecycle state of a single ladder leg.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPlaced    OrderStatus = "placed"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// ActivationType describes when a pending plan may start placing orders.
type ActivationType string

const (
	ActivateImmediate  ActivationType = "immediate"
	ActivateTouch      ActivationType = "touch"
	ActivatePriceAbove ActivationType = "price_above"
	ActivatePriceBelow ActivationType = "price_below"
)

// Activation is the gate descriptor for a plan.
type Activation struct {
	Type           ActivationType `json:"type"`
	Level          float64        `json:"level,omitempty"`
	MaxDistancePct float64        `json:"max_distance_pct,omitempty"` // touch tolerance either side
}

// TakeProfitTarget is one take-profit level with the percentage of the
// position it closes.
type TakeProfitTarget struct {
	Price        float64 `json:"price"`
	ClosePercent float64 `json:"close_percent"`
}

// EntryOrder is one leg of the entry ladder.
type EntryOrder struct {
	Price           float64     `json:"price"`
	WeightPct       float64     `json:"weight_pct"` // percent of plan quantity, 1-100
	Quantity        float64     `json:"quantity"`   // computed from weight and total
	Kind            string      `json:"kind"`       // LIMIT
	Tag             string      `json:"tag"`        // human label, e.g. "entry 2/3"
	ClientOrderID   string      `json:"client_order_id,omitempty"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"` // empty until placed
	Status          OrderStatus `json:"status"`
	PlacedAt        *time.Time  `json:"placed_at,omitempty"`
	FilledAt        *time.Time  `json:"filled_at,omitempty"`
	FillPrice       float64     `json:"fill_price,omitempty"`
}

// EntryPlan is the unit of execution for a ladder entry.
type EntryPlan struct {
	ID      string `json:"id"`
	TradeID string `json:"trade_id"`
	UserID  string `json:"user_id"`

	Symbol   string        `json:"symbol"`
	Side     exchange.Side `json:"side"`
	Mode     Mode          `json:"mode"`
	Orders   []EntryOrder  `json:"orders"`
	TotalQty float64       `json:"total_qty"`

	Activation       Activation         `json:"activation"`
	CancelConditions []string           `json:"cancel_conditions,omitempty"`
	TTL              time.Duration      `json:"ttl,omitempty"`
	StopPrice        float64            `json:"stop_price,omitempty"`
	TakeProfits      []TakeProfitTarget `json:"take_profits,omitempty"`
	Leverage         int                `json:"leverage,omitempty"`
	RiskBudget       float64            `json:"risk_budget,omitempty"` // quote currency

	ProtectAfterFirstFill bool `json:"protect_after_first_fill"`

	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	FirstFillAt  *time.Time `json:"first_fill_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	// Protection latches. Once set they are never unset; the quantity each
	// was last sized against decides when take-profits must be rebalanced.
	StopSet            bool    `json:"stop_set"`
	TakeProfitSet      bool    `json:"take_profit_set"`
	StopSizedQty       float64 `json:"stop_sized_qty,omitempty"`
	TakeProfitSizedQty float64 `json:"take_profit_sized_qty,omitempty"`
	ProtectionStale    bool    `json:"protection_stale,omitempty"` // TP known to be under-sized

	// Derived from order statuses via RecomputeMetrics. Never hand-edited.
	FilledQuantity    float64 `json:"filled_quantity"`
	FilledOrdersCount int     `json:"filled_orders_count"`
	AverageEntryPrice float64 `json:"average_entry_price"`
}

// New creates a pending plan with a fresh id.
func New(tradeID, userID, symbol string, side exchange.Side, mode Mode, totalQty float64) *EntryPlan {
	return &EntryPlan{
		ID:        uuid.New().String(),
		TradeID:   tradeID,
		UserID:    userID,
		Symbol:    symbol,
		Side:      side,
		Mode:      mode,
		TotalQty:  totalQty,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// IsTerminal reports whether the plan can never change again.
func (p *EntryPlan) IsTerminal() bool {
	return p.Status == StatusFilled || p.Status == StatusCancelled
}

// FillPercent returns filled quantity as a percentage of the declared total.
func (p *EntryPlan) FillPercent() float64 {
	if p.TotalQty <= 0 {
		return 0
	}
	return p.FilledQuantity / p.TotalQty * 100
}

// Duration returns how long the plan has been running since activation, or
// since creation if it never activated.
func (p *EntryPlan) Duration() time.Duration {
	start := p.CreatedAt
	if p.ActivatedAt != nil {
		start = *p.ActivatedAt
	}
	end := time.Now()
	if p.CompletedAt != nil {
		end = *p.CompletedAt
	}
	return end.Sub(start)
}

// OpenOrders returns the legs that are resting on the exchange.
func (p *EntryPlan) OpenOrders() []*EntryOrder {
	var open []*EntryOrder
	for i := range p.Orders {
		if p.Orders[i].Status == OrderPlaced {
			open = append(open, &p.Orders[i])
		}
	}
	return open
}

// RecomputeMetrics rederives filled quantity, fill count, average entry
// price and plan status from the order list. Terminal statuses are never
// overwritten: a cancelled plan with late fill reports stays cancelled.
func (p *EntryPlan) RecomputeMetrics() {
	var filledQty, notional float64
	filled := 0
	cancelled := 0
	for i := range p.Orders {
		o := &p.Orders[i]
		switch o.Status {
		case OrderFilled:
			filled++
			filledQty += o.Quantity
			price := o.FillPrice
			if price <= 0 {
				price = o.Price
			}
			notional += o.Quantity * price
		case OrderCancelled:
			cancelled++
		}
	}

	p.FilledQuantity = filledQty
	p.FilledOrdersCount = filled
	if filledQty > 0 {
		p.AverageEntryPrice = notional / filledQty
	} else {
		p.AverageEntryPrice = 0
	}

	if p.IsTerminal() {
		return
	}

	switch {
	case filled == len(p.Orders) || (filled > 0 && filled+cancelled == len(p.Orders)):
		p.Status = StatusFilled
		if p.CompletedAt == nil {
			now := time.Now().UTC()
			p.CompletedAt = &now
		}
	case filled > 0:
		p.Status = StatusPartial
	}
}

// weightTolerancePct is how far order weights may drift from 100% before
// ingestion renormalizes them.
const weightTolerancePct = 1.0

// NormalizeWeights scales order weights so they sum to 100. Within the
// tolerance the declared weights are kept as-is.
func (p *EntryPlan) NormalizeWeights() {
	var sum float64
	for i := range p.Orders {
		sum += p.Orders[i].WeightPct
	}
	if sum <= 0 {
		// Degenerate input: spread evenly.
		even := 100.0 / float64(len(p.Orders))
		for i := range p.Orders {
			p.Orders[i].WeightPct = even
		}
		return
	}
	if math.Abs(sum-100) <= weightTolerancePct {
		return
	}
	scale := 100.0 / sum
	for i := range p.Orders {
		p.Orders[i].WeightPct *= scale
	}
}

// BuildQuantities computes per-leg quantities from weights and rounds them
// to the instrument's filters. Legs whose rounded quantity falls below the
// exchange minimum are merged into the nearest adjacent leg instead of being
// submitted as invalid orders; if only one viable leg survives the plan
// degrades to single mode. Returned reasons describe every degradation so
// the caller can log them; a silent drop here would hide risk-sizing drift.
func (p *EntryPlan) BuildQuantities(inst *exchange.Instrument) ([]string, error) {
	if len(p.Orders) == 0 {
		return nil, fmt.Errorf("plan %s has no orders", p.ID)
	}
	if p.TotalQty <= 0 {
		return nil, fmt.Errorf("plan %s has non-positive total quantity", p.ID)
	}

	p.NormalizeWeights()

	var reasons []string
	for i := range p.Orders {
		o := &p.Orders[i]
		o.Price = precision.RoundPrice(o.Price, inst.TickSize)
		o.Quantity = precision.RoundQuantity(p.TotalQty*o.WeightPct/100, inst.QtyStep)
	}

	// If no single leg meets the minimum, collapse the whole ladder into
	// one leg at the first price before giving up on the plan.
	anyViable := false
	for i := range p.Orders {
		if p.Orders[i].Quantity >= inst.MinOrderQty {
			anyViable = true
			break
		}
	}
	if !anyViable {
		var total float64
		for i := range p.Orders {
			total += p.Orders[i].Quantity
		}
		total = precision.RoundQuantity(total, inst.QtyStep)
		first := p.Orders[0]
		first.Quantity = total
		first.WeightPct = 100
		for i := 1; i < len(p.Orders); i++ {
			reasons = append(reasons, fmt.Sprintf("leg %d below minimum %.8f, collapsed into leg 0", i, inst.MinOrderQty))
		}
		p.Orders = []EntryOrder{first}
	}

	// Merge sub-minimum legs into the nearest adjacent viable leg.
	for i := range p.Orders {
		o := &p.Orders[i]
		if o.Quantity >= inst.MinOrderQty {
			continue
		}
		target := p.nearestViableLeg(i, inst.MinOrderQty)
		if target < 0 {
			reasons = append(reasons,
				fmt.Sprintf("leg %d qty %.8f below minimum %.8f with no adjacent leg to merge into, leg abandoned", i, o.Quantity, inst.MinOrderQty))
			o.Quantity = 0
			o.Status = OrderCancelled
			continue
		}
		merged := precision.RoundQuantity(p.Orders[target].Quantity+o.Quantity, inst.QtyStep)
		reasons = append(reasons,
			fmt.Sprintf("leg %d qty %.8f below minimum %.8f, merged into leg %d (new qty %.8f)", i, o.Quantity, inst.MinOrderQty, target, merged))
		p.Orders[target].Quantity = merged
		o.Quantity = 0
		o.Status = OrderCancelled
	}

	// Drop merged-away legs.
	viable := p.Orders[:0]
	for _, o := range p.Orders {
		if o.Quantity > 0 {
			viable = append(viable, o)
		}
	}
	p.Orders = viable

	if len(p.Orders) == 0 {
		return reasons, fmt.Errorf("plan %s: total quantity %.8f below exchange minimum %.8f after merging", p.ID, p.TotalQty, inst.MinOrderQty)
	}
	if len(p.Orders) == 1 && p.Mode != ModeSingle {
		reasons = append(reasons, fmt.Sprintf("ladder degraded to single leg, mode %s -> single", p.Mode))
		p.Mode = ModeSingle
	}
	return reasons, nil
}

// nearestViableLeg finds the closest other leg that already meets the
// exchange minimum, preferring the nearer neighbor.
func (p *EntryPlan) nearestViableLeg(from int, minQty float64) int {
	best := -1
	bestDist := math.MaxInt32
	for i := range p.Orders {
		if i == from || p.Orders[i].Quantity < minQty {
			continue
		}
		dist := i - from
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	return best
}
