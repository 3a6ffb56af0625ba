package exchange

import "time"

// Side is the position direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing direction for a position side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide returns the exchange order side that opens a position in
// direction s.
func (s Side) OrderSide() string {
	if s == SideLong {
		return "BUY"
	}
	return "SELL"
}

// OrderStatus is the normalized exchange-side order state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether no further fills can arrive for this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Ticker is a point-in-time price snapshot for a symbol.
type Ticker struct {
	Symbol    string
	MarkPrice float64
	LastPrice float64
	High24h   float64
	Low24h    float64
	UpdatedAt time.Time
}

// Instrument holds the trading filters for a symbol.
type Instrument struct {
	Symbol      string
	TickSize    float64
	QtyStep     float64
	MinOrderQty float64
	MinNotional float64
}

// OrderRequest describes a single order submission.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Kind          string // LIMIT or MARKET
	Quantity      float64
	Price         float64 // ignored for MARKET
	ClientOrderID string
	ReduceOnly    bool
}

// Order is the exchange's view of a submitted order.
type Order struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Status          OrderStatus
	AvgFillPrice    float64
	FilledQty       float64
	UpdatedAt       time.Time
}

// TPTarget is one leg of a take-profit ladder.
type TPTarget struct {
	Price    float64
	Quantity float64
}
