package exchange

import "context"

// Client defines the exchange operations the execution engine depends on.
// All calls are idempotent with respect to retries: order placement is keyed
// by client-supplied order ids, so resubmitting after a timeout cannot
// duplicate an order.
type Client interface {
	// ==================== MARKET DATA ====================

	// GetTicker retrieves mark/last price and the 24h wick range for a symbol.
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetInstrument retrieves tick size, quantity step and minimum order
	// quantity for a symbol.
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)

	// ==================== TRADING ====================

	// PlaceOrder submits an order and returns the exchange order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// GetOrder retrieves an order by exchange order id.
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*Order, error)

	// CancelOrdersByClientIDPrefix cancels every open order on symbol whose
	// client order id starts with prefix. Returns the cancelled ids.
	CancelOrdersByClientIDPrefix(ctx context.Context, symbol, prefix string) ([]string, error)

	// ==================== PROTECTION ====================

	// SetProtectiveStop places (or replaces) a close-position stop-market
	// order at stopPrice for qty on the given side's position.
	SetProtectiveStop(ctx context.Context, symbol string, side Side, stopPrice, qty float64, clientOrderID string) error

	// PlaceTakeProfitLadder places reduce-only limit orders for each target.
	// Client ids are derived from clientIDPrefix so the ladder can later be
	// cancelled as one unit.
	PlaceTakeProfitLadder(ctx context.Context, symbol string, side Side, targets []TPTarget, clientIDPrefix string) error

	// ClosePositionMarket flattens qty of the side's position at market.
	ClosePositionMarket(ctx context.Context, symbol string, side Side, qty float64) error
}
