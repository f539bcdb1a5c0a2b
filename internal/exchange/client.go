package exchange

import "context"

// Client is the venue boundary the engine consumes. It normalises order
// placement, cancellation and queries for a hedge-mode futures venue and
// exposes the symbol filters needed for quantity and price formatting.
type Client interface {
	// LoadSymbolInfo fetches exchange info and returns the filter set per
	// tradable symbol. Called at startup and cached by the consumer.
	LoadSymbolInfo(ctx context.Context) (map[string]SymbolInfo, error)

	// PlaceOrder submits an order. Side and PositionSide are both sent; in
	// hedge mode the venue derives reduce semantics from PositionSide.
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderAck, error)

	// CancelOrder cancels an order. Cancelling an absent order is success.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// QueryOrder fetches the current state of an order.
	QueryOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	// ListOpenOrders returns the open orders for a symbol.
	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// VerifyHedgeMode reports whether the venue is in hedge (dual side)
	// position mode.
	VerifyHedgeMode(ctx context.Context) (bool, error)

	// AccountInfo returns the account snapshot.
	AccountInfo(ctx context.Context) (*AccountInfo, error)

	// CurrentPrice returns the last price for a symbol.
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}
