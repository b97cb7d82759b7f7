package exchange

import (
	"context"
	"time"

	"kraken-core/internal/core"
)

// Executor is the order surface the execution engine drives.
type Executor interface {
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, id string) error
	QueryOrder(ctx context.Context, symbol, orderID, clientID string) (core.Order, error)
}

// Catalog resolves static pair rules.
type Catalog interface {
	AssetPairs(ctx context.Context) ([]core.CatalogEntry, error)
	CatalogEntry(ctx context.Context, symbol string) (core.CatalogEntry, error)
}

type Exchange interface {
	Executor
	Catalog
	Name() string
	OpenOrders(ctx context.Context) ([]core.Order, error)
	Balances(ctx context.Context) (core.Balances, error)
	FillsSince(ctx context.Context, cursor string) ([]core.Fill, string, error)
	Ticker(ctx context.Context, symbol string) (core.Quote, error)
}

// TokenSource issues short-lived websocket auth tokens.
type TokenSource interface {
	WSToken(ctx context.Context) (string, time.Duration, error)
}
