package store

import (
	"context"
	"time"

	"order-fulfillment/model"
)

// Store is everything the engine persists. PostgresStore is the production
// implementation; memstore.Store mirrors its semantics in memory.
type Store interface {
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	GetProduct(ctx context.Context, id int64) (model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)

	// ApplyTransactions appends the rows and moves each product's counter by
	// the row's delta in one database transaction, in product id order. A
	// negative delta larger than the counter fails the whole batch with
	// model.ErrInsufficientStock.
	ApplyTransactions(ctx context.Context, txs []model.InventoryTransaction) error
	ListTransactions(ctx context.Context, productID int64, limit int) ([]model.InventoryTransaction, error)
	StockLevel(ctx context.Context, productID int64) (model.StockLevel, error)
	StockDrift(ctx context.Context) ([]model.StockDrift, error)
	// CommitSale confirms an authorized checkout: session CAS to CONFIRMED,
	// cart consumed, sale rows applied, order and outbox event inserted.
	CommitSale(ctx context.Context, sale model.SaleCommit) error

	FindRate(ctx context.Context, from, to string, at time.Time) (model.CurrencyRate, error)
	AddRate(ctx context.Context, rate model.CurrencyRate) error
	ListRates(ctx context.Context, from, to string) ([]model.CurrencyRate, error)

	CreateCart(ctx context.Context, c *model.Cart) error
	GetCart(ctx context.Context, id string) (*model.Cart, error)
	ActiveCartByOwner(ctx context.Context, ownerID string) (*model.Cart, error)
	// SaveCart writes c if the stored version is still expectedVersion and
	// the cart is active.
	SaveCart(ctx context.Context, c *model.Cart, expectedVersion int) error
	DeleteExpiredCarts(ctx context.Context, now time.Time) (int64, error)

	CreateSession(ctx context.Context, s *model.CheckoutSession) error
	GetSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	GetSessionByCart(ctx context.Context, cartID string) (*model.CheckoutSession, error)
	// UpdateSession persists s only if the stored state is still from.
	UpdateSession(ctx context.Context, s *model.CheckoutSession, from model.CheckoutState) error

	GetOrder(ctx context.Context, id string) (model.Order, error)
	ListOrdersByOwner(ctx context.Context, ownerID string) ([]model.Order, error)
	MarkOrderDelivered(ctx context.Context, id string, at time.Time) (model.Order, error)

	PendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkEventsProcessed(ctx context.Context, ids []string) error

	Close() error
}
