// Package inventory records stock movements as an append-only ledger. The
// cached counter on each product moves in the same database transaction as
// the ledger row, and a decrement never takes it below zero.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"order-fulfillment/model"
)

// DefaultLowStockThreshold is used by Report when the caller passes <= 0.
const DefaultLowStockThreshold = 10

type Store interface {
	GetProduct(ctx context.Context, id int64) (model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	ApplyTransactions(ctx context.Context, txs []model.InventoryTransaction) error
	ListTransactions(ctx context.Context, productID int64, limit int) ([]model.InventoryTransaction, error)
	StockLevel(ctx context.Context, productID int64) (model.StockLevel, error)
	StockDrift(ctx context.Context) ([]model.StockDrift, error)
	CommitSale(ctx context.Context, sale model.SaleCommit) error
}

// Entry is a requested stock movement. Quantity is signed.
type Entry struct {
	ProductID     int64                 `json:"product_id"`
	Type          model.TransactionType `json:"type"`
	Quantity      int                   `json:"quantity"`
	ReferenceType string                `json:"reference_type,omitempty"`
	ReferenceID   string                `json:"reference_id,omitempty"`
	Actor         string                `json:"actor,omitempty"`
	Notes         string                `json:"notes,omitempty"`
}

// Validate checks the sign of Quantity against Type.
func (e Entry) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", model.ErrInvalidTransaction, e.Type)
	}
	ok := false
	switch e.Type {
	case model.TransactionPurchase, model.TransactionReturn:
		ok = e.Quantity > 0
	case model.TransactionSale:
		ok = e.Quantity < 0
	case model.TransactionAdjustment:
		ok = e.Quantity != 0
	}
	if !ok {
		return fmt.Errorf("%w: %s with quantity %d", model.ErrInvalidTransaction, e.Type, e.Quantity)
	}
	return nil
}

// Sale is the checkout unit of work handed to CommitSale. Transactions is
// derived from Order.Items.
type Sale struct {
	SessionID string
	Order     model.Order
	Event     model.OutboxEvent
	Actor     string
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) row(e Entry, at time.Time) model.InventoryTransaction {
	return model.InventoryTransaction{
		ID:            uuid.NewString(),
		ProductID:     e.ProductID,
		Type:          e.Type,
		Quantity:      e.Quantity,
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		Actor:         e.Actor,
		Notes:         e.Notes,
		CreatedAt:     at,
	}
}

func (l *Ledger) Commit(ctx context.Context, e Entry) (model.InventoryTransaction, error) {
	txs, err := l.CommitBatch(ctx, []Entry{e})
	if err != nil {
		return model.InventoryTransaction{}, err
	}
	return txs[0], nil
}

// CommitBatch applies all entries or none.
func (l *Ledger) CommitBatch(ctx context.Context, entries []Entry) ([]model.InventoryTransaction, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty batch", model.ErrInvalidTransaction)
	}
	at := l.now()
	txs := make([]model.InventoryTransaction, 0, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		txs = append(txs, l.row(e, at))
	}
	if err := l.store.ApplyTransactions(ctx, txs); err != nil {
		return nil, err
	}
	for _, t := range txs {
		slog.Debug("inventory committed", "product_id", t.ProductID, "type", t.Type, "quantity", t.Quantity, "reference_id", t.ReferenceID)
	}
	return txs, nil
}

// CommitSale writes one sale row per order line together with the order, the
// consumed cart, the CONFIRMED session and the outbox event.
func (l *Ledger) CommitSale(ctx context.Context, sale Sale) error {
	if len(sale.Order.Items) == 0 {
		return model.ErrEmptyCart
	}
	at := sale.Order.CreatedAt
	if at.IsZero() {
		at = l.now()
	}
	txs := make([]model.InventoryTransaction, 0, len(sale.Order.Items))
	for _, it := range sale.Order.Items {
		if it.Quantity < 1 {
			return fmt.Errorf("%w: product %d quantity %d", model.ErrInvalidQuantity, it.ProductID, it.Quantity)
		}
		txs = append(txs, l.row(Entry{
			ProductID:     it.ProductID,
			Type:          model.TransactionSale,
			Quantity:      -it.Quantity,
			ReferenceType: "order",
			ReferenceID:   sale.Order.ID,
			Actor:         sale.Actor,
		}, at))
	}
	return l.store.CommitSale(ctx, model.SaleCommit{
		SessionID:    sale.SessionID,
		CartID:       sale.Order.CartID,
		Order:        sale.Order,
		Transactions: txs,
		Event:        sale.Event,
	})
}

// Available is the ledger sum for the product, the authoritative stock figure.
func (l *Ledger) Available(ctx context.Context, productID int64) (int, error) {
	lvl, err := l.store.StockLevel(ctx, productID)
	if err != nil {
		return 0, err
	}
	return lvl.LedgerSum, nil
}

func (l *Ledger) History(ctx context.Context, productID int64, limit int) ([]model.InventoryTransaction, error) {
	if _, err := l.store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return l.store.ListTransactions(ctx, productID, limit)
}

// Reconcile lists products whose cached counter disagrees with the ledger.
// It never repairs anything; drift is a bug to investigate.
func (l *Ledger) Reconcile(ctx context.Context) ([]model.StockDrift, error) {
	drift, err := l.store.StockDrift(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drift {
		slog.Warn("stock counter drift", "product_id", d.ProductID, "count_in_stock", d.CountInStock, "ledger_sum", d.LedgerSum)
	}
	return drift, nil
}

func (l *Ledger) Report(ctx context.Context, threshold int) (model.InventoryReport, error) {
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}
	products, err := l.store.ListProducts(ctx)
	if err != nil {
		return model.InventoryReport{}, err
	}
	r := model.InventoryReport{
		TotalProducts:      len(products),
		Threshold:          threshold,
		LowStockProducts:   []model.Product{},
		OutOfStockProducts: []model.Product{},
	}
	for _, p := range products {
		r.TotalStock += p.CountInStock
		switch {
		case p.CountInStock == 0:
			r.OutOfStockProducts = append(r.OutOfStockProducts, p)
		case p.CountInStock <= threshold:
			r.LowStockProducts = append(r.LowStockProducts, p)
		}
	}
	r.OutOfStockCount = len(r.OutOfStockProducts)
	r.LowStockCount = len(r.LowStockProducts)
	return r, nil
}
