package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/model"
)

const orderColumns = `id, owner_id, cart_id, checkout_id, items, shipping_address, payment_method,
	payment_ref, payment_status, payment_updated, items_price, tax_price, shipping_price, total_price,
	currency, is_paid, paid_at, is_delivered, delivered_at, created_at`

func insertOrder(ctx context.Context, tx *sql.Tx, o model.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		o.ID, o.OwnerID, o.CartID, o.CheckoutID, items, address, o.PaymentMethod,
		o.Payment.Reference, o.Payment.Status, o.Payment.UpdatedAt,
		o.ItemsPrice, o.TaxPrice, o.ShippingPrice, o.TotalPrice,
		o.Currency, o.IsPaid, o.PaidAt, o.IsDelivered, o.DeliveredAt, o.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("order for cart %s: %w", o.CartID, model.ErrCartConsumed)
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func scanOrder(row interface{ Scan(...any) error }) (model.Order, error) {
	var o model.Order
	var items, address []byte
	var paidAt, deliveredAt sql.NullTime
	if err := row.Scan(&o.ID, &o.OwnerID, &o.CartID, &o.CheckoutID, &items, &address, &o.PaymentMethod,
		&o.Payment.Reference, &o.Payment.Status, &o.Payment.UpdatedAt,
		&o.ItemsPrice, &o.TaxPrice, &o.ShippingPrice, &o.TotalPrice,
		&o.Currency, &o.IsPaid, &paidAt, &o.IsDelivered, &deliveredAt, &o.CreatedAt); err != nil {
		return o, err
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshal order items: %w", err)
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return o, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (model.Order, error) {
	o, err := scanOrder(s.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrOrderNotFound)
	}
	if err != nil {
		return model.Order{}, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) ListOrdersByOwner(ctx context.Context, ownerID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOrderDelivered flips a paid order to delivered. Delivering twice keeps
// the first timestamp.
func (s *PostgresStore) MarkOrderDelivered(ctx context.Context, id string, at time.Time) (model.Order, error) {
	o, err := scanOrder(s.DB.QueryRowContext(ctx, `UPDATE orders SET is_delivered = TRUE, delivered_at = $1
		WHERE id = $2 AND is_paid AND NOT is_delivered RETURNING `+orderColumns, at, id))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, fmt.Errorf("deliver order: %w", err)
	}

	o, err = s.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	if !o.IsPaid {
		return model.Order{}, fmt.Errorf("order %s: %w", id, model.ErrOrderNotPaid)
	}
	return o, nil
}
