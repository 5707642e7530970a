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

const cartColumns = `id, owner_id, items, currency, region, subtotal, tax, shipping, total, status, version, expires_at, created_at, updated_at`

func scanCart(row interface{ Scan(...any) error }) (*model.Cart, error) {
	var c model.Cart
	var items []byte
	var status string
	if err := row.Scan(&c.ID, &c.OwnerID, &items, &c.Currency, &c.Region,
		&c.Subtotal, &c.Tax, &c.Shipping, &c.Total, &status, &c.Version,
		&c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = model.CartStatus(status)
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, fmt.Errorf("unmarshal cart items: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateCart(ctx context.Context, c *model.Cart) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return fmt.Errorf("marshal cart items: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO carts (`+cartColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.OwnerID, items, c.Currency, c.Region, c.Subtotal, c.Tax, c.Shipping, c.Total,
		string(c.Status), c.Version, c.ExpiresAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert cart: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCart(ctx context.Context, id string) (*model.Cart, error) {
	c, err := scanCart(s.DB.QueryRowContext(ctx, `SELECT `+cartColumns+` FROM carts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cart %s: %w", id, model.ErrCartNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ActiveCartByOwner(ctx context.Context, ownerID string) (*model.Cart, error) {
	c, err := scanCart(s.DB.QueryRowContext(ctx, `SELECT `+cartColumns+` FROM carts
		WHERE owner_id = $1 AND status = 'active' ORDER BY created_at DESC LIMIT 1`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("owner %s: %w", ownerID, model.ErrCartNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SaveCart(ctx context.Context, c *model.Cart, expectedVersion int) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return fmt.Errorf("marshal cart items: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE carts SET items = $1, currency = $2, region = $3,
		subtotal = $4, tax = $5, shipping = $6, total = $7, version = $8, expires_at = $9, updated_at = $10
		WHERE id = $11 AND version = $12 AND status = 'active'`,
		items, c.Currency, c.Region, c.Subtotal, c.Tax, c.Shipping, c.Total,
		c.Version, c.ExpiresAt, c.UpdatedAt, c.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update cart: %w", err)
	}
	ra, _ := res.RowsAffected()
	if ra == 0 {
		return fmt.Errorf("cart %s at version %d: %w", c.ID, expectedVersion, model.ErrCartConflict)
	}
	return nil
}

// DeleteExpiredCarts removes active carts past their expiry that no checkout
// session references.
func (s *PostgresStore) DeleteExpiredCarts(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM carts c WHERE c.status = 'active' AND c.expires_at <= $1
		AND NOT EXISTS (SELECT 1 FROM checkout_sessions cs WHERE cs.cart_id = c.id)`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired carts: %w", err)
	}
	return res.RowsAffected()
}
