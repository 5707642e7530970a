package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"order-fulfillment/model"
)

const sessionColumns = `id, cart_id, owner_id, state, idempotency_key, snapshot, payment_method, shipping_address,
	payment_ref, payment_status, order_id, error_code, attempts, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*model.CheckoutSession, error) {
	var cs model.CheckoutSession
	var state string
	var snapshot, address []byte
	var orderID sql.NullString
	if err := row.Scan(&cs.ID, &cs.CartID, &cs.OwnerID, &state, &cs.IdempotencyKey, &snapshot,
		&cs.PaymentMethod, &address, &cs.PaymentRef, &cs.PaymentStatus, &orderID,
		&cs.ErrorCode, &cs.Attempts, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		return nil, err
	}
	cs.State = model.CheckoutState(state)
	cs.OrderID = orderID.String
	if len(snapshot) > 0 {
		cs.Snapshot = &model.PriceSnapshot{}
		if err := json.Unmarshal(snapshot, cs.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	if err := json.Unmarshal(address, &cs.ShippingAddress); err != nil {
		return nil, fmt.Errorf("unmarshal shipping address: %w", err)
	}
	return &cs, nil
}

// marshalSnapshot returns an untyped nil for a missing snapshot so the column
// is written as NULL.
func marshalSnapshot(p *model.PriceSnapshot) (any, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func (s *PostgresStore) CreateSession(ctx context.Context, cs *model.CheckoutSession) error {
	snapshot, err := marshalSnapshot(cs.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	address, err := json.Marshal(cs.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO checkout_sessions (id, cart_id, owner_id, state, idempotency_key, snapshot,
		payment_method, shipping_address, payment_ref, payment_status, error_code, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cs.ID, cs.CartID, cs.OwnerID, string(cs.State), cs.IdempotencyKey, snapshot,
		cs.PaymentMethod, address, cs.PaymentRef, cs.PaymentStatus, cs.ErrorCode, cs.Attempts, cs.CreatedAt, cs.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("cart %s: %w", cs.CartID, model.ErrCheckoutExists)
	}
	if err != nil {
		return fmt.Errorf("insert checkout session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	return s.querySession(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE id = $1`, id)
}

func (s *PostgresStore) GetSessionByCart(ctx context.Context, cartID string) (*model.CheckoutSession, error) {
	return s.querySession(ctx, `SELECT `+sessionColumns+` FROM checkout_sessions WHERE cart_id = $1`, cartID)
}

func (s *PostgresStore) querySession(ctx context.Context, q, arg string) (*model.CheckoutSession, error) {
	cs, err := scanSession(s.DB.QueryRowContext(ctx, q, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", arg, model.ErrCheckoutNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkout session: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, cs *model.CheckoutSession, from model.CheckoutState) error {
	snapshot, err := marshalSnapshot(cs.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE checkout_sessions SET state = $1, idempotency_key = $2, snapshot = $3,
		payment_ref = $4, payment_status = $5, error_code = $6, attempts = $7, updated_at = $8
		WHERE id = $9 AND state = $10`,
		string(cs.State), cs.IdempotencyKey, snapshot, cs.PaymentRef, cs.PaymentStatus,
		cs.ErrorCode, cs.Attempts, cs.UpdatedAt, cs.ID, string(from))
	if err != nil {
		return fmt.Errorf("update checkout session: %w", err)
	}
	ra, _ := res.RowsAffected()
	if ra == 0 {
		return fmt.Errorf("session %s no longer %s: %w", cs.ID, from, model.ErrStaleState)
	}
	return nil
}

// CommitSale is the checkout unit of work. The session row is claimed first,
// so a second runner of the same checkout waits on it and then fails the
// state check instead of touching stock.
func (s *PostgresStore) CommitSale(ctx context.Context, sale model.SaleCommit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE checkout_sessions SET state = $1, order_id = $2, error_code = '', updated_at = $3
			WHERE id = $4 AND state = $5`,
			string(model.CheckoutConfirmed), sale.Order.ID, sale.Order.CreatedAt,
			sale.SessionID, string(model.CheckoutCommittingInventory))
		if err != nil {
			return fmt.Errorf("confirm session: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return fmt.Errorf("session %s: %w", sale.SessionID, model.ErrStaleState)
		}

		res, err = tx.ExecContext(ctx, `UPDATE carts SET status = 'consumed', version = version + 1, updated_at = $1
			WHERE id = $2 AND status = 'active'`, sale.Order.CreatedAt, sale.CartID)
		if err != nil {
			return fmt.Errorf("consume cart: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return fmt.Errorf("cart %s: %w", sale.CartID, model.ErrCartConsumed)
		}

		if err := applyLedger(ctx, tx, sale.Transactions); err != nil {
			return err
		}
		if err := insertOrder(ctx, tx, sale.Order); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbox_events (id, aggregate_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			sale.Event.ID, sale.Event.AggregateID, sale.Event.EventType, sale.Event.Payload, sale.Event.CreatedAt); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
		return nil
	})
}
