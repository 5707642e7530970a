package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"order-fulfillment/model"
)

const (
	decrementStock = `UPDATE products SET count_in_stock = count_in_stock - $1 WHERE id = $2 AND count_in_stock >= $1`
	incrementStock = `UPDATE products SET count_in_stock = count_in_stock + $1 WHERE id = $2`
	insertLedger   = `INSERT INTO inventory_transactions (id, product_id, type, quantity, reference_type, reference_id, actor, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

func (s *PostgresStore) ApplyTransactions(ctx context.Context, txs []model.InventoryTransaction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return applyLedger(ctx, tx, txs)
	})
}

// applyLedger moves counters and appends ledger rows inside tx. Rows are
// applied in product id order so that two batches touching the same products
// lock them in the same order.
func applyLedger(ctx context.Context, tx *sql.Tx, txs []model.InventoryTransaction) error {
	sorted := append([]model.InventoryTransaction(nil), txs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	for _, t := range sorted {
		var res sql.Result
		var err error
		if t.Quantity < 0 {
			res, err = tx.ExecContext(ctx, decrementStock, -t.Quantity, t.ProductID)
		} else {
			res, err = tx.ExecContext(ctx, incrementStock, t.Quantity, t.ProductID)
		}
		if err != nil {
			return fmt.Errorf("update stock of product %d: %w", t.ProductID, err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if ra == 0 {
			return missingStockError(ctx, tx, t)
		}

		if _, err := tx.ExecContext(ctx, insertLedger,
			t.ID, t.ProductID, string(t.Type), t.Quantity,
			t.ReferenceType, t.ReferenceID, t.Actor, t.Notes, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("append ledger row: %w", err)
		}
	}
	return nil
}

// missingStockError tells an unknown product apart from a short one after a
// conditional update matched nothing.
func missingStockError(ctx context.Context, tx *sql.Tx, t model.InventoryTransaction) error {
	if t.Quantity > 0 {
		return fmt.Errorf("product %d: %w", t.ProductID, model.ErrProductNotFound)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, t.ProductID).Scan(&exists); err != nil {
		return fmt.Errorf("check product %d: %w", t.ProductID, err)
	}
	if !exists {
		return fmt.Errorf("product %d: %w", t.ProductID, model.ErrProductNotFound)
	}
	return fmt.Errorf("product %d needs %d: %w", t.ProductID, -t.Quantity, model.ErrInsufficientStock)
}

// ListTransactions returns the newest rows first. limit <= 0 means all.
func (s *PostgresStore) ListTransactions(ctx context.Context, productID int64, limit int) ([]model.InventoryTransaction, error) {
	q := `SELECT id, product_id, type, quantity, reference_type, reference_id, actor, notes, created_at
		FROM inventory_transactions WHERE product_id = $1 ORDER BY created_at DESC, id`
	args := []any{productID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	out := []model.InventoryTransaction{}
	for rows.Next() {
		var t model.InventoryTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.ProductID, &typ, &t.Quantity, &t.ReferenceType, &t.ReferenceID, &t.Actor, &t.Notes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		t.Type = model.TransactionType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StockLevel(ctx context.Context, productID int64) (model.StockLevel, error) {
	lvl := model.StockLevel{ProductID: productID}
	err := s.DB.QueryRowContext(ctx, `
		SELECT p.count_in_stock, COALESCE((SELECT SUM(t.quantity) FROM inventory_transactions t WHERE t.product_id = p.id), 0)
		FROM products p WHERE p.id = $1`, productID,
	).Scan(&lvl.CountInStock, &lvl.LedgerSum)
	if errors.Is(err, sql.ErrNoRows) {
		return lvl, fmt.Errorf("product %d: %w", productID, model.ErrProductNotFound)
	}
	if err != nil {
		return lvl, fmt.Errorf("query stock level: %w", err)
	}
	return lvl, nil
}

func (s *PostgresStore) StockDrift(ctx context.Context) ([]model.StockDrift, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.id, p.count_in_stock, COALESCE(SUM(t.quantity), 0) AS ledger
		FROM products p LEFT JOIN inventory_transactions t ON t.product_id = p.id
		GROUP BY p.id, p.count_in_stock
		HAVING p.count_in_stock <> COALESCE(SUM(t.quantity), 0)
		ORDER BY p.id`)
	if err != nil {
		return nil, fmt.Errorf("query stock drift: %w", err)
	}
	defer rows.Close()

	out := []model.StockDrift{}
	for rows.Next() {
		var d model.StockDrift
		if err := rows.Scan(&d.ProductID, &d.CountInStock, &d.LedgerSum); err != nil {
			return nil, fmt.Errorf("scan stock drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
