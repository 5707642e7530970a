package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/model"
)

const rateColumns = `id, from_currency, to_currency, rate, valid_from, valid_until, created_by`

func scanRate(row interface{ Scan(...any) error }) (model.CurrencyRate, error) {
	var r model.CurrencyRate
	var until sql.NullTime
	if err := row.Scan(&r.ID, &r.From, &r.To, &r.Rate, &r.ValidFrom, &until, &r.CreatedBy); err != nil {
		return r, err
	}
	if until.Valid {
		t := until.Time
		r.ValidUntil = &t
	}
	return r, nil
}

func (s *PostgresStore) FindRate(ctx context.Context, from, to string, at time.Time) (model.CurrencyRate, error) {
	r, err := scanRate(s.DB.QueryRowContext(ctx, `SELECT `+rateColumns+` FROM currency_rates
		WHERE from_currency = $1 AND to_currency = $2
		  AND valid_from <= $3 AND (valid_until IS NULL OR valid_until > $3)
		LIMIT 1`, from, to, at))
	if errors.Is(err, sql.ErrNoRows) {
		return model.CurrencyRate{}, model.ErrRateNotFound
	}
	if err != nil {
		return model.CurrencyRate{}, fmt.Errorf("query rate: %w", err)
	}
	return r, nil
}

// AddRate closes the pair's open window at rate.ValidFrom and inserts the new
// open window. The open row is locked first so concurrent publishers of the
// same pair serialise.
func (s *PostgresStore) AddRate(ctx context.Context, rate model.CurrencyRate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var openID string
		var openFrom time.Time
		err := tx.QueryRowContext(ctx, `SELECT id, valid_from FROM currency_rates
			WHERE from_currency = $1 AND to_currency = $2 AND valid_until IS NULL FOR UPDATE`,
			rate.From, rate.To).Scan(&openID, &openFrom)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lock open rate: %w", err)
		default:
			if !rate.ValidFrom.After(openFrom) {
				return fmt.Errorf("%s->%s from %s: %w", rate.From, rate.To, rate.ValidFrom.Format(time.RFC3339), model.ErrRateOverlap)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE currency_rates SET valid_until = $1 WHERE id = $2`, rate.ValidFrom, openID); err != nil {
				return fmt.Errorf("close open rate: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO currency_rates (`+rateColumns+`) VALUES ($1, $2, $3, $4, $5, NULL, $6)`,
			rate.ID, rate.From, rate.To, rate.Rate, rate.ValidFrom, rate.CreatedBy)
		if isUniqueViolation(err) {
			return fmt.Errorf("%s->%s: %w", rate.From, rate.To, model.ErrRateOverlap)
		}
		if err != nil {
			return fmt.Errorf("insert rate: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListRates(ctx context.Context, from, to string) ([]model.CurrencyRate, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+rateColumns+` FROM currency_rates
		WHERE from_currency = $1 AND to_currency = $2 ORDER BY valid_from`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query rates: %w", err)
	}
	defer rows.Close()
	out := []model.CurrencyRate{}
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
