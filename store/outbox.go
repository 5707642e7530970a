package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"order-fulfillment/model"
)

func (s *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, aggregate_id, event_type, payload, created_at
		FROM outbox_events WHERE NOT processed ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []model.OutboxEvent{}
	for rows.Next() {
		var e model.OutboxEvent
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkEventsProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.DB.ExecContext(ctx, `UPDATE outbox_events SET processed = TRUE WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark outbox events: %w", err)
	}
	return nil
}
