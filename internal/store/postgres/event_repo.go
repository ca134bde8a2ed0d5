package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
)

// EventRepo is the append-only journal. Rows are never updated or deleted.
type EventRepo struct {
	db *DB
}

func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, e *model.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, kind, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.Kind, e.EntityID, []byte(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (r *EventRepo) ListRecent(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, payload, created_at
		FROM events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}
