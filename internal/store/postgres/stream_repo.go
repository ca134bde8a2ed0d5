package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/google/uuid"
)

type StreamRepo struct {
	db *DB
}

func NewStreamRepo(db *DB) *StreamRepo {
	return &StreamRepo{db: db}
}

const streamColumns = `id, sender_did, recipient_did, sender_addr, recipient_addr, token,
	deposit_amount::text, withdrawn_amount::text, start_time, end_time, scaled_rate::text,
	rate_per_second::text, paused_total_secs, paused_at, status,
	cancelable_by_sender, cancelable_by_recipient, created_at, updated_at`

func (r *StreamRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.Stream) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO streams (id, sender_did, recipient_did, sender_addr, recipient_addr, token,
			deposit_amount, withdrawn_amount, start_time, end_time, scaled_rate, rate_per_second,
			paused_total_secs, paused_at, status, cancelable_by_sender, cancelable_by_recipient,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11::numeric,
			$12::numeric, $13, $14, $15, $16, $17, $18, $19)
	`, s.ID, s.SenderDID, s.RecipientDID, s.SenderAddr, s.RecipientAddr, s.Token,
		s.DepositAmount, s.WithdrawnAmount, s.StartTime, s.EndTime, s.ScaledRate, s.RatePerSecond,
		s.PausedTotal, s.PausedAt, s.Status, s.CancelableBySender, s.CancelableByRecipient,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

func (r *StreamRepo) UpdateTx(ctx context.Context, tx *sql.Tx, s *model.Stream) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE streams
		SET deposit_amount = $2::numeric, withdrawn_amount = $3::numeric, end_time = $4,
			paused_total_secs = $5, paused_at = $6, status = $7, updated_at = $8
		WHERE id = $1
	`, s.ID, s.DepositAmount, s.WithdrawnAmount, s.EndTime,
		s.PausedTotal, s.PausedAt, s.Status, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

func (r *StreamRepo) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Stream, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+streamColumns+`
		FROM streams
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanStream(row)
}

func (r *StreamRepo) Get(ctx context.Context, id uuid.UUID) (*model.Stream, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+streamColumns+`
		FROM streams
		WHERE id = $1
	`, id)
	return scanStream(row)
}

func scanStream(row rowScanner) (*model.Stream, error) {
	var s model.Stream
	err := row.Scan(&s.ID, &s.SenderDID, &s.RecipientDID, &s.SenderAddr, &s.RecipientAddr, &s.Token,
		&s.DepositAmount, &s.WithdrawnAmount, &s.StartTime, &s.EndTime, &s.ScaledRate,
		&s.RatePerSecond, &s.PausedTotal, &s.PausedAt, &s.Status,
		&s.CancelableBySender, &s.CancelableByRecipient, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan stream: %w", err)
	}
	return &s, nil
}
