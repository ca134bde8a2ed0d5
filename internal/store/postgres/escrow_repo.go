package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/google/uuid"
)

type EscrowRepo struct {
	db *DB
}

func NewEscrowRepo(db *DB) *EscrowRepo {
	return &EscrowRepo{db: db}
}

const escrowColumns = `id, client_did, provider_did, client_addr, provider_addr, token,
	amount::text, task_hash, output_hash, deadline, state, created_at, delivered_at, updated_at`

func (r *EscrowRepo) CreateTx(ctx context.Context, tx *sql.Tx, e *model.Escrow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrows (id, client_did, provider_did, client_addr, provider_addr, token,
			amount, task_hash, output_hash, deadline, state, created_at, delivered_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.ClientDID, e.ProviderDID, e.ClientAddr, e.ProviderAddr, e.Token,
		e.Amount, e.TaskHash, e.OutputHash, e.Deadline, e.State, e.CreatedAt, e.DeliveredAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (r *EscrowRepo) UpdateTx(ctx context.Context, tx *sql.Tx, e *model.Escrow) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE escrows
		SET output_hash = $2, state = $3, delivered_at = $4, updated_at = $5
		WHERE id = $1
	`, e.ID, e.OutputHash, e.State, e.DeliveredAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	return nil
}

func (r *EscrowRepo) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Escrow, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanEscrow(row)
}

func (r *EscrowRepo) Get(ctx context.Context, id uuid.UUID) (*model.Escrow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE id = $1
	`, id)
	return scanEscrow(row)
}

func scanEscrow(row rowScanner) (*model.Escrow, error) {
	var e model.Escrow
	err := row.Scan(&e.ID, &e.ClientDID, &e.ProviderDID, &e.ClientAddr, &e.ProviderAddr, &e.Token,
		&e.Amount, &e.TaskHash, &e.OutputHash, &e.Deadline, &e.State, &e.CreatedAt, &e.DeliveredAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}
	return &e, nil
}
