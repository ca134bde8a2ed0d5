package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
)

type AgentRepo struct {
	db *DB
}

func NewAgentRepo(db *DB) *AgentRepo {
	return &AgentRepo{db: db}
}

const agentColumns = `did, owner_addr, metadata_cid, is_active, created_at, updated_at`

func (r *AgentRepo) CreateTx(ctx context.Context, tx *sql.Tx, a *model.Agent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (did, owner_addr, metadata_cid, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.DID, a.Owner, a.MetadataCID, a.IsActive, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (r *AgentRepo) UpdateTx(ctx context.Context, tx *sql.Tx, a *model.Agent) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents
		SET metadata_cid = $2, is_active = $3, updated_at = $4
		WHERE did = $1
	`, a.DID, a.MetadataCID, a.IsActive, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

func (r *AgentRepo) GetTx(ctx context.Context, tx *sql.Tx, did string) (*model.Agent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE did = $1
		FOR UPDATE
	`, did)
	return scanAgent(row)
}

func (r *AgentRepo) Get(ctx context.Context, did string) (*model.Agent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE did = $1
	`, did)
	return scanAgent(row)
}

func (r *AgentRepo) GetByOwnerTx(ctx context.Context, tx *sql.Tx, owner string) (*model.Agent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE owner_addr = $1
		FOR UPDATE
	`, owner)
	return scanAgent(row)
}

func (r *AgentRepo) ListActiveDIDsTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT did FROM agents WHERE is_active ORDER BY did
	`)
	if err != nil {
		return nil, fmt.Errorf("query active agents: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("scan agent did: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.DID, &a.Owner, &a.MetadataCID, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}
