package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// BalanceRepo stores internal custody account balances and the per-token
// custody supply. The balances CHECK constraint rejects negative balances at
// the database layer; engines still guard before debiting.
type BalanceRepo struct {
	db *DB
}

func NewBalanceRepo(db *DB) *BalanceRepo {
	return &BalanceRepo{db: db}
}

func (r *BalanceRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, account, token string) (string, error) {
	var amount string
	err := tx.QueryRowContext(ctx, `
		SELECT amount::text
		FROM balances
		WHERE account = $1 AND token = $2
		FOR UPDATE
	`, account, token).Scan(&amount)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("get balance: %w", err)
	}
	return normalizeAmount(amount), nil
}

func (r *BalanceRepo) AdjustTx(ctx context.Context, tx *sql.Tx, account, token, delta string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account, token, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (account, token) DO UPDATE SET
			amount = balances.amount + $3::numeric,
			updated_at = now()
	`, account, token, delta)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	return nil
}

func (r *BalanceRepo) Get(ctx context.Context, account, token string) (string, error) {
	var amount string
	err := r.db.QueryRowContext(ctx, `
		SELECT amount::text
		FROM balances
		WHERE account = $1 AND token = $2
	`, account, token).Scan(&amount)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("get balance: %w", err)
	}
	return normalizeAmount(amount), nil
}

func (r *BalanceRepo) AdjustSupplyTx(ctx context.Context, tx *sql.Tx, token, delta string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO custody_supply (token, amount)
		VALUES ($1, $2::numeric)
		ON CONFLICT (token) DO UPDATE SET
			amount = custody_supply.amount + $2::numeric,
			updated_at = now()
	`, token, delta)
	if err != nil {
		return fmt.Errorf("adjust supply: %w", err)
	}
	return nil
}

func (r *BalanceRepo) GetSupply(ctx context.Context, token string) (string, error) {
	var amount string
	err := r.db.QueryRowContext(ctx, `
		SELECT amount::text FROM custody_supply WHERE token = $1
	`, token).Scan(&amount)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("get supply: %w", err)
	}
	return normalizeAmount(amount), nil
}

func (r *BalanceRepo) SumBalances(ctx context.Context, token string) (string, error) {
	var sum string
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM balances WHERE token = $1
	`, token).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("sum balances: %w", err)
	}
	return normalizeAmount(sum), nil
}

func (r *BalanceRepo) Tokens(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT token FROM custody_supply ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func normalizeAmount(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
