package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
)

type TrustRepo struct {
	db *DB
}

func NewTrustRepo(db *DB) *TrustRepo {
	return &TrustRepo{db: db}
}

const trustColumns = `did, total_transactions, successful_transactions, total_volume::text,
	last_activity_at, staked_amount::text, pending_withdraw_amount::text,
	stake_withdraw_request_at, disputes_won, disputes_lost, updated_at`

func (r *TrustRepo) CreateTx(ctx context.Context, tx *sql.Tx, rec *model.TrustRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trust_records (did, total_transactions, successful_transactions, total_volume,
			last_activity_at, staked_amount, pending_withdraw_amount, stake_withdraw_request_at,
			disputes_won, disputes_lost, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6::numeric, $7::numeric, $8, $9, $10, $11)
	`, rec.DID, rec.TotalTransactions, rec.SuccessfulTransactions, rec.TotalVolume,
		rec.LastActivityAt, rec.StakedAmount, rec.PendingWithdrawAmount, rec.StakeWithdrawRequestAt,
		rec.DisputesWon, rec.DisputesLost, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trust record: %w", err)
	}
	return nil
}

func (r *TrustRepo) UpdateTx(ctx context.Context, tx *sql.Tx, rec *model.TrustRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trust_records
		SET total_transactions = $2, successful_transactions = $3, total_volume = $4::numeric,
			last_activity_at = $5, staked_amount = $6::numeric, pending_withdraw_amount = $7::numeric,
			stake_withdraw_request_at = $8, disputes_won = $9, disputes_lost = $10, updated_at = $11
		WHERE did = $1
	`, rec.DID, rec.TotalTransactions, rec.SuccessfulTransactions, rec.TotalVolume,
		rec.LastActivityAt, rec.StakedAmount, rec.PendingWithdrawAmount, rec.StakeWithdrawRequestAt,
		rec.DisputesWon, rec.DisputesLost, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update trust record: %w", err)
	}
	return nil
}

func (r *TrustRepo) GetTx(ctx context.Context, tx *sql.Tx, did string) (*model.TrustRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+trustColumns+`
		FROM trust_records
		WHERE did = $1
		FOR UPDATE
	`, did)
	return scanTrustRecord(row)
}

func (r *TrustRepo) Get(ctx context.Context, did string) (*model.TrustRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+trustColumns+`
		FROM trust_records
		WHERE did = $1
	`, did)
	return scanTrustRecord(row)
}

func (r *TrustRepo) InsertEndorsementTx(ctx context.Context, tx *sql.Tx, e *model.Endorsement) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO endorsements (endorser_did, endorsee_did, message, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.EndorserDID, e.EndorseeDID, e.Message, e.Active, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert endorsement: %w", err)
	}
	return nil
}

func (r *TrustRepo) RevokeEndorsementTx(ctx context.Context, tx *sql.Tx, endorserDID, endorseeDID string, revokedAt int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE endorsements
		SET active = FALSE, revoked_at = to_timestamp($3)
		WHERE id = (
			SELECT id FROM endorsements
			WHERE endorser_did = $1 AND endorsee_did = $2 AND active
			ORDER BY created_at DESC
			LIMIT 1
		)
	`, endorserDID, endorseeDID, revokedAt)
	if err != nil {
		return false, fmt.Errorf("revoke endorsement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke endorsement rows: %w", err)
	}
	return n > 0, nil
}

func (r *TrustRepo) ActiveEndorsements(ctx context.Context, endorseeDID string, limit int) ([]model.Endorsement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, endorser_did, endorsee_did, message, active, created_at, COALESCE(revoked_at, 'epoch'::timestamptz)
		FROM endorsements
		WHERE endorsee_did = $1 AND active
		ORDER BY created_at DESC
		LIMIT $2
	`, endorseeDID, limit)
	if err != nil {
		return nil, fmt.Errorf("query endorsements: %w", err)
	}
	defer rows.Close()

	var endorsements []model.Endorsement
	for rows.Next() {
		var e model.Endorsement
		if err := rows.Scan(&e.ID, &e.EndorserDID, &e.EndorseeDID, &e.Message, &e.Active, &e.CreatedAt, &e.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan endorsement: %w", err)
		}
		endorsements = append(endorsements, e)
	}
	return endorsements, rows.Err()
}

func scanTrustRecord(row rowScanner) (*model.TrustRecord, error) {
	var rec model.TrustRecord
	err := row.Scan(&rec.DID, &rec.TotalTransactions, &rec.SuccessfulTransactions, &rec.TotalVolume,
		&rec.LastActivityAt, &rec.StakedAmount, &rec.PendingWithdrawAmount,
		&rec.StakeWithdrawRequestAt, &rec.DisputesWon, &rec.DisputesLost, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan trust record: %w", err)
	}
	return &rec, nil
}
