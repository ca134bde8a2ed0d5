package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/google/uuid"
)

type DisputeRepo struct {
	db *DB
}

func NewDisputeRepo(db *DB) *DisputeRepo {
	return &DisputeRepo{db: db}
}

const disputeColumns = `id, ref_kind, ref_id, initiator_did, client_did, provider_did, token,
	disputed_amount::text, tier, client_evidence, provider_evidence, preliminary_ruling,
	preliminary_confidence, voting_deadline, appeal_round, outcome, resolved, final,
	created_at, resolved_at`

func (r *DisputeRepo) CreateTx(ctx context.Context, tx *sql.Tx, d *model.Dispute) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (id, ref_kind, ref_id, initiator_did, client_did, provider_did, token,
			disputed_amount, tier, client_evidence, provider_evidence, preliminary_ruling,
			preliminary_confidence, voting_deadline, appeal_round, outcome, resolved, final,
			created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, d.ID, d.RefKind, d.RefID, d.InitiatorDID, d.ClientDID, d.ProviderDID, d.Token,
		d.DisputedAmount, d.Tier, d.ClientEvidence, d.ProviderEvidence, nullableOutcome(d.PreliminaryRuling),
		d.PreliminaryConfidence, d.VotingDeadline, d.AppealRound, d.Outcome, d.Resolved, d.Final,
		d.CreatedAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (r *DisputeRepo) UpdateTx(ctx context.Context, tx *sql.Tx, d *model.Dispute) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE disputes
		SET tier = $2, client_evidence = $3, provider_evidence = $4, preliminary_ruling = $5,
			preliminary_confidence = $6, voting_deadline = $7, appeal_round = $8, outcome = $9,
			resolved = $10, final = $11, resolved_at = $12
		WHERE id = $1
	`, d.ID, d.Tier, d.ClientEvidence, d.ProviderEvidence, nullableOutcome(d.PreliminaryRuling),
		d.PreliminaryConfidence, d.VotingDeadline, d.AppealRound, d.Outcome,
		d.Resolved, d.Final, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	return nil
}

func (r *DisputeRepo) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Dispute, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanDispute(row)
}

func (r *DisputeRepo) Get(ctx context.Context, id uuid.UUID) (*model.Dispute, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE id = $1
	`, id)
	return scanDispute(row)
}

func (r *DisputeRepo) GetOpenByRefTx(ctx context.Context, tx *sql.Tx, kind model.DisputeRefKind, refID uuid.UUID) (*model.Dispute, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE ref_kind = $1 AND ref_id = $2 AND NOT final
		FOR UPDATE
	`, kind, refID)
	return scanDispute(row)
}

func (r *DisputeRepo) InsertVotesTx(ctx context.Context, tx *sql.Tx, votes []model.Vote) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispute_votes (dispute_id, appeal_round, juror_did, choice, weight, cast_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6)
	`)
	if err != nil {
		return fmt.Errorf("prepare vote insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range votes {
		if _, err := stmt.ExecContext(ctx, v.DisputeID, v.AppealRound, v.JurorDID, v.Choice, v.Weight, v.CastAt); err != nil {
			return fmt.Errorf("insert vote for %s: %w", v.JurorDID, err)
		}
	}
	return nil
}

func (r *DisputeRepo) UpdateVoteTx(ctx context.Context, tx *sql.Tx, v *model.Vote) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE dispute_votes
		SET choice = $4, cast_at = $5
		WHERE dispute_id = $1 AND appeal_round = $2 AND juror_did = $3
	`, v.DisputeID, v.AppealRound, v.JurorDID, v.Choice, v.CastAt)
	if err != nil {
		return fmt.Errorf("update vote: %w", err)
	}
	return nil
}

func (r *DisputeRepo) GetVoteTx(ctx context.Context, tx *sql.Tx, disputeID uuid.UUID, round int, jurorDID string) (*model.Vote, error) {
	var v model.Vote
	err := tx.QueryRowContext(ctx, `
		SELECT dispute_id, appeal_round, juror_did, choice, weight::text, cast_at
		FROM dispute_votes
		WHERE dispute_id = $1 AND appeal_round = $2 AND juror_did = $3
		FOR UPDATE
	`, disputeID, round, jurorDID).Scan(&v.DisputeID, &v.AppealRound, &v.JurorDID, &v.Choice, &v.Weight, &v.CastAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vote: %w", err)
	}
	return &v, nil
}

func (r *DisputeRepo) VotesTx(ctx context.Context, tx *sql.Tx, disputeID uuid.UUID, round int) ([]model.Vote, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT dispute_id, appeal_round, juror_did, choice, weight::text, cast_at
		FROM dispute_votes
		WHERE dispute_id = $1 AND appeal_round = $2
		ORDER BY juror_did
	`, disputeID, round)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	var votes []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.DisputeID, &v.AppealRound, &v.JurorDID, &v.Choice, &v.Weight, &v.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// nullableOutcome maps the empty outcome to NULL so the CHECK constraint on
// preliminary_ruling only sees real rulings.
func nullableOutcome(o model.DisputeOutcome) any {
	if o == "" {
		return nil
	}
	return string(o)
}

func scanDispute(row rowScanner) (*model.Dispute, error) {
	var d model.Dispute
	var preliminary sql.NullString
	err := row.Scan(&d.ID, &d.RefKind, &d.RefID, &d.InitiatorDID, &d.ClientDID, &d.ProviderDID, &d.Token,
		&d.DisputedAmount, &d.Tier, &d.ClientEvidence, &d.ProviderEvidence, &preliminary,
		&d.PreliminaryConfidence, &d.VotingDeadline, &d.AppealRound, &d.Outcome, &d.Resolved, &d.Final,
		&d.CreatedAt, &d.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	if preliminary.Valid {
		d.PreliminaryRuling = model.DisputeOutcome(preliminary.String)
	}
	return &d, nil
}
