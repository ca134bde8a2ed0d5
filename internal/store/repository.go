package store

import (
	"context"
	"database/sql"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/google/uuid"
)

// TxRunner executes fn inside one atomic, serialized settlement transaction.
// The postgres implementation wraps a database transaction (tx is the live
// *sql.Tx); the in-memory implementation serializes with a mutex and passes a
// nil tx. Engines must perform every read/guard before the first write so
// that a rejected operation has no effect on either backend.
type TxRunner interface {
	RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// AgentRepository provides access to agent identity records.
type AgentRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, a *model.Agent) error
	UpdateTx(ctx context.Context, tx *sql.Tx, a *model.Agent) error
	// GetTx locks the row for the duration of the transaction.
	GetTx(ctx context.Context, tx *sql.Tx, did string) (*model.Agent, error)
	Get(ctx context.Context, did string) (*model.Agent, error)
	GetByOwnerTx(ctx context.Context, tx *sql.Tx, owner string) (*model.Agent, error)
	// ListActiveDIDsTx returns the DIDs of all active agents (juror candidates).
	ListActiveDIDsTx(ctx context.Context, tx *sql.Tx) ([]string, error)
}

// TrustRepository provides access to trust records and the endorsement graph.
type TrustRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, r *model.TrustRecord) error
	UpdateTx(ctx context.Context, tx *sql.Tx, r *model.TrustRecord) error
	GetTx(ctx context.Context, tx *sql.Tx, did string) (*model.TrustRecord, error)
	Get(ctx context.Context, did string) (*model.TrustRecord, error)

	InsertEndorsementTx(ctx context.Context, tx *sql.Tx, e *model.Endorsement) error
	// RevokeEndorsementTx deactivates the most recent active endorsement on
	// the edge and reports whether one existed.
	RevokeEndorsementTx(ctx context.Context, tx *sql.Tx, endorserDID, endorseeDID string, revokedAt int64) (bool, error)
	// ActiveEndorsements returns the most recent limit active endorsements
	// received by endorseeDID, newest first.
	ActiveEndorsements(ctx context.Context, endorseeDID string, limit int) ([]model.Endorsement, error)
}

// EscrowRepository provides access to escrow records.
type EscrowRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, e *model.Escrow) error
	UpdateTx(ctx context.Context, tx *sql.Tx, e *model.Escrow) error
	GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Escrow, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Escrow, error)
}

// StreamRepository provides access to stream records.
type StreamRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, s *model.Stream) error
	UpdateTx(ctx context.Context, tx *sql.Tx, s *model.Stream) error
	GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Stream, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Stream, error)
}

// DisputeRepository provides access to disputes and their sealed ballots.
type DisputeRepository interface {
	CreateTx(ctx context.Context, tx *sql.Tx, d *model.Dispute) error
	UpdateTx(ctx context.Context, tx *sql.Tx, d *model.Dispute) error
	GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Dispute, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Dispute, error)
	// GetOpenByRefTx returns the unresolved dispute adjudicating the record, if any.
	GetOpenByRefTx(ctx context.Context, tx *sql.Tx, kind model.DisputeRefKind, refID uuid.UUID) (*model.Dispute, error)

	InsertVotesTx(ctx context.Context, tx *sql.Tx, votes []model.Vote) error
	UpdateVoteTx(ctx context.Context, tx *sql.Tx, v *model.Vote) error
	GetVoteTx(ctx context.Context, tx *sql.Tx, disputeID uuid.UUID, round int, jurorDID string) (*model.Vote, error)
	VotesTx(ctx context.Context, tx *sql.Tx, disputeID uuid.UUID, round int) ([]model.Vote, error)
}

// BalanceRepository provides access to internal custody accounts. Amounts are
// NUMERIC(78,0) strings; deltas may be negative but balances never are.
type BalanceRepository interface {
	// GetForUpdateTx reads an account balance, locking it for the transaction.
	// Missing accounts read as "0".
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, account, token string) (string, error)
	AdjustTx(ctx context.Context, tx *sql.Tx, account, token, delta string) error
	Get(ctx context.Context, account, token string) (string, error)

	// Supply tracking: total units deposited into custody per token, used by
	// the reconciliation sweep (sum of balances must equal supply).
	AdjustSupplyTx(ctx context.Context, tx *sql.Tx, token, delta string) error
	GetSupply(ctx context.Context, token string) (string, error)
	SumBalances(ctx context.Context, token string) (string, error)
	Tokens(ctx context.Context) ([]string, error)
}

// EventRepository is the append-only journal.
type EventRepository interface {
	AppendTx(ctx context.Context, tx *sql.Tx, e *model.Event) error
	ListRecent(ctx context.Context, limit int) ([]model.Event, error)
}
