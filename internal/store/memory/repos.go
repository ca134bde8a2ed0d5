package memory

import (
	"context"
	"database/sql"

	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/store"
	"github.com/google/uuid"
)

// Repository views over the shared store, matching the interfaces in
// internal/store one entity at a time.

type agentRepo struct{ s *Store }
type trustRepo struct{ s *Store }
type escrowRepo struct{ s *Store }
type streamRepo struct{ s *Store }
type disputeRepo struct{ s *Store }
type balanceRepo struct{ s *Store }
type eventRepo struct{ s *Store }

func (s *Store) Agents() store.AgentRepository     { return agentRepo{s} }
func (s *Store) Trust() store.TrustRepository      { return trustRepo{s} }
func (s *Store) Escrows() store.EscrowRepository   { return escrowRepo{s} }
func (s *Store) Streams() store.StreamRepository   { return streamRepo{s} }
func (s *Store) Disputes() store.DisputeRepository { return disputeRepo{s} }
func (s *Store) Balances() store.BalanceRepository { return balanceRepo{s} }
func (s *Store) Events() store.EventRepository     { return eventRepo{s} }

func (r agentRepo) CreateTx(ctx context.Context, tx *sql.Tx, a *model.Agent) error {
	return r.s.CreateAgentTx(ctx, tx, a)
}
func (r agentRepo) UpdateTx(ctx context.Context, tx *sql.Tx, a *model.Agent) error {
	return r.s.UpdateAgentTx(ctx, tx, a)
}
func (r agentRepo) GetTx(ctx context.Context, tx *sql.Tx, did string) (*model.Agent, error) {
	return r.s.GetAgentTx(ctx, tx, did)
}
func (r agentRepo) Get(ctx context.Context, did string) (*model.Agent, error) {
	return r.s.GetAgent(ctx, did)
}
func (r agentRepo) GetByOwnerTx(ctx context.Context, tx *sql.Tx, owner string) (*model.Agent, error) {
	return r.s.GetAgentByOwnerTx(ctx, tx, owner)
}
func (r agentRepo) ListActiveDIDsTx(ctx context.Context, tx *sql.Tx) ([]string, error) {
	return r.s.ListActiveAgentDIDsTx(ctx, tx)
}

func (r trustRepo) CreateTx(ctx context.Context, tx *sql.Tx, rec *model.TrustRecord) error {
	return r.s.CreateTrustTx(ctx, tx, rec)
}
func (r trustRepo) UpdateTx(ctx context.Context, tx *sql.Tx, rec *model.TrustRecord) error {
	return r.s.UpdateTrustTx(ctx, tx, rec)
}
func (r trustRepo) GetTx(ctx context.Context, tx *sql.Tx, did string) (*model.TrustRecord, error) {
	return r.s.GetTrustTx(ctx, tx, did)
}
func (r trustRepo) Get(ctx context.Context, did string) (*model.TrustRecord, error) {
	return r.s.GetTrust(ctx, did)
}
func (r trustRepo) InsertEndorsementTx(ctx context.Context, tx *sql.Tx, e *model.Endorsement) error {
	return r.s.InsertEndorsementTx(ctx, tx, e)
}
func (r trustRepo) RevokeEndorsementTx(ctx context.Context, tx *sql.Tx, endorserDID, endorseeDID string, revokedAt int64) (bool, error) {
	return r.s.RevokeEndorsementTx(ctx, tx, endorserDID, endorseeDID, revokedAt)
}
func (r trustRepo) ActiveEndorsements(ctx context.Context, endorseeDID string, limit int) ([]model.Endorsement, error) {
	return r.s.ActiveEndorsements(ctx, endorseeDID, limit)
}

func (r escrowRepo) CreateTx(ctx context.Context, tx *sql.Tx, e *model.Escrow) error {
	return r.s.CreateEscrowTx(ctx, tx, e)
}
func (r escrowRepo) UpdateTx(ctx context.Context, tx *sql.Tx, e *model.Escrow) error {
	return r.s.UpdateEscrowTx(ctx, tx, e)
}
func (r escrowRepo) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Escrow, error) {
	return r.s.GetEscrowTx(ctx, tx, id)
}
func (r escrowRepo) Get(ctx context.Context, id uuid.UUID) (*model.Escrow, error) {
	return r.s.GetEscrow(ctx, id)
}

func (r streamRepo) CreateTx(ctx context.Context, tx *sql.Tx, st *model.Stream) error {
	return r.s.CreateStreamTx(ctx, tx, st)
}
func (r streamRepo) UpdateTx(ctx context.Context, tx *sql.Tx, st *model.Stream) error {
	return r.s.UpdateStreamTx(ctx, tx, st)
}
func (r streamRepo) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Stream, error) {
	return r.s.GetStreamTx(ctx, tx, id)
}
func (r streamRepo) Get(ctx context.Context, id uuid.UUID) (*model.Stream, error) {
	return r.s.GetStream(ctx, id)
}

func (r disputeRepo) CreateTx(ctx context.Context, tx *sql.Tx, d *model.Dispute) error {
	return r.s.CreateDisputeTx(ctx, tx, d)
}
func (r disputeRepo) UpdateTx(ctx context.Context, tx *sql.Tx, d *model.Dispute) error {
	return r.s.UpdateDisputeTx(ctx, tx, d)
}
func (r disputeRepo) GetTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.Dispute, error) {
	return r.s.GetDisputeTx(ctx, tx, id)
}
func (r disputeRepo) Get(ctx context.Context, id uuid.UUID) (*model.Dispute, error) {
	return r.s.GetDispute(ctx, id)
}
func (r disputeRepo) GetOpenByRefTx(ctx context.Context, tx *sql.Tx, kind model.DisputeRefKind, refID uuid.UUID) (*model.Dispute, error) {
	return r.s.GetOpenDisputeByRefTx(ctx, tx, kind, refID)
}
func (r disputeRepo) InsertVotesTx(ctx context.Context, tx *sql.Tx, votes []model.Vote) error {
	return r.s.InsertVotesTx(ctx, tx, votes)
}
func (r disputeRepo) UpdateVoteTx(ctx context.Context, tx *sql.Tx, v *model.Vote) error {
	return r.s.UpdateVoteTx(ctx, tx, v)
}
func (r disputeRepo) GetVoteTx(ctx context.Context, tx *sql.Tx, disputeID uuid.UUID, round int, jurorDID string) (*model.Vote, error) {
	return r.s.GetVoteTx(ctx, tx, disputeID, round, jurorDID)
}
func (r disputeRepo) VotesTx(ctx context.Context, tx *sql.Tx, disputeID uuid.UUID, round int) ([]model.Vote, error) {
	return r.s.VotesTx(ctx, tx, disputeID, round)
}

func (r balanceRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, account, token string) (string, error) {
	return r.s.GetBalanceForUpdateTx(ctx, tx, account, token)
}
func (r balanceRepo) AdjustTx(ctx context.Context, tx *sql.Tx, account, token, delta string) error {
	return r.s.AdjustBalanceTx(ctx, tx, account, token, delta)
}
func (r balanceRepo) Get(ctx context.Context, account, token string) (string, error) {
	return r.s.GetBalance(ctx, account, token)
}
func (r balanceRepo) AdjustSupplyTx(ctx context.Context, tx *sql.Tx, token, delta string) error {
	return r.s.AdjustSupplyTx(ctx, tx, token, delta)
}
func (r balanceRepo) GetSupply(ctx context.Context, token string) (string, error) {
	return r.s.GetSupply(ctx, token)
}
func (r balanceRepo) SumBalances(ctx context.Context, token string) (string, error) {
	return r.s.SumBalances(ctx, token)
}
func (r balanceRepo) Tokens(ctx context.Context) ([]string, error) {
	return r.s.Tokens(ctx)
}

func (r eventRepo) AppendTx(ctx context.Context, tx *sql.Tx, e *model.Event) error {
	return r.s.AppendEventTx(ctx, tx, e)
}
func (r eventRepo) ListRecent(ctx context.Context, limit int) ([]model.Event, error) {
	return r.s.ListRecentEvents(ctx, limit)
}
