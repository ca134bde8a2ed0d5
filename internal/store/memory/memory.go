// Package memory provides an in-memory store backend. It implements the same
// repository interfaces as the postgres backend and serializes settlement
// transactions with a single writer lock, matching the ledger execution model
// (operations are totally ordered; a transaction sees no concurrent writes).
//
// Tx-suffixed methods must only be called inside RunTx and take no lock of
// their own; read-only methods take a shared lock and must not be called from
// inside a running transaction.
package memory

import (
	"context"
	"database/sql"
	"math/big"
	"sort"
	"sync"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/google/uuid"
)

type voteKey struct {
	disputeID uuid.UUID
	round     int
	juror     string
}

type balanceKey struct {
	account string
	token   string
}

// Store holds all settlement state in process memory.
type Store struct {
	mu sync.RWMutex

	agents       map[string]model.Agent
	ownerToDID   map[string]string
	trust        map[string]model.TrustRecord
	endorsements []model.Endorsement
	nextEndorse  int64
	escrows      map[uuid.UUID]model.Escrow
	streams      map[uuid.UUID]model.Stream
	disputes     map[uuid.UUID]model.Dispute
	votes        map[voteKey]model.Vote
	balances     map[balanceKey]*big.Int
	supply       map[string]*big.Int
	events       []model.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents:      make(map[string]model.Agent),
		ownerToDID:  make(map[string]string),
		trust:       make(map[string]model.TrustRecord),
		nextEndorse: 1,
		escrows:     make(map[uuid.UUID]model.Escrow),
		streams:     make(map[uuid.UUID]model.Stream),
		disputes:    make(map[uuid.UUID]model.Dispute),
		votes:       make(map[voteKey]model.Vote),
		balances:    make(map[balanceKey]*big.Int),
		supply:      make(map[string]*big.Int),
	}
}

// RunTx serializes fn against all other transactions. fn receives a nil
// *sql.Tx; engines perform all guards before their first write, so an error
// return means no mutation happened.
func (s *Store) RunTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(nil)
}

// --- AgentRepository ---

func (s *Store) CreateAgentTx(_ context.Context, _ *sql.Tx, a *model.Agent) error {
	s.agents[a.DID] = *a
	s.ownerToDID[a.Owner] = a.DID
	return nil
}

func (s *Store) UpdateAgentTx(_ context.Context, _ *sql.Tx, a *model.Agent) error {
	if _, ok := s.agents[a.DID]; !ok {
		return fault.AgentNotRegistered
	}
	s.agents[a.DID] = *a
	return nil
}

func (s *Store) GetAgentTx(_ context.Context, _ *sql.Tx, did string) (*model.Agent, error) {
	return s.getAgent(did), nil
}

func (s *Store) GetAgent(_ context.Context, did string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAgent(did), nil
}

func (s *Store) getAgent(did string) *model.Agent {
	a, ok := s.agents[did]
	if !ok {
		return nil
	}
	cp := a
	return &cp
}

func (s *Store) GetAgentByOwnerTx(_ context.Context, _ *sql.Tx, owner string) (*model.Agent, error) {
	did, ok := s.ownerToDID[owner]
	if !ok {
		return nil, nil
	}
	return s.getAgent(did), nil
}

func (s *Store) ListActiveAgentDIDsTx(_ context.Context, _ *sql.Tx) ([]string, error) {
	dids := make([]string, 0, len(s.agents))
	for did, a := range s.agents {
		if a.IsActive {
			dids = append(dids, did)
		}
	}
	sort.Strings(dids)
	return dids, nil
}

// --- TrustRepository ---

func (s *Store) CreateTrustTx(_ context.Context, _ *sql.Tx, r *model.TrustRecord) error {
	s.trust[r.DID] = *r
	return nil
}

func (s *Store) UpdateTrustTx(_ context.Context, _ *sql.Tx, r *model.TrustRecord) error {
	if _, ok := s.trust[r.DID]; !ok {
		return fault.AgentNotRegistered
	}
	s.trust[r.DID] = *r
	return nil
}

func (s *Store) GetTrustTx(_ context.Context, _ *sql.Tx, did string) (*model.TrustRecord, error) {
	return s.getTrust(did), nil
}

func (s *Store) GetTrust(_ context.Context, did string) (*model.TrustRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTrust(did), nil
}

func (s *Store) getTrust(did string) *model.TrustRecord {
	r, ok := s.trust[did]
	if !ok {
		return nil
	}
	cp := r
	return &cp
}

func (s *Store) InsertEndorsementTx(_ context.Context, _ *sql.Tx, e *model.Endorsement) error {
	e.ID = s.nextEndorse
	s.nextEndorse++
	s.endorsements = append(s.endorsements, *e)
	return nil
}

func (s *Store) RevokeEndorsementTx(_ context.Context, _ *sql.Tx, endorserDID, endorseeDID string, revokedAt int64) (bool, error) {
	for i := len(s.endorsements) - 1; i >= 0; i-- {
		e := &s.endorsements[i]
		if e.Active && e.EndorserDID == endorserDID && e.EndorseeDID == endorseeDID {
			e.Active = false
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ActiveEndorsements(_ context.Context, endorseeDID string, limit int) ([]model.Endorsement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Endorsement
	for i := len(s.endorsements) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.endorsements[i]
		if e.Active && e.EndorseeDID == endorseeDID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- EscrowRepository ---

func (s *Store) CreateEscrowTx(_ context.Context, _ *sql.Tx, e *model.Escrow) error {
	s.escrows[e.ID] = *e
	return nil
}

func (s *Store) UpdateEscrowTx(_ context.Context, _ *sql.Tx, e *model.Escrow) error {
	if _, ok := s.escrows[e.ID]; !ok {
		return fault.EscrowNotFound
	}
	s.escrows[e.ID] = *e
	return nil
}

func (s *Store) GetEscrowTx(_ context.Context, _ *sql.Tx, id uuid.UUID) (*model.Escrow, error) {
	return s.getEscrow(id), nil
}

func (s *Store) GetEscrow(_ context.Context, id uuid.UUID) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEscrow(id), nil
}

func (s *Store) getEscrow(id uuid.UUID) *model.Escrow {
	e, ok := s.escrows[id]
	if !ok {
		return nil
	}
	cp := e
	return &cp
}

// --- StreamRepository ---

func (s *Store) CreateStreamTx(_ context.Context, _ *sql.Tx, st *model.Stream) error {
	s.streams[st.ID] = *st
	return nil
}

func (s *Store) UpdateStreamTx(_ context.Context, _ *sql.Tx, st *model.Stream) error {
	if _, ok := s.streams[st.ID]; !ok {
		return fault.StreamNotFound
	}
	s.streams[st.ID] = *st
	return nil
}

func (s *Store) GetStreamTx(_ context.Context, _ *sql.Tx, id uuid.UUID) (*model.Stream, error) {
	return s.getStream(id), nil
}

func (s *Store) GetStream(_ context.Context, id uuid.UUID) (*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStream(id), nil
}

func (s *Store) getStream(id uuid.UUID) *model.Stream {
	st, ok := s.streams[id]
	if !ok {
		return nil
	}
	cp := st
	return &cp
}

// --- DisputeRepository ---

func (s *Store) CreateDisputeTx(_ context.Context, _ *sql.Tx, d *model.Dispute) error {
	s.disputes[d.ID] = *d
	return nil
}

func (s *Store) UpdateDisputeTx(_ context.Context, _ *sql.Tx, d *model.Dispute) error {
	if _, ok := s.disputes[d.ID]; !ok {
		return fault.DisputeNotFound
	}
	s.disputes[d.ID] = *d
	return nil
}

func (s *Store) GetDisputeTx(_ context.Context, _ *sql.Tx, id uuid.UUID) (*model.Dispute, error) {
	return s.getDispute(id), nil
}

func (s *Store) GetDispute(_ context.Context, id uuid.UUID) (*model.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDispute(id), nil
}

func (s *Store) getDispute(id uuid.UUID) *model.Dispute {
	d, ok := s.disputes[id]
	if !ok {
		return nil
	}
	cp := d
	return &cp
}

func (s *Store) GetOpenDisputeByRefTx(_ context.Context, _ *sql.Tx, kind model.DisputeRefKind, refID uuid.UUID) (*model.Dispute, error) {
	for _, d := range s.disputes {
		if d.RefKind == kind && d.RefID == refID && !d.Final {
			cp := d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertVotesTx(_ context.Context, _ *sql.Tx, votes []model.Vote) error {
	for _, v := range votes {
		s.votes[voteKey{v.DisputeID, v.AppealRound, v.JurorDID}] = v
	}
	return nil
}

func (s *Store) UpdateVoteTx(_ context.Context, _ *sql.Tx, v *model.Vote) error {
	key := voteKey{v.DisputeID, v.AppealRound, v.JurorDID}
	if _, ok := s.votes[key]; !ok {
		return fault.NotJuror
	}
	s.votes[key] = *v
	return nil
}

func (s *Store) GetVoteTx(_ context.Context, _ *sql.Tx, disputeID uuid.UUID, round int, jurorDID string) (*model.Vote, error) {
	v, ok := s.votes[voteKey{disputeID, round, jurorDID}]
	if !ok {
		return nil, nil
	}
	cp := v
	return &cp, nil
}

func (s *Store) VotesTx(_ context.Context, _ *sql.Tx, disputeID uuid.UUID, round int) ([]model.Vote, error) {
	var out []model.Vote
	for key, v := range s.votes {
		if key.disputeID == disputeID && key.round == round {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JurorDID < out[j].JurorDID })
	return out, nil
}

// --- BalanceRepository ---

func (s *Store) GetBalanceForUpdateTx(_ context.Context, _ *sql.Tx, account, token string) (string, error) {
	return s.balanceString(account, token), nil
}

func (s *Store) AdjustBalanceTx(_ context.Context, _ *sql.Tx, account, token, delta string) error {
	d, ok := new(big.Int).SetString(delta, 10)
	if !ok {
		return fault.MalformedAmount
	}
	key := balanceKey{account, token}
	cur, ok := s.balances[key]
	if !ok {
		cur = new(big.Int)
	}
	next := new(big.Int).Add(cur, d)
	if next.Sign() < 0 {
		return fault.InsufficientBalance
	}
	s.balances[key] = next
	return nil
}

func (s *Store) GetBalance(_ context.Context, account, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceString(account, token), nil
}

func (s *Store) balanceString(account, token string) string {
	if b, ok := s.balances[balanceKey{account, token}]; ok {
		return b.String()
	}
	return "0"
}

func (s *Store) AdjustSupplyTx(_ context.Context, _ *sql.Tx, token, delta string) error {
	d, ok := new(big.Int).SetString(delta, 10)
	if !ok {
		return fault.MalformedAmount
	}
	cur, ok := s.supply[token]
	if !ok {
		cur = new(big.Int)
	}
	s.supply[token] = new(big.Int).Add(cur, d)
	return nil
}

func (s *Store) GetSupply(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.supply[token]; ok {
		return v.String(), nil
	}
	return "0", nil
}

func (s *Store) SumBalances(_ context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := new(big.Int)
	for key, b := range s.balances {
		if key.token == token {
			sum.Add(sum, b)
		}
	}
	return sum.String(), nil
}

func (s *Store) Tokens(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]string, 0, len(s.supply))
	for t := range s.supply {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens, nil
}

// --- EventRepository ---

func (s *Store) AppendEventTx(_ context.Context, _ *sql.Tx, e *model.Event) error {
	s.events = append(s.events, *e)
	return nil
}

func (s *Store) ListRecentEvents(_ context.Context, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.events)
	if limit > n {
		limit = n
	}
	out := make([]model.Event, limit)
	copy(out, s.events[n-limit:])
	return out, nil
}
