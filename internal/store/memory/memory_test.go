package memory

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
)

func TestRunTxHonorsContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.RunTx(ctx, func(tx *sql.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRunTxSerializesWriters(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Balances()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTx(ctx, func(tx *sql.Tx) error {
				return repo.AdjustTx(ctx, tx, "acct", "credit", "1")
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := repo.Get(ctx, "acct", "credit")
	require.NoError(t, err)
	assert.Equal(t, "50", bal)
}

func TestAgentRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Agents()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := &model.Agent{DID: "did:key:z6MkA", Owner: "0xaaa", IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, repo.CreateTx(ctx, nil, a))

	got, err := repo.Get(ctx, "did:key:z6MkA")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *a, *got)

	// The stored copy is detached from the returned pointer.
	got.Owner = "0xmutated"
	again, err := repo.Get(ctx, "did:key:z6MkA")
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", again.Owner)

	byOwner, err := repo.GetByOwnerTx(ctx, nil, "0xaaa")
	require.NoError(t, err)
	require.NotNil(t, byOwner)
	assert.Equal(t, a.DID, byOwner.DID)

	missing, err := repo.Get(ctx, "did:key:z6MkMissing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	a.IsActive = false
	require.NoError(t, repo.UpdateTx(ctx, nil, a))
	got, err = repo.GetTx(ctx, nil, a.DID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	err = repo.UpdateTx(ctx, nil, &model.Agent{DID: "did:key:z6MkMissing"})
	assert.ErrorIs(t, err, fault.AgentNotRegistered)
}

func TestListActiveDIDsSorted(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Agents()

	for _, a := range []model.Agent{
		{DID: "did:key:z6MkC", Owner: "0xc", IsActive: true},
		{DID: "did:key:z6MkA", Owner: "0xa", IsActive: true},
		{DID: "did:key:z6MkB", Owner: "0xb", IsActive: false},
	} {
		cp := a
		require.NoError(t, repo.CreateTx(ctx, nil, &cp))
	}

	dids, err := repo.ListActiveDIDsTx(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:key:z6MkA", "did:key:z6MkC"}, dids)
}

func TestEndorsementsNewestFirstWithLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Trust()

	for _, endorser := range []string{"did:key:z6Mk1", "did:key:z6Mk2", "did:key:z6Mk3"} {
		e := &model.Endorsement{EndorserDID: endorser, EndorseeDID: "did:key:z6MkB", Active: true}
		require.NoError(t, repo.InsertEndorsementTx(ctx, nil, e))
		assert.NotZero(t, e.ID)
	}

	out, err := repo.ActiveEndorsements(ctx, "did:key:z6MkB", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "did:key:z6Mk3", out[0].EndorserDID)
	assert.Equal(t, "did:key:z6Mk2", out[1].EndorserDID)

	revoked, err := repo.RevokeEndorsementTx(ctx, nil, "did:key:z6Mk3", "did:key:z6MkB", 0)
	require.NoError(t, err)
	assert.True(t, revoked)
	revoked, err = repo.RevokeEndorsementTx(ctx, nil, "did:key:z6Mk3", "did:key:z6MkB", 0)
	require.NoError(t, err)
	assert.False(t, revoked)

	out, err = repo.ActiveEndorsements(ctx, "did:key:z6MkB", 10)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestOpenDisputeByRef(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Disputes()
	refID := uuid.New()

	final := &model.Dispute{ID: uuid.New(), RefKind: model.RefEscrow, RefID: refID, Final: true}
	require.NoError(t, repo.CreateTx(ctx, nil, final))

	got, err := repo.GetOpenByRefTx(ctx, nil, model.RefEscrow, refID)
	require.NoError(t, err)
	assert.Nil(t, got)

	open := &model.Dispute{ID: uuid.New(), RefKind: model.RefEscrow, RefID: refID}
	require.NoError(t, repo.CreateTx(ctx, nil, open))

	got, err = repo.GetOpenByRefTx(ctx, nil, model.RefEscrow, refID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, open.ID, got.ID)

	got, err = repo.GetOpenByRefTx(ctx, nil, model.RefStream, refID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVotesPerRoundSortedByJuror(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Disputes()
	id := uuid.New()

	require.NoError(t, repo.InsertVotesTx(ctx, nil, []model.Vote{
		{DisputeID: id, AppealRound: 0, JurorDID: "did:key:z6MkB", Choice: model.OutcomePending, Weight: "2"},
		{DisputeID: id, AppealRound: 0, JurorDID: "did:key:z6MkA", Choice: model.OutcomePending, Weight: "1"},
		{DisputeID: id, AppealRound: 1, JurorDID: "did:key:z6MkC", Choice: model.OutcomePending, Weight: "3"},
	}))

	round0, err := repo.VotesTx(ctx, nil, id, 0)
	require.NoError(t, err)
	require.Len(t, round0, 2)
	assert.Equal(t, "did:key:z6MkA", round0[0].JurorDID)
	assert.Equal(t, "did:key:z6MkB", round0[1].JurorDID)

	v, err := repo.GetVoteTx(ctx, nil, id, 0, "did:key:z6MkB")
	require.NoError(t, err)
	require.NotNil(t, v)
	v.Choice = model.OutcomeForClient
	require.NoError(t, repo.UpdateVoteTx(ctx, nil, v))

	v, err = repo.GetVoteTx(ctx, nil, id, 0, "did:key:z6MkB")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeForClient, v.Choice)

	// Rounds are isolated.
	v, err = repo.GetVoteTx(ctx, nil, id, 1, "did:key:z6MkB")
	require.NoError(t, err)
	assert.Nil(t, v)

	err = repo.UpdateVoteTx(ctx, nil, &model.Vote{DisputeID: id, AppealRound: 2, JurorDID: "did:key:z6MkA"})
	assert.ErrorIs(t, err, fault.NotJuror)
}

func TestBalanceAdjustments(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Balances()

	require.NoError(t, repo.AdjustTx(ctx, nil, "a", "credit", "100"))
	require.NoError(t, repo.AdjustTx(ctx, nil, "a", "credit", "-40"))

	bal, err := repo.GetForUpdateTx(ctx, nil, "a", "credit")
	require.NoError(t, err)
	assert.Equal(t, "60", bal)

	assert.ErrorIs(t, repo.AdjustTx(ctx, nil, "a", "credit", "-61"), fault.InsufficientBalance)
	assert.ErrorIs(t, repo.AdjustTx(ctx, nil, "a", "credit", "abc"), fault.MalformedAmount)

	// Tokens are independent balances.
	bal, err = repo.Get(ctx, "a", "usd")
	require.NoError(t, err)
	assert.Equal(t, "0", bal)
}

func TestSupplyAndTokenEnumeration(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Balances()

	require.NoError(t, repo.AdjustSupplyTx(ctx, nil, "credit", "500"))
	require.NoError(t, repo.AdjustSupplyTx(ctx, nil, "usd", "30"))
	require.NoError(t, repo.AdjustSupplyTx(ctx, nil, "credit", "-100"))
	require.NoError(t, repo.AdjustTx(ctx, nil, "a", "credit", "400"))

	supply, err := repo.GetSupply(ctx, "credit")
	require.NoError(t, err)
	assert.Equal(t, "400", supply)

	sum, err := repo.SumBalances(ctx, "credit")
	require.NoError(t, err)
	assert.Equal(t, "400", sum)

	tokens, err := repo.Tokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"credit", "usd"}, tokens)
}

func TestEventJournalKeepsOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Events()
	now := time.Now()

	for i := 0; i < 5; i++ {
		e := model.NewEvent(model.EventEscrowCreated, uuid.NewString(), map[string]int{"n": i}, now)
		require.NoError(t, repo.AppendTx(ctx, nil, &e))
	}

	recent, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.JSONEq(t, `{"n":2}`, string(recent[0].Payload))
	assert.JSONEq(t, `{"n":4}`, string(recent[2].Payload))

	all, err := repo.ListRecent(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStreamRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	repo := s.Streams()

	st := &model.Stream{
		ID:            uuid.New(),
		SenderDID:     "did:key:z6MkS",
		RecipientDID:  "did:key:z6MkR",
		Token:         "credit",
		DepositAmount: "600",
		ScaledRate:    "1000000000000000000",
		Status:        model.StreamActive,
	}
	require.NoError(t, repo.CreateTx(ctx, nil, st))

	st.Status = model.StreamPaused
	require.NoError(t, repo.UpdateTx(ctx, nil, st))

	got, err := repo.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamPaused, got.Status)

	err = repo.UpdateTx(ctx, nil, &model.Stream{ID: uuid.New()})
	assert.ErrorIs(t, err, fault.StreamNotFound)
}
