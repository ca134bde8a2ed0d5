package trust

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/settlement/internal/custody"
	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/events"
	"github.com/agoramesh-ai/settlement/internal/store/memory"
)

type trustFixture struct {
	eng    *Engine
	ledger *custody.Ledger
	now    time.Time
}

func newTrustFixture(t *testing.T) *trustFixture {
	t.Helper()
	ms := memory.New()
	ledger := custody.NewLedger(ms.Balances())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	params := Params{
		ReferenceStake:   big.NewInt(1000),
		ReferenceVolume:  big.NewInt(1000),
		StakeToken:       "credit",
		WithdrawCooldown: 7 * 24 * time.Hour,
		ScoreCacheSize:   64,
		ScoreCacheTTL:    time.Minute,
	}
	eng := New(ms, ms.Agents(), ms.Trust(), ledger, ms.Events(), events.NewInMemoryPublisher(64), params, logger)

	f := &trustFixture{
		eng:    eng,
		ledger: ledger,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	eng.SetNowFunc(func() time.Time { return f.now })
	return f
}

func (f *trustFixture) register(t *testing.T, owner, did string) {
	t.Helper()
	_, err := f.eng.RegisterAgent(context.Background(), owner, did, "")
	require.NoError(t, err)
}

func (f *trustFixture) fund(t *testing.T, owner string, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.DepositTx(context.Background(), nil, owner, "credit", big.NewInt(amount)))
}

func (f *trustFixture) balance(t *testing.T, account string) string {
	t.Helper()
	bal, err := f.ledger.BalanceOf(context.Background(), account, "credit")
	require.NoError(t, err)
	return bal.String()
}

const (
	ownerA = "0xaaa"
	ownerB = "0xbbb"
	ownerC = "0xccc"
	didA   = "did:key:z6MkAAA"
	didB   = "did:key:z6MkBBB"
	didC   = "did:key:z6MkCCC"
)

func TestRegisterAgent(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()

	agent, err := f.eng.RegisterAgent(ctx, ownerA, didA, "bafyCID")
	require.NoError(t, err)
	assert.Equal(t, didA, agent.DID)
	assert.True(t, agent.IsActive)

	got, err := f.eng.GetAgent(ctx, didA)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ownerA, got.Owner)

	score, err := f.eng.TrustScore(ctx, didA)
	require.NoError(t, err)
	assert.Equal(t, int64(0), score)
}

func TestRegisterAgentRejectsDuplicates(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)

	_, err := f.eng.RegisterAgent(ctx, ownerB, didA, "")
	assert.ErrorIs(t, err, fault.AgentExists)

	_, err = f.eng.RegisterAgent(ctx, ownerA, didB, "")
	assert.ErrorIs(t, err, fault.AgentExists)
}

func TestRegisterAgentValidates(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()

	_, err := f.eng.RegisterAgent(ctx, ownerA, "not-a-did", "")
	assert.ErrorIs(t, err, fault.MalformedDID)

	_, err = f.eng.RegisterAgent(ctx, "", didA, "")
	assert.ErrorIs(t, err, fault.MalformedDID)
}

func TestDeactivate(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)

	assert.ErrorIs(t, f.eng.Deactivate(ctx, ownerB, didA), fault.NotAgentOwner)
	require.NoError(t, f.eng.Deactivate(ctx, ownerA, didA))
	assert.ErrorIs(t, f.eng.Deactivate(ctx, ownerA, didA), fault.AgentInactive)

	active, err := f.eng.IsAgentActive(ctx, didA)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestRecordTransactionRequiresOracle(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)

	err := f.eng.RecordTransaction(ctx, model.RoleTreasury, didA, "100", true)
	assert.ErrorIs(t, err, fault.NotOracle)

	err = f.eng.RecordTransaction(ctx, model.RoleSettlementOracle, didB, "100", true)
	assert.ErrorIs(t, err, fault.AgentNotRegistered)
}

func TestRecordTransactionBuildsReputation(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)

	// One successful transaction at reference volume: full reputation, no
	// stake or endorsements.
	require.NoError(t, f.eng.RecordTransaction(ctx, model.RoleSettlementOracle, didA, "1000", true))

	details, err := f.eng.TrustDetails(ctx, didA)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), details.ReputationComponent)
	assert.Equal(t, int64(0), details.StakeComponent)
	assert.Equal(t, int64(5000), details.Score)
	assert.Equal(t, int64(1), details.TotalTransactions)
	assert.Equal(t, int64(1), details.SuccessfulTransactions)
	assert.Equal(t, "1000", details.TotalVolume)
}

func TestDepositStake(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.fund(t, ownerA, 1000)

	require.NoError(t, f.eng.DepositStake(ctx, ownerA, didA, "250"))

	assert.Equal(t, "750", f.balance(t, ownerA))
	assert.Equal(t, "250", f.balance(t, custody.StakeAccount(didA)))

	// sqrt(250/1000) of the 3000-point stake weight.
	details, err := f.eng.TrustDetails(ctx, didA)
	require.NoError(t, err)
	assert.Equal(t, "250", details.StakedAmount)
	assert.Equal(t, int64(5000), details.StakeComponent)
	assert.Equal(t, int64(1500), details.Score)
}

func TestDepositStakeGuards(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)

	assert.ErrorIs(t, f.eng.DepositStake(ctx, ownerB, didA, "100"), fault.NotAgentOwner)
	assert.ErrorIs(t, f.eng.DepositStake(ctx, ownerA, didA, "0"), fault.NonPositiveAmount)
	assert.ErrorIs(t, f.eng.DepositStake(ctx, ownerA, didA, "100"), fault.InsufficientBalance)
}

func TestWithdrawCooldown(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.fund(t, ownerA, 1000)
	require.NoError(t, f.eng.DepositStake(ctx, ownerA, didA, "1000"))

	_, err := f.eng.ExecuteWithdraw(ctx, ownerA, didA)
	assert.ErrorIs(t, err, fault.NoPendingWithdraw)

	assert.ErrorIs(t, f.eng.RequestWithdraw(ctx, ownerA, didA, "1001"), fault.InsufficientStake)
	require.NoError(t, f.eng.RequestWithdraw(ctx, ownerA, didA, "600"))

	f.now = f.now.Add(6 * 24 * time.Hour)
	_, err = f.eng.ExecuteWithdraw(ctx, ownerA, didA)
	assert.ErrorIs(t, err, fault.CooldownActive)

	f.now = f.now.Add(25 * time.Hour)
	withdrawn, err := f.eng.ExecuteWithdraw(ctx, ownerA, didA)
	require.NoError(t, err)
	assert.Equal(t, "600", withdrawn)
	assert.Equal(t, "600", f.balance(t, ownerA))
	assert.Equal(t, "400", f.balance(t, custody.StakeAccount(didA)))

	_, err = f.eng.ExecuteWithdraw(ctx, ownerA, didA)
	assert.ErrorIs(t, err, fault.NoPendingWithdraw)
}

func TestRepeatedRequestRestartsCooldown(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.fund(t, ownerA, 1000)
	require.NoError(t, f.eng.DepositStake(ctx, ownerA, didA, "1000"))

	require.NoError(t, f.eng.RequestWithdraw(ctx, ownerA, didA, "100"))
	f.now = f.now.Add(6 * 24 * time.Hour)
	require.NoError(t, f.eng.RequestWithdraw(ctx, ownerA, didA, "200"))

	f.now = f.now.Add(2 * 24 * time.Hour)
	_, err := f.eng.ExecuteWithdraw(ctx, ownerA, didA)
	assert.ErrorIs(t, err, fault.CooldownActive)

	f.now = f.now.Add(6 * 24 * time.Hour)
	withdrawn, err := f.eng.ExecuteWithdraw(ctx, ownerA, didA)
	require.NoError(t, err)
	assert.Equal(t, "200", withdrawn)
}

func TestSlash(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.fund(t, ownerA, 1000)
	require.NoError(t, f.eng.DepositStake(ctx, ownerA, didA, "1000"))

	assert.ErrorIs(t, f.eng.Slash(ctx, model.RoleTreasury, didA, "100", "test"), fault.NotArbiter)
	assert.ErrorIs(t, f.eng.Slash(ctx, model.RoleArbiter, didA, "1001", "test"), fault.InsufficientStake)

	require.NoError(t, f.eng.Slash(ctx, model.RoleArbiter, didA, "600", "dispute_loss"))
	assert.Equal(t, "600", f.balance(t, custody.TreasuryAccount))
	assert.Equal(t, "400", f.balance(t, custody.StakeAccount(didA)))
}

func TestSlashClampsPendingWithdraw(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.fund(t, ownerA, 1000)
	require.NoError(t, f.eng.DepositStake(ctx, ownerA, didA, "1000"))
	require.NoError(t, f.eng.RequestWithdraw(ctx, ownerA, didA, "1000"))

	require.NoError(t, f.eng.Slash(ctx, model.RoleArbiter, didA, "600", "dispute_loss"))

	f.now = f.now.Add(8 * 24 * time.Hour)
	withdrawn, err := f.eng.ExecuteWithdraw(ctx, ownerA, didA)
	require.NoError(t, err)
	assert.Equal(t, "400", withdrawn)
	assert.Equal(t, "0", f.balance(t, custody.StakeAccount(didA)))
}

func TestEndorse(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.register(t, ownerB, didB)

	assert.ErrorIs(t, f.eng.Endorse(ctx, ownerA, didA, didA, ""), fault.SelfEndorsement)
	assert.ErrorIs(t, f.eng.Endorse(ctx, ownerB, didA, didB, ""), fault.NotAgentOwner)
	assert.ErrorIs(t, f.eng.Endorse(ctx, ownerA, didA, didC, ""), fault.AgentNotRegistered)

	// Endorser contributes its own reputation decayed one hop.
	require.NoError(t, f.eng.RecordTransaction(ctx, model.RoleSettlementOracle, didA, "1000", true))
	require.NoError(t, f.eng.Endorse(ctx, ownerA, didA, didB, "reliable"))

	details, err := f.eng.TrustDetails(ctx, didB)
	require.NoError(t, err)
	assert.Equal(t, int64(9000), details.EndorsementComponent)
	assert.Equal(t, int64(1800), details.Score)
}

func TestEndorsementDecaysPerHop(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.register(t, ownerB, didB)
	f.register(t, ownerC, didC)

	// C (full reputation) endorses A (no reputation), A endorses B: B receives
	// only C's contribution at two hops.
	require.NoError(t, f.eng.RecordTransaction(ctx, model.RoleSettlementOracle, didC, "1000", true))
	require.NoError(t, f.eng.Endorse(ctx, ownerC, didC, didA, ""))
	require.NoError(t, f.eng.Endorse(ctx, ownerA, didA, didB, ""))

	details, err := f.eng.TrustDetails(ctx, didB)
	require.NoError(t, err)
	assert.Equal(t, int64(8100), details.EndorsementComponent)
	assert.Equal(t, int64(1620), details.Score)
}

func TestRevokeEndorsement(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)
	f.register(t, ownerB, didB)
	require.NoError(t, f.eng.RecordTransaction(ctx, model.RoleSettlementOracle, didA, "1000", true))
	require.NoError(t, f.eng.Endorse(ctx, ownerA, didA, didB, ""))

	assert.ErrorIs(t, f.eng.RevokeEndorsement(ctx, ownerB, didB, didA), fault.EndorsementMissing)

	require.NoError(t, f.eng.RevokeEndorsement(ctx, ownerA, didA, didB))
	assert.ErrorIs(t, f.eng.RevokeEndorsement(ctx, ownerA, didA, didB), fault.EndorsementMissing)

	details, err := f.eng.TrustDetails(ctx, didB)
	require.NoError(t, err)
	assert.Equal(t, int64(0), details.EndorsementComponent)
}

func TestTrustScoreCacheInvalidation(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()
	f.register(t, ownerA, didA)

	score, err := f.eng.TrustScore(ctx, didA)
	require.NoError(t, err)
	assert.Equal(t, int64(0), score)

	require.NoError(t, f.eng.RecordTransaction(ctx, model.RoleSettlementOracle, didA, "1000", true))

	score, err = f.eng.TrustScore(ctx, didA)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), score)
}

func TestTrustScoreUnregistered(t *testing.T) {
	f := newTrustFixture(t)
	score, err := f.eng.TrustScore(context.Background(), "did:key:z6MkNobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), score)
}
