package stream

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/settlement/internal/custody"
	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/events"
	"github.com/agoramesh-ai/settlement/internal/store/memory"
	"github.com/agoramesh-ai/settlement/internal/trust"
)

const (
	senderOwner    = "0x5e4de4"
	recipientOwner = "0x4ec1b1"
	senderDID      = "did:key:z6MkSender"
	recipientDID   = "did:key:z6MkRecipient"
)

type streamFixture struct {
	eng    *Engine
	ledger *custody.Ledger
	ms     *memory.Store
	now    time.Time
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	ms := memory.New()
	ledger := custody.NewLedger(ms.Balances())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := events.NewInMemoryPublisher(64)

	trustEng := trust.New(ms, ms.Agents(), ms.Trust(), ledger, ms.Events(), pub, trust.DefaultParams(), logger)
	eng := New(ms, ms.Streams(), ms.Agents(), ledger, ms.Events(), pub, logger)

	f := &streamFixture{
		eng:    eng,
		ledger: ledger,
		ms:     ms,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	eng.SetNowFunc(func() time.Time { return f.now })

	ctx := context.Background()
	_, err := trustEng.RegisterAgent(ctx, senderOwner, senderDID, "")
	require.NoError(t, err)
	_, err = trustEng.RegisterAgent(ctx, recipientOwner, recipientDID, "")
	require.NoError(t, err)
	require.NoError(t, ledger.DepositTx(ctx, nil, senderOwner, "credit", big.NewInt(100000)))
	return f
}

func (f *streamFixture) create(t *testing.T, deposit string, durationSecs int64, bySender, byRecipient bool) *model.Stream {
	t.Helper()
	st, err := f.eng.Create(context.Background(), senderOwner, senderDID, recipientDID,
		"credit", deposit, durationSecs, bySender, byRecipient)
	require.NoError(t, err)
	return st
}

func (f *streamFixture) balance(t *testing.T, account string) string {
	t.Helper()
	bal, err := f.ledger.BalanceOf(context.Background(), account, "credit")
	require.NoError(t, err)
	return bal.String()
}

func TestCreateValidates(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	start := f.now.Unix()

	_, err := f.eng.Create(ctx, senderOwner, senderDID, recipientDID, "credit", "0", 600, true, false)
	assert.ErrorIs(t, err, fault.NonPositiveAmount)

	_, err = f.eng.CreateWithTimestamps(ctx, senderOwner, senderDID, recipientDID, "credit", "100", start-10, start+600, true, false)
	assert.ErrorIs(t, err, fault.PastDeadline)

	_, err = f.eng.CreateWithTimestamps(ctx, senderOwner, senderDID, recipientDID, "credit", "100", start, start, true, false)
	assert.ErrorIs(t, err, fault.PastDeadline)

	_, err = f.eng.Create(ctx, senderOwner, senderDID, senderDID, "credit", "100", 600, true, false)
	assert.ErrorIs(t, err, fault.MalformedDID)

	_, err = f.eng.Create(ctx, recipientOwner, senderDID, recipientDID, "credit", "100", 600, true, false)
	assert.ErrorIs(t, err, fault.NotSender)

	_, err = f.eng.Create(ctx, senderOwner, senderDID, "did:key:z6MkGhost", "credit", "100", 600, true, false)
	assert.ErrorIs(t, err, fault.AgentNotRegistered)
}

func TestCreateCustodiesDeposit(t *testing.T) {
	f := newStreamFixture(t)
	st := f.create(t, "600", 600, true, false)

	assert.Equal(t, model.StreamActive, st.Status)
	assert.Equal(t, "99400", f.balance(t, senderOwner))
	assert.Equal(t, "600", f.balance(t, st.CustodyAccount()))
}

func TestAccrualAndWithdraw(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(100 * time.Second)
	withdrawable, err := f.eng.WithdrawableOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", withdrawable)

	_, err = f.eng.Withdraw(ctx, senderOwner, st.ID, "50")
	assert.ErrorIs(t, err, fault.NotRecipient)

	_, err = f.eng.Withdraw(ctx, recipientOwner, st.ID, "101")
	assert.ErrorIs(t, err, fault.ExceedsWithdrawable)

	paid, err := f.eng.Withdraw(ctx, recipientOwner, st.ID, "50")
	require.NoError(t, err)
	assert.Equal(t, "50", paid)
	assert.Equal(t, "50", f.balance(t, recipientOwner))

	paid, err = f.eng.WithdrawMax(ctx, recipientOwner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "50", paid)
	assert.Equal(t, "100", f.balance(t, recipientOwner))
}

func TestWithdrawAllAtEndCompletes(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(700 * time.Second)
	paid, err := f.eng.WithdrawMax(ctx, recipientOwner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "600", paid)

	got, err := f.eng.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamCompleted, got.Status)

	_, err = f.eng.WithdrawMax(ctx, recipientOwner, st.ID)
	assert.ErrorIs(t, err, fault.StreamNotActive)
}

func TestOneUnitOverOneYear(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	const year = 365 * 24 * 3600
	st := f.create(t, "1", year, true, false)

	f.now = f.now.Add((year - 1) * time.Second)
	withdrawable, err := f.eng.WithdrawableOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "0", withdrawable)

	f.now = f.now.Add(time.Second)
	paid, err := f.eng.WithdrawMax(ctx, recipientOwner, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", paid)
}

func TestPauseFreezesAccrual(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(100 * time.Second)
	assert.ErrorIs(t, f.eng.Pause(ctx, recipientOwner, st.ID), fault.NotSender)
	require.NoError(t, f.eng.Pause(ctx, senderOwner, st.ID))

	f.now = f.now.Add(100 * time.Second)
	withdrawable, err := f.eng.WithdrawableOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "100", withdrawable)

	assert.ErrorIs(t, f.eng.Pause(ctx, senderOwner, st.ID), fault.StreamNotActive)
	require.NoError(t, f.eng.Resume(ctx, senderOwner, st.ID))
	assert.ErrorIs(t, f.eng.Resume(ctx, senderOwner, st.ID), fault.StreamNotActive)

	f.now = f.now.Add(100 * time.Second)
	withdrawable, err = f.eng.WithdrawableOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "200", withdrawable)
}

func TestTopUpExtendsWithoutRetroactiveJump(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(300 * time.Second)
	before, err := f.eng.StreamedAmountOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "300", before)

	assert.ErrorIs(t, f.eng.TopUp(ctx, recipientOwner, st.ID, "300"), fault.NotSender)
	require.NoError(t, f.eng.TopUp(ctx, senderOwner, st.ID, "300"))

	after, err := f.eng.StreamedAmountOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "300", after)

	got, err := f.eng.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "900", got.DepositAmount)
	assert.Equal(t, st.EndTime+300, got.EndTime)
	assert.Equal(t, st.ScaledRate, got.ScaledRate)

	// At the original end time only the original deposit has streamed.
	f.now = f.now.Add(300 * time.Second)
	streamed, err := f.eng.StreamedAmountOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "600", streamed)

	f.now = f.now.Add(300 * time.Second)
	streamed, err = f.eng.StreamedAmountOf(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "900", streamed)
}

func TestTopUpAfterFullAccrualRejected(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(601 * time.Second)
	assert.ErrorIs(t, f.eng.TopUp(ctx, senderOwner, st.ID, "300"), fault.StreamNotActive)
}

func TestCancelSplitsFunds(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(240 * time.Second)
	require.NoError(t, f.eng.Cancel(ctx, senderOwner, st.ID))

	assert.Equal(t, "240", f.balance(t, recipientOwner))
	assert.Equal(t, "99760", f.balance(t, senderOwner))
	assert.Equal(t, "0", f.balance(t, st.CustodyAccount()))

	got, err := f.eng.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamCanceled, got.Status)

	assert.ErrorIs(t, f.eng.Cancel(ctx, senderOwner, st.ID), fault.StreamNotActive)
}

func TestCancelHonorsFlags(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, false, true)

	assert.ErrorIs(t, f.eng.Cancel(ctx, senderOwner, st.ID), fault.NotCancelable)
	assert.ErrorIs(t, f.eng.Cancel(ctx, "0xstranger", st.ID), fault.NotParty)
	require.NoError(t, f.eng.Cancel(ctx, recipientOwner, st.ID))
}

func TestCancelAccountsPriorWithdrawals(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(200 * time.Second)
	_, err := f.eng.Withdraw(ctx, recipientOwner, st.ID, "150")
	require.NoError(t, err)

	f.now = f.now.Add(100 * time.Second)
	require.NoError(t, f.eng.Cancel(ctx, senderOwner, st.ID))

	// 300 streamed in total, 150 already withdrawn.
	assert.Equal(t, "300", f.balance(t, recipientOwner))
	assert.Equal(t, "99700", f.balance(t, senderOwner))
}

func TestDisputeFreezesAndForceSettles(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(200 * time.Second)
	require.NoError(t, f.ms.RunTx(ctx, func(tx *sql.Tx) error {
		_, err := f.eng.MarkDisputedTx(ctx, tx, st.ID, "did:key:z6MkGhost")
		assert.ErrorIs(t, err, fault.NotParty)

		frozen, err := f.eng.MarkDisputedTx(ctx, tx, st.ID, senderDID)
		require.NoError(t, err)
		assert.Equal(t, model.StreamDisputed, frozen.Status)
		return nil
	}))

	// Accrual stopped at the dispute; the extra 100s must not count.
	f.now = f.now.Add(100 * time.Second)
	require.NoError(t, f.ms.RunTx(ctx, func(tx *sql.Tx) error {
		err := f.eng.ForceSettleTx(ctx, tx, model.RoleTreasury, st.ID, model.OutcomeForClient)
		assert.ErrorIs(t, err, fault.NotArbiter)
		return f.eng.ForceSettleTx(ctx, tx, model.RoleArbiter, st.ID, model.OutcomeForClient)
	}))

	assert.Equal(t, "200", f.balance(t, recipientOwner))
	assert.Equal(t, "99800", f.balance(t, senderOwner))
}

func TestForceSettleForProviderReleasesRemainder(t *testing.T) {
	f := newStreamFixture(t)
	ctx := context.Background()
	st := f.create(t, "600", 600, true, false)

	f.now = f.now.Add(200 * time.Second)
	require.NoError(t, f.ms.RunTx(ctx, func(tx *sql.Tx) error {
		_, err := f.eng.MarkDisputedTx(ctx, tx, st.ID, recipientDID)
		return err
	}))
	require.NoError(t, f.ms.RunTx(ctx, func(tx *sql.Tx) error {
		return f.eng.ForceSettleTx(ctx, tx, model.RoleArbiter, st.ID, model.OutcomeForProvider)
	}))

	assert.Equal(t, "600", f.balance(t, recipientOwner))
	got, err := f.eng.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamCompleted, got.Status)
}

func TestGetUnknownStream(t *testing.T) {
	f := newStreamFixture(t)
	_, err := f.eng.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, fault.StreamNotFound)
}
