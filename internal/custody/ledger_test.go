package custody

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/settlement/internal/domain/fault"
	"github.com/agoramesh-ai/settlement/internal/store/memory"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	ms := memory.New()
	return NewLedger(ms.Balances()), ms
}

func mustBalance(t *testing.T, l *Ledger, account, token string) *big.Int {
	t.Helper()
	bal, err := l.BalanceOf(context.Background(), account, token)
	require.NoError(t, err)
	return bal
}

func TestDepositMintsSupply(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(500)))

	assert.Equal(t, "500", mustBalance(t, l, "0xabc", "credit").String())

	checks, err := l.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].IsMatch)
	assert.Equal(t, "500", checks[0].Supply)
}

func TestDepositRejectsNonPositive(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	assert.ErrorIs(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(0)), fault.NonPositiveAmount)
	assert.ErrorIs(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(-5)), fault.NonPositiveAmount)
	assert.ErrorIs(t, l.DepositTx(ctx, nil, "0xabc", "credit", nil), fault.NonPositiveAmount)
}

func TestTransferIsZeroSum(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(1000)))

	require.NoError(t, l.TransferTx(ctx, nil, "0xabc", "escrow:e1", "credit", big.NewInt(400)))

	assert.Equal(t, "600", mustBalance(t, l, "0xabc", "credit").String())
	assert.Equal(t, "400", mustBalance(t, l, "escrow:e1", "credit").String())

	checks, err := l.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, checks[0].IsMatch)
}

func TestTransferRejectsOverdraft(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(100)))

	err := l.TransferTx(ctx, nil, "0xabc", "0xdef", "credit", big.NewInt(101))
	assert.ErrorIs(t, err, fault.InsufficientBalance)
	assert.Equal(t, "100", mustBalance(t, l, "0xabc", "credit").String())
}

func TestTransferZeroIsNoop(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.TransferTx(ctx, nil, "0xabc", "0xdef", "credit", big.NewInt(0)))
	assert.ErrorIs(t, l.TransferTx(ctx, nil, "0xabc", "0xdef", "credit", big.NewInt(-1)), fault.NonPositiveAmount)
}

func TestWithdrawBurnsSupply(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(1000)))

	require.NoError(t, l.WithdrawTx(ctx, nil, "0xabc", "credit", big.NewInt(300)))

	assert.Equal(t, "700", mustBalance(t, l, "0xabc", "credit").String())

	checks, err := l.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.True(t, checks[0].IsMatch)
	assert.Equal(t, "700", checks[0].Supply)
}

func TestWithdrawRejectsOverdraft(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(100)))

	err := l.WithdrawTx(ctx, nil, "0xabc", "credit", big.NewInt(200))
	assert.ErrorIs(t, err, fault.InsufficientBalance)
}

func TestReconcileDetectsMismatch(t *testing.T) {
	ms := memory.New()
	l := NewLedger(ms.Balances())
	ctx := context.Background()
	require.NoError(t, l.DepositTx(ctx, nil, "0xabc", "credit", big.NewInt(100)))

	// Credit an account without touching supply.
	require.NoError(t, ms.Balances().AdjustTx(ctx, nil, "0xdef", "credit", "7"))

	checks, err := l.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].IsMatch)
	assert.Equal(t, "-7", checks[0].Difference)
}

func TestStakeAccount(t *testing.T) {
	assert.Equal(t, "stake:did:key:z6Mk", StakeAccount("did:key:z6Mk"))
}
