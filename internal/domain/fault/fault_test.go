package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchingThroughWrap(t *testing.T) {
	wrapped := fmt.Errorf("withdraw 5 from stake:did:key:a: %w", InsufficientBalance)
	assert.ErrorIs(t, wrapped, InsufficientBalance)
	assert.NotErrorIs(t, wrapped, InsufficientStake)

	double := fmt.Errorf("outer: %w", wrapped)
	assert.ErrorIs(t, double, InsufficientBalance)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Validation, KindOf(MalformedDID))
	assert.Equal(t, State, KindOf(InvalidTransition))
	assert.Equal(t, Authorization, KindOf(NotClient))
	assert.Equal(t, Temporal, KindOf(CooldownActive))
	assert.Equal(t, Resource, KindOf(InsufficientStake))

	assert.Equal(t, Resource, KindOf(fmt.Errorf("wrapped: %w", InsufficientBalance)))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(PastDeadline, Validation))
	assert.False(t, IsKind(PastDeadline, Temporal))
	assert.False(t, IsKind(errors.New("plain"), Validation))
}

func TestErrorRendersCode(t *testing.T) {
	assert.Contains(t, NotJuror.Error(), "not_juror")
	assert.Contains(t, NotJuror.Error(), "authorization")
}

func TestDistinctCodesDoNotMatch(t *testing.T) {
	assert.NotErrorIs(t, VotingClosed, VotingOpen)
	assert.NotErrorIs(t, AppealWindowOpen, AppealWindowOver)
	assert.NotErrorIs(t, DisputeResolved, DisputeUnresolved)
}
