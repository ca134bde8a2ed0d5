package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDisputeOutcomeOpposite(t *testing.T) {
	assert.Equal(t, OutcomeForProvider, OutcomeForClient.Opposite())
	assert.Equal(t, OutcomeForClient, OutcomeForProvider.Opposite())
}

func TestVoteCast(t *testing.T) {
	v := &Vote{Choice: OutcomePending}
	assert.False(t, v.Cast())
	v.Choice = OutcomeForClient
	assert.True(t, v.Cast())
}

func TestDisputeAccounts(t *testing.T) {
	id := uuid.New()
	ref := uuid.New()
	d := &Dispute{ID: id, RefKind: RefEscrow, RefID: ref}
	assert.Equal(t, "disputefee:"+id.String(), d.FeeAccount())
	assert.Equal(t, "escrow:"+ref.String(), d.RefCustodyAccount())

	d.RefKind = RefStream
	assert.Equal(t, "stream:"+ref.String(), d.RefCustodyAccount())
}

func TestDisputeIsParty(t *testing.T) {
	d := &Dispute{ClientDID: "did:key:client", ProviderDID: "did:key:provider"}
	assert.True(t, d.IsParty("did:key:client"))
	assert.True(t, d.IsParty("did:key:provider"))
	assert.False(t, d.IsParty("did:key:other"))
}

func TestRolePermissions(t *testing.T) {
	assert.True(t, RoleSettlementOracle.Allowed(OpRecordTransaction))
	assert.True(t, RoleSettlementOracle.Allowed(OpSlash))
	assert.False(t, RoleSettlementOracle.Allowed(OpForceSettle))

	assert.True(t, RoleArbiter.Allowed(OpSlash))
	assert.True(t, RoleArbiter.Allowed(OpDisputeOutcome))
	assert.True(t, RoleArbiter.Allowed(OpForceSettle))
	assert.False(t, RoleArbiter.Allowed(OpRecordTransaction))
	assert.False(t, RoleArbiter.Allowed(OpCustodyDeposit))

	assert.True(t, RoleTreasury.Allowed(OpCustodyDeposit))
	assert.False(t, RoleTreasury.Allowed(OpSlash))

	assert.False(t, Role("nobody").Allowed(OpSlash))
}
