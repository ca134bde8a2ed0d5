package model

// Role is a privileged caller capability. Privileged operations check an
// explicit role-to-operation permission set, not the identity of a component.
type Role string

const (
	// RoleSettlementOracle is the off-chain settlement reporter: the only
	// caller allowed to record completed transactions, and allowed to slash.
	RoleSettlementOracle Role = "settlement_oracle"
	// RoleArbiter is held by the dispute engine: forced escrow/stream
	// settlement, slashing, reputation adjustment.
	RoleArbiter Role = "arbiter"
	// RoleTreasury may mint custody deposits (external on-ramp).
	RoleTreasury Role = "treasury"
)

// Op is a privileged operation name.
type Op string

const (
	OpRecordTransaction Op = "record_transaction"
	OpSlash             Op = "slash"
	OpDisputeOutcome    Op = "dispute_outcome"
	OpForceSettle       Op = "force_settle"
	OpCustodyDeposit    Op = "custody_deposit"
)

var rolePermissions = map[Role]map[Op]bool{
	RoleSettlementOracle: {
		OpRecordTransaction: true,
		OpSlash:             true,
	},
	RoleArbiter: {
		OpSlash:          true,
		OpDisputeOutcome: true,
		OpForceSettle:    true,
	},
	RoleTreasury: {
		OpCustodyDeposit: true,
	},
}

// Allowed reports whether the role may perform op.
func (r Role) Allowed(op Op) bool {
	return rolePermissions[r][op]
}
