// Package fault defines the structured rejection errors shared by all
// settlement engines. Every engine operation is all-or-nothing: a returned
// fault means no state was mutated.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection by what the caller can do about it.
type Kind string

const (
	// Validation rejects malformed input before any state is read.
	Validation Kind = "validation"
	// State rejects an operation invalid for the record's current lifecycle state.
	State Kind = "state"
	// Authorization rejects a caller that is not the recorded client/provider/owner/arbiter.
	Authorization Kind = "authorization"
	// Temporal rejects an operation whose time guard has not elapsed (or has passed);
	// retryable later.
	Temporal Kind = "temporal"
	// Resource rejects an operation exceeding an available balance or stake;
	// retryable after funding.
	Resource Kind = "resource"
)

// Fault is a structured rejection naming the violated invariant.
type Fault struct {
	Kind Kind
	Code string
	msg  string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (%s/%s)", f.msg, f.Kind, f.Code)
}

// Is makes sentinel faults match through fmt.Errorf("%w", ...) chains by Code.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Code == t.Code
}

// New creates a fault sentinel.
func New(kind Kind, code, msg string) *Fault {
	return &Fault{Kind: kind, Code: code, msg: msg}
}

// KindOf returns the Kind of err if it is (or wraps) a Fault, or "" otherwise.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Registry faults.
var (
	AgentNotRegistered = New(State, "agent_not_registered", "agent is not registered")
	AgentInactive      = New(State, "agent_inactive", "agent is deactivated")
	AgentExists        = New(State, "agent_exists", "owner already has a registered agent")
	NotAgentOwner      = New(Authorization, "not_agent_owner", "caller is not the agent owner")
	InsufficientStake  = New(Resource, "insufficient_stake", "requested amount exceeds staked balance")
	CooldownActive     = New(Temporal, "cooldown_active", "stake withdrawal cooldown has not elapsed")
	NoPendingWithdraw  = New(State, "no_pending_withdraw", "no stake withdrawal was requested")
	SelfEndorsement    = New(Validation, "self_endorsement", "an agent cannot endorse itself")
	EndorsementMissing = New(State, "endorsement_missing", "no active endorsement from endorser to endorsee")
)

// Custody faults.
var (
	InsufficientBalance = New(Resource, "insufficient_balance", "account balance is below the requested amount")
	NotTreasury         = New(Authorization, "not_treasury", "caller does not hold the treasury role")
)

// Shared validation faults.
var (
	NonPositiveAmount = New(Validation, "non_positive_amount", "amount must be a positive integer")
	MalformedAmount   = New(Validation, "malformed_amount", "amount is not a base-10 integer string")
	MalformedDID      = New(Validation, "malformed_did", "identifier is not a valid DID")
	MalformedHash     = New(Validation, "malformed_hash", "hash must be a non-empty string")
	PastDeadline      = New(Validation, "past_deadline", "deadline must be in the future")
)

// Escrow faults.
var (
	EscrowNotFound     = New(Validation, "escrow_not_found", "escrow does not exist")
	InvalidTransition  = New(State, "invalid_transition", "operation is not valid for the escrow's current state")
	NotClient          = New(Authorization, "not_client", "caller is not the escrow client")
	NotProvider        = New(Authorization, "not_provider", "caller is not the escrow provider")
	NotParty           = New(Authorization, "not_party", "caller is neither client nor provider")
	DeadlineNotReached = New(Temporal, "deadline_not_reached", "escrow deadline has not passed")
)

// Stream faults.
var (
	StreamNotFound      = New(Validation, "stream_not_found", "stream does not exist")
	StreamNotActive     = New(State, "stream_not_active", "stream is not accepting this operation")
	NotSender           = New(Authorization, "not_sender", "caller is not the stream sender")
	NotRecipient        = New(Authorization, "not_recipient", "caller is not the stream recipient")
	NotCancelable       = New(Authorization, "not_cancelable", "caller's cancelability flag is not set")
	ExceedsWithdrawable = New(Resource, "exceeds_withdrawable", "requested amount exceeds the withdrawable balance")
)

// Dispute faults.
var (
	DisputeNotFound   = New(Validation, "dispute_not_found", "dispute does not exist")
	DisputeResolved   = New(State, "dispute_resolved", "dispute round has already been resolved")
	DisputeUnresolved = New(State, "dispute_unresolved", "dispute round has not been resolved yet")
	VotingClosed      = New(Temporal, "voting_closed", "the voting window has closed")
	VotingOpen        = New(Temporal, "voting_open", "the voting window is still open")
	NotJuror          = New(Authorization, "not_juror", "caller is not on the dispute's juror panel")
	InvalidChoice     = New(Validation, "invalid_choice", "a ballot must choose one of the two parties")
	AlreadyVoted      = New(State, "already_voted", "juror has already cast a vote this round")
	AppealExhausted   = New(State, "appeal_exhausted", "the final appeal round has been reached")
	AppealWindowOpen  = New(Temporal, "appeal_window_open", "the appeal window has not elapsed")
	AppealWindowOver  = New(Temporal, "appeal_window_over", "the appeal window has elapsed")
	DisputeFinal      = New(State, "dispute_final", "dispute is final and settled")
	DisputeExists     = New(State, "dispute_exists", "an open dispute already adjudicates this record")
	NoEligibleJurors  = New(Resource, "no_eligible_jurors", "not enough eligible jurors for the panel")
	NotArbiter        = New(Authorization, "not_arbiter", "caller does not hold the arbiter role")
	NotOracle         = New(Authorization, "not_oracle", "caller does not hold the settlement oracle role")
)
