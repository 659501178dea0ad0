package core

// Capability is the interface class a member source declared at admission.
type Capability uint8

const (
	// LedgerIntegrated sources push balance-change notifications and their
	// aggregate power is tracked in local checkpoints.
	LedgerIntegrated Capability = iota

	// Legacy sources are queried live for historical power and are never
	// mirrored into local checkpoints.
	Legacy

	// NoCapability is reported by sources implementing neither interface.
	NoCapability
)

func (c Capability) String() string {
	switch c {
	case LedgerIntegrated:
		return "ledger-integrated"
	case Legacy:
		return "legacy"
	default:
		return "none"
	}
}

type MemberStatus uint8

const (
	NotMember MemberStatus = iota
	MemberActive
	MemberQuarantined
	MemberBanned
)

func (s MemberStatus) String() string {
	switch s {
	case MemberActive:
		return "active"
	case MemberQuarantined:
		return "quarantined"
	case MemberBanned:
		return "banned"
	default:
		return "not-member"
	}
}

type SenatorStatus uint8

const (
	NotSenator SenatorStatus = iota
	SenatorActive
	SenatorQuarantined
	SenatorBanned
)

func (s SenatorStatus) String() string {
	switch s {
	case SenatorActive:
		return "active"
	case SenatorQuarantined:
		return "quarantined"
	case SenatorBanned:
		return "banned"
	default:
		return "not-senator"
	}
}

// VoteSupport is the ballot option attached to a cast vote.
type VoteSupport uint8

const (
	Against VoteSupport = iota
	For
	Abstain
)

type ProposalState uint8

const (
	Pending ProposalState = iota
	Active
	Canceled
	Defeated
	Succeeded
	Executed
)

func (s ProposalState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Canceled:
		return "canceled"
	case Defeated:
		return "defeated"
	case Succeeded:
		return "succeeded"
	case Executed:
		return "executed"
	default:
		return "unknown"
	}
}
