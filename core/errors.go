package core

import "github.com/pkg/errors"

// Authorization errors.
var (
	ErrNotAuthorized = errors.New("caller lacks the required role")
)

// Membership errors.
var (
	ErrInvalidMemberImplementation = errors.New("source declares neither recognized capability")
	ErrUnknownMember               = errors.New("unknown member")
)

// Illegal state transitions.
var (
	ErrAlreadyBanned        = errors.New("already banned")
	ErrAlreadyQuarantined   = errors.New("already quarantined")
	ErrNotQuarantined       = errors.New("not quarantined")
	ErrQuarantineNotExpired = errors.New("quarantine not yet expired")

	ErrProposalExists          = errors.New("proposal with identical content already exists")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrProposalNotActive       = errors.New("proposal voting is not active")
	ErrProposalNotSuccessful   = errors.New("proposal has not succeeded")
	ErrProposalAlreadyExecuted = errors.New("proposal already executed")
	ErrProposalTerminal        = errors.New("proposal is in a terminal state")
	ErrAlreadyVoted            = errors.New("vote already cast")
	ErrInvalidVoteSupport      = errors.New("unknown vote support value")

	ErrReentrantCall = errors.New("reentrant call")
)

// Threshold and checkpoint errors.
var (
	ErrThresholdNotMet  = errors.New("proposer power below proposal threshold")
	ErrFutureLookup     = errors.New("lookup height is not yet finalized")
	ErrHeightRegression = errors.New("checkpoint height lower than last recorded")
	ErrValueUnderflow   = errors.New("checkpoint decrement below zero")
)
