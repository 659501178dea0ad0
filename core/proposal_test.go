package core

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	proposalTarget = common.HexToAddress("0x3300000000000000000000000000000000000001")
)

func proposalArgs() ([]common.Address, []uint64, [][]byte, string) {
	return []common.Address{proposalTarget},
		[]uint64{0},
		[][]byte{{0x01, 0x02}},
		"raise the quorum"
}

// seedProposer gives senatorA enough power to clear the threshold.
func seedProposer(t *testing.T, f *fixture) *Member {
	t.Helper()
	m := f.admit(t, memberA, LedgerIntegrated)
	f.mint(t, memberA, senatorA, 50)
	f.clock.height = 20
	return m
}

func TestHashProposalDeterministic(t *testing.T) {
	targets, values, calldatas, description := proposalArgs()
	descHash := crypto.Keccak256Hash([]byte(description))

	id1 := HashProposal(targets, values, calldatas, descHash)
	id2 := HashProposal(targets, values, calldatas, descHash)
	assert.Equal(t, id1, id2)

	id3 := HashProposal(targets, values, calldatas, crypto.Keccak256Hash([]byte("other")))
	assert.NotEqual(t, id1, id3)
}

func TestProposeSetsVotingWindow(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	assert.Equal(t, uint64(20), p.Snapshot)
	assert.Equal(t, uint64(25), p.VoteStart)
	assert.Equal(t, uint64(75), p.VoteEnd)
	assert.Equal(t, Pending, f.eng.State(p.ID))
}

func TestProposeBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.admit(t, memberA, LedgerIntegrated)
	f.mint(t, memberA, senatorA, 5)
	f.clock.height = 20

	targets, values, calldatas, description := proposalArgs()
	_, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	assert.ErrorIs(t, err, ErrThresholdNotMet)
}

func TestProposeDuplicateContentRejected(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	_, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	_, err = f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	assert.ErrorIs(t, err, ErrProposalExists)
}

func TestCastVoteLifecycle(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)
	f.mint(t, memberA, senatorB, 30)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	// pending: voting rejected
	err = f.eng.CastVote(testCtx(), senatorB, p.ID, For)
	assert.ErrorIs(t, err, ErrProposalNotActive)

	f.clock.height = 30
	require.Nil(t, f.eng.CastVote(testCtx(), senatorB, p.ID, For))
	assert.Equal(t, uint64(30), p.ForVotes)
	assert.True(t, f.eng.HasVoted(p.ID, senatorB))

	// double vote rejected
	err = f.eng.CastVote(testCtx(), senatorB, p.ID, Against)
	assert.ErrorIs(t, err, ErrAlreadyVoted)

	// unknown support value rejected
	err = f.eng.CastVote(testCtx(), senatorA, p.ID, VoteSupport(9))
	assert.ErrorIs(t, err, ErrInvalidVoteSupport)
}

func TestProposalSucceedsWithQuorum(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	f.clock.height = 30
	// supply at snapshot is 50, quorum numerator 50 -> 25 needed
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))

	f.clock.height = p.VoteEnd + 1
	assert.Equal(t, Succeeded, f.eng.State(p.ID))
}

func TestProposalDefeatedWithoutQuorum(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)
	f.mint(t, memberA, senatorB, 10)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	f.clock.height = 30
	// 10 of 60 supply participates, quorum needs 30
	require.Nil(t, f.eng.CastVote(testCtx(), senatorB, p.ID, For))

	f.clock.height = p.VoteEnd + 1
	assert.Equal(t, Defeated, f.eng.State(p.ID))
}

func TestProposalDefeatedByAgainstMajority(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)
	f.mint(t, memberA, senatorB, 10)
	f.mint(t, memberA, senatorC, 60)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	// supply 120, quorum needs 60; for + abstain = 60 reaches it, but
	// against outweighs for
	f.clock.height = 30
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))     // 50
	require.Nil(t, f.eng.CastVote(testCtx(), senatorB, p.ID, Abstain)) // 10
	require.Nil(t, f.eng.CastVote(testCtx(), senatorC, p.ID, Against)) // 60

	f.clock.height = p.VoteEnd + 1
	assert.Equal(t, Defeated, f.eng.State(p.ID))
}

func TestLateQuorumExtension(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	// quorum-causing vote lands just before the deadline
	castHeight := p.VoteEnd - 1
	f.clock.height = castHeight
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))

	assert.True(t, p.Extended)
	assert.Equal(t, castHeight+10, p.VoteEnd)

	// the window is still open past the original deadline
	f.clock.height = castHeight + 5
	assert.Equal(t, Active, f.eng.State(p.ID))

	f.clock.height = p.VoteEnd + 1
	assert.Equal(t, Succeeded, f.eng.State(p.ID))
}

func TestExecuteGatedOnSnapshotValidity(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	f.clock.height = 30
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))
	f.clock.height = p.VoteEnd + 1
	require.Equal(t, Succeeded, f.eng.State(p.ID))

	// the snapshotted member is banned after the proposal succeeded
	require.Nil(t, f.lc.BanMember(memberA))

	descHash := crypto.Keccak256Hash([]byte(description))
	err = f.eng.Execute(testCtx(), targets, values, calldatas, descHash)
	assert.ErrorIs(t, err, ErrProposalNotSuccessful)
	assert.False(t, p.Executed)
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	f.clock.height = 30
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))
	f.clock.height = p.VoteEnd + 1

	descHash := crypto.Keccak256Hash([]byte(description))
	require.Nil(t, f.eng.Execute(testCtx(), targets, values, calldatas, descHash))
	assert.Equal(t, Executed, f.eng.State(p.ID))

	// executed is sticky
	err = f.eng.Execute(testCtx(), targets, values, calldatas, descHash)
	assert.ErrorIs(t, err, ErrProposalAlreadyExecuted)
}

func TestExecuteTamperedArgumentsNotFound(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	_, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	descHash := crypto.Keccak256Hash([]byte(description))
	tampered := [][]byte{{0xde, 0xad}}
	err = f.eng.Execute(testCtx(), targets, values, tampered, descHash)
	assert.ErrorIs(t, err, ErrProposalNotFound)
}

func TestCancelFromTerminalStateFails(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	require.Nil(t, f.eng.Cancel(p.ID))
	assert.Equal(t, Canceled, f.eng.State(p.ID))
	assert.ErrorIs(t, f.eng.Cancel(p.ID), ErrProposalTerminal)

	// canceled proposals never activate
	f.clock.height = 30
	assert.ErrorIs(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For), ErrProposalNotActive)
}

func TestQuorumNumeratorCheckpointed(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	// raising the numerator later does not affect this proposal's quorum
	f.clock.height = 22
	require.Nil(t, f.eng.UpdateQuorumNumerator(90))

	f.clock.height = 30
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))
	f.clock.height = p.VoteEnd + 1
	assert.Equal(t, Succeeded, f.eng.State(p.ID))

	assert.Error(t, f.eng.UpdateQuorumNumerator(101))
}

func TestGovernanceSnapshotAggregateRead(t *testing.T) {
	f := newFixture(t)
	m := seedProposer(t, f)

	snap, err := f.eng.Snapshot(testCtx(), senatorA)
	require.Nil(t, err)

	assert.Equal(t, uint64(10), snap.ProposalThreshold)
	assert.Equal(t, uint64(5), snap.VotingDelay)
	assert.Equal(t, uint64(50), snap.VotingPeriod)
	assert.Equal(t, []uint64{m.ID}, snap.Representation)
	assert.Equal(t, uint64(50), snap.CurrentPower)
	assert.True(t, snap.SenatorValid)
	assert.True(t, snap.MembersValid)

	// quarantine burns the power behind the snapshot
	require.Nil(t, f.lc.QuarantineMember(memberA))
	snap, err = f.eng.Snapshot(testCtx(), senatorA)
	require.Nil(t, err)
	assert.Empty(t, snap.Representation)
	assert.Equal(t, uint64(0), snap.CurrentPower)
	assert.False(t, snap.SenatorValid)
}

func TestProposalSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	f.clock.height = 30
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))

	st := f.eng.snapshot()

	restored := NewProposalEngine(f.eng.logger, f.reg, f.acct, f.clock, ProposalParams{
		VotingDelay:         5,
		VotingPeriod:        50,
		ProposalThreshold:   10,
		QuorumNumerator:     50,
		LateQuorumExtension: 10,
	}, f.eng.executor)
	restored.restore(st)

	got, ok := restored.Proposal(p.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(50), got.ForVotes)
	assert.True(t, restored.HasVoted(p.ID, senatorA))
}

// failingSupplyClient fails every legacy supply read.
type failingSupplyClient struct {
	*MockClient
}

func (c *failingSupplyClient) PastTotalSupply(ctx context.Context, source common.Address, height uint64) (uint64, error) {
	return 0, errors.New("legacy source unreachable")
}

func TestCastVoteRejectedCleanlyOnQuorumReadFailure(t *testing.T) {
	f := newFixture(t)
	seedProposer(t, f)
	f.admit(t, memberB, Legacy)

	targets, values, calldatas, description := proposalArgs()
	p, err := f.eng.Propose(testCtx(), senatorA, targets, values, calldatas, description)
	require.Nil(t, err)

	f.clock.height = 30
	f.acct.client = &failingSupplyClient{f.client}

	// the quorum read fails before the ballot lands: no tally, no receipt
	err = f.eng.CastVote(testCtx(), senatorA, p.ID, For)
	require.NotNil(t, err)
	assert.Equal(t, uint64(0), p.ForVotes)
	assert.False(t, f.eng.HasVoted(p.ID, senatorA))

	// once the source answers again the same ballot goes through
	f.acct.client = f.client
	require.Nil(t, f.eng.CastVote(testCtx(), senatorA, p.ID, For))
	assert.Equal(t, uint64(50), p.ForVotes)
	assert.True(t, f.eng.HasVoted(p.ID, senatorA))
}

func TestStateOfUnknownProposal(t *testing.T) {
	f := newFixture(t)

	// an id the engine has never seen reads as Pending
	assert.Equal(t, Pending, f.eng.State(common.HexToHash("0x01")))
}
