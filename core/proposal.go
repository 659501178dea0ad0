package core

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// quorumDenominator is fixed; only the numerator is checkpointed.
const quorumDenominator = 100

// Executor runs an executed proposal's call sequence. Supplied by the host;
// the engine only gates whether the calls may run.
type Executor interface {
	Execute(ctx context.Context, targets []common.Address, values []uint64, calldatas [][]byte) error
}

// LogExecutor records executed call sequences without performing them.
type LogExecutor struct {
	Logger *logrus.Logger
}

func (e *LogExecutor) Execute(ctx context.Context, targets []common.Address, values []uint64, calldatas [][]byte) error {
	for i, target := range targets {
		e.Logger.WithFields(logrus.Fields{
			"target":   target.Hex(),
			"value":    values[i],
			"calldata": len(calldatas[i]),
		}).Info("proposal call executed")
	}
	return nil
}

// Proposal is a content-addressed governance action with a bounded voting
// window.
type Proposal struct {
	ID              common.Hash      `json:"id"`
	Proposer        common.Address   `json:"proposer"`
	Targets         []common.Address `json:"targets"`
	Values          []uint64         `json:"values"`
	Calldatas       [][]byte         `json:"calldatas"`
	Description     string           `json:"description"`
	DescriptionHash common.Hash      `json:"description_hash"`

	// Representation is the proposer's ledger-integrated representation at
	// creation time, in compact serialized form. Execution revalidates
	// every member in it.
	Representation []byte `json:"representation"`

	Snapshot  uint64 `json:"snapshot"`
	VoteStart uint64 `json:"vote_start"`
	VoteEnd   uint64 `json:"vote_end"`
	Extended  bool   `json:"extended"`

	Executed bool `json:"executed"`
	Canceled bool `json:"canceled"`

	AgainstVotes uint64 `json:"against_votes"`
	ForVotes     uint64 `json:"for_votes"`
	AbstainVotes uint64 `json:"abstain_votes"`

	Voted map[common.Address]bool `json:"voted"`
}

// HashProposal computes the deterministic proposal id from content, so
// duplicate content is rejected and execution arguments double as a tamper
// check.
func HashProposal(targets []common.Address, values []uint64, calldatas [][]byte, descriptionHash common.Hash) common.Hash {
	var buf []byte
	for _, t := range targets {
		buf = append(buf, t.Bytes()...)
	}
	for _, v := range values {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	for _, c := range calldatas {
		buf = append(buf, crypto.Keccak256(c)...)
	}
	buf = append(buf, descriptionHash.Bytes()...)
	return crypto.Keccak256Hash(buf)
}

// ProposalEngine implements the governance state machine.
type ProposalEngine struct {
	logger  *logrus.Logger
	reg     *Registry
	acct    *Accounting
	heights heightSource

	votingDelay         uint64
	votingPeriod        uint64
	proposalThreshold   uint64
	lateQuorumExtension uint64

	// quorumNumerator is checkpointed so quorum for past snapshots is
	// unaffected by parameter changes.
	quorumNumerator *History

	proposals map[common.Hash]*Proposal
	order     []common.Hash

	executor Executor
}

type ProposalParams struct {
	VotingDelay         uint64
	VotingPeriod        uint64
	ProposalThreshold   uint64
	QuorumNumerator     uint64
	LateQuorumExtension uint64
}

func NewProposalEngine(logger *logrus.Logger, reg *Registry, acct *Accounting, heights heightSource, params ProposalParams, executor Executor) *ProposalEngine {
	e := &ProposalEngine{
		logger:              logger,
		reg:                 reg,
		acct:                acct,
		heights:             heights,
		votingDelay:         params.VotingDelay,
		votingPeriod:        params.VotingPeriod,
		proposalThreshold:   params.ProposalThreshold,
		lateQuorumExtension: params.LateQuorumExtension,
		quorumNumerator:     &History{},
		proposals:           make(map[common.Hash]*Proposal),
		executor:            executor,
	}
	// Seed the numerator series at the genesis height so quorum is defined
	// for every finalized height.
	_ = e.quorumNumerator.Push(0, params.QuorumNumerator)
	return e
}

// Propose creates a proposal. Identical content is rejected, not
// overwritten.
func (e *ProposalEngine) Propose(ctx context.Context, proposer common.Address, targets []common.Address, values []uint64, calldatas [][]byte, description string) (*Proposal, error) {
	if len(targets) != len(values) || len(targets) != len(calldatas) || len(targets) == 0 {
		return nil, errors.New("mismatched or empty proposal arguments")
	}

	power, err := e.acct.GetCurrentVotes(ctx, proposer)
	if err != nil {
		return nil, err
	}
	if power < e.proposalThreshold {
		return nil, errors.Wrapf(ErrThresholdNotMet, "proposer %s has %d, threshold %d", proposer, power, e.proposalThreshold)
	}

	descriptionHash := crypto.Keccak256Hash([]byte(description))
	id := HashProposal(targets, values, calldatas, descriptionHash)
	if _, ok := e.proposals[id]; ok {
		return nil, errors.Wrapf(ErrProposalExists, "id %s", id)
	}

	snapshot, err := e.acct.RepresentationSnapshot(proposer)
	if err != nil {
		return nil, err
	}

	now := e.heights.CurrentHeight()
	p := &Proposal{
		ID:              id,
		Proposer:        proposer,
		Targets:         targets,
		Values:          values,
		Calldatas:       calldatas,
		Description:     description,
		DescriptionHash: descriptionHash,
		Representation:  snapshot,
		Snapshot:        now,
		VoteStart:       now + e.votingDelay,
		Voted:           make(map[common.Address]bool),
	}
	p.VoteEnd = p.VoteStart + e.votingPeriod

	e.proposals[id] = p
	e.order = append(e.order, id)

	e.logger.WithFields(logrus.Fields{
		"id":         id.Hex(),
		"proposer":   proposer.Hex(),
		"vote_start": p.VoteStart,
		"vote_end":   p.VoteEnd,
	}).Info("proposal created")

	return p, nil
}

// CastVote tallies a vote weighted by the voter's power at the proposal's
// snapshot height.
func (e *ProposalEngine) CastVote(ctx context.Context, voter common.Address, id common.Hash, support VoteSupport) error {
	return e.CastVoteWithReason(ctx, voter, id, support, "")
}

func (e *ProposalEngine) CastVoteWithReason(ctx context.Context, voter common.Address, id common.Hash, support VoteSupport, reason string) error {
	p, ok := e.proposals[id]
	if !ok {
		return errors.Wrapf(ErrProposalNotFound, "id %s", id)
	}

	weight, err := e.acct.GetVotes(ctx, voter, p.Snapshot)
	if err != nil {
		return err
	}
	return e.castVote(ctx, p, voter, support, weight, reason)
}

// CastVoteWithWeight tallies a vote whose weight was resolved by an
// authorized external source.
func (e *ProposalEngine) CastVoteWithWeight(ctx context.Context, voter common.Address, id common.Hash, support VoteSupport, weight uint64) error {
	p, ok := e.proposals[id]
	if !ok {
		return errors.Wrapf(ErrProposalNotFound, "id %s", id)
	}
	return e.castVote(ctx, p, voter, support, weight, "")
}

func (e *ProposalEngine) castVote(ctx context.Context, p *Proposal, voter common.Address, support VoteSupport, weight uint64, reason string) error {
	if e.State(p.ID) != Active {
		return errors.Wrapf(ErrProposalNotActive, "id %s is %s", p.ID, e.State(p.ID))
	}
	if p.Voted[voter] {
		return errors.Wrapf(ErrAlreadyVoted, "voter %s on %s", voter, p.ID)
	}

	var tally *uint64
	switch support {
	case Against:
		tally = &p.AgainstVotes
	case For:
		tally = &p.ForVotes
	case Abstain:
		tally = &p.AbstainVotes
	default:
		return errors.Wrapf(ErrInvalidVoteSupport, "value %d", support)
	}

	// Resolve the fallible quorum inputs before touching the tally, so a
	// failed read rejects the vote with no partial effect.
	checkExtension := e.lateQuorumExtension > 0 && !p.Extended
	var quorum uint64
	if checkExtension {
		needed, err := e.quorumAt(ctx, p)
		if err != nil {
			return err
		}
		quorum = needed
	}

	*tally += weight
	p.Voted[voter] = true

	fields := logrus.Fields{
		"id":      p.ID.Hex(),
		"voter":   voter.Hex(),
		"support": support,
		"weight":  weight,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	e.logger.WithFields(fields).Info("vote cast")

	// Late-quorum extension: guarantee a minimum voting period after
	// quorum is reached.
	if checkExtension {
		now := e.heights.CurrentHeight()
		if p.ForVotes+p.AbstainVotes >= quorum && p.VoteEnd < now+e.lateQuorumExtension {
			p.VoteEnd = now + e.lateQuorumExtension
			p.Extended = true
			e.logger.WithFields(logrus.Fields{
				"id":       p.ID.Hex(),
				"vote_end": p.VoteEnd,
			}).Info("proposal voting extended")
		}
	}

	return nil
}

// State derives the proposal's lifecycle state. Executed and Canceled are
// sticky; the rest follows from height comparison, then quorum and outcome.
// An unknown id reads as Pending; callers needing existence check with
// Proposal first.
func (e *ProposalEngine) State(id common.Hash) ProposalState {
	p, ok := e.proposals[id]
	if !ok {
		return Pending
	}

	if p.Executed {
		return Executed
	}
	if p.Canceled {
		return Canceled
	}

	now := e.heights.CurrentHeight()
	if now < p.VoteStart {
		return Pending
	}
	if now <= p.VoteEnd {
		return Active
	}

	reached, err := e.quorumReached(context.Background(), p)
	if err != nil {
		e.logger.WithField("id", id.Hex()).WithError(err).Error("quorum evaluation failed")
		return Defeated
	}
	if reached && p.ForVotes > p.AgainstVotes {
		return Succeeded
	}
	return Defeated
}

// quorumAt resolves the participation needed for quorum: the checkpointed
// numerator fraction of total supply at the proposal's snapshot height.
func (e *ProposalEngine) quorumAt(ctx context.Context, p *Proposal) (uint64, error) {
	supply, err := e.acct.GetTotalSupply(ctx, p.Snapshot)
	if err != nil {
		return 0, err
	}
	numerator, err := e.quorumNumerator.AtHeight(p.Snapshot, e.heights.CurrentHeight())
	if err != nil {
		return 0, err
	}
	return supply * numerator / quorumDenominator, nil
}

// quorumReached compares participation (for + abstain) against the quorum
// fraction.
func (e *ProposalEngine) quorumReached(ctx context.Context, p *Proposal) (bool, error) {
	needed, err := e.quorumAt(ctx, p)
	if err != nil {
		return false, err
	}
	return p.ForVotes+p.AbstainVotes >= needed, nil
}

// Execute recomputes the proposal id from the given arguments, revalidates
// the representation snapshot and the proposer, and runs the call sequence.
// Stale proposals from since-banned participants never execute, even from a
// Succeeded state.
func (e *ProposalEngine) Execute(ctx context.Context, targets []common.Address, values []uint64, calldatas [][]byte, descriptionHash common.Hash) error {
	id := HashProposal(targets, values, calldatas, descriptionHash)
	p, ok := e.proposals[id]
	if !ok {
		return errors.Wrapf(ErrProposalNotFound, "id %s", id)
	}

	if p.Executed {
		return errors.Wrapf(ErrProposalAlreadyExecuted, "id %s", id)
	}

	set := NewRepresentationSet()
	if err := set.UnmarshalBinary(p.Representation); err != nil {
		return errors.Wrapf(err, "decode representation snapshot of %s", id)
	}
	for _, memberID := range set.IDs() {
		m, ok := e.reg.MemberByID(memberID)
		if !ok {
			return errors.Wrapf(ErrUnknownMember, "snapshot member id %d", memberID)
		}
		if !e.reg.memberValid(m.Source) {
			return errors.Wrapf(ErrProposalNotSuccessful, "snapshot member %s is %s", m.Source, e.reg.MemberStatus(m.Source))
		}
	}
	if e.reg.SenatorStatus(p.Proposer) != SenatorActive {
		return errors.Wrapf(ErrProposalNotSuccessful, "proposer %s is %s", p.Proposer, e.reg.SenatorStatus(p.Proposer))
	}

	if st := e.State(id); st != Succeeded {
		return errors.Wrapf(ErrProposalNotSuccessful, "id %s is %s", id, st)
	}

	p.Executed = true

	e.logger.WithField("id", id.Hex()).Info("proposal executed")

	return e.executor.Execute(ctx, targets, values, calldatas)
}

// Cancel withdraws a proposal from any non-terminal state.
func (e *ProposalEngine) Cancel(id common.Hash) error {
	p, ok := e.proposals[id]
	if !ok {
		return errors.Wrapf(ErrProposalNotFound, "id %s", id)
	}
	if p.Executed || p.Canceled {
		return errors.Wrapf(ErrProposalTerminal, "id %s is %s", id, e.State(id))
	}

	p.Canceled = true

	e.logger.WithField("id", id.Hex()).Info("proposal canceled")

	return nil
}

// UpdateQuorumNumerator checkpoints a new quorum numerator at the current
// height; quorum for earlier snapshots is unchanged.
func (e *ProposalEngine) UpdateQuorumNumerator(numerator uint64) error {
	if numerator > quorumDenominator {
		return errors.Errorf("quorum numerator %d exceeds denominator %d", numerator, quorumDenominator)
	}
	return e.quorumNumerator.Push(e.heights.CurrentHeight(), numerator)
}

func (e *ProposalEngine) Proposal(id common.Hash) (*Proposal, bool) {
	p, ok := e.proposals[id]
	return p, ok
}

// Proposals enumerates proposals in creation order.
func (e *ProposalEngine) Proposals() []*Proposal {
	out := make([]*Proposal, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.proposals[id])
	}
	return out
}

func (e *ProposalEngine) HasVoted(id common.Hash, principal common.Address) bool {
	p, ok := e.proposals[id]
	return ok && p.Voted[principal]
}

// GovernanceSnapshot is the single aggregate read exposed to callers needing
// the current governance parameters for a senator.
type GovernanceSnapshot struct {
	ProposalThreshold uint64   `json:"proposal_threshold"`
	VotingDelay       uint64   `json:"voting_delay"`
	VotingPeriod      uint64   `json:"voting_period"`
	Representation    []uint64 `json:"representation"`
	CurrentPower      uint64   `json:"current_power"`
	SenatorValid      bool     `json:"senator_valid"`
	MembersValid      bool     `json:"members_valid"`
}

func (e *ProposalEngine) Snapshot(ctx context.Context, senator common.Address) (*GovernanceSnapshot, error) {
	rep, err := e.acct.GetRepresentation(ctx, senator)
	if err != nil {
		return nil, err
	}
	power, err := e.acct.GetCurrentVotes(ctx, senator)
	if err != nil {
		return nil, err
	}

	membersValid := true
	for _, id := range rep {
		m, ok := e.reg.MemberByID(id)
		if !ok || !e.reg.memberValid(m.Source) {
			membersValid = false
			break
		}
	}

	return &GovernanceSnapshot{
		ProposalThreshold: e.proposalThreshold,
		VotingDelay:       e.votingDelay,
		VotingPeriod:      e.votingPeriod,
		Representation:    rep,
		CurrentPower:      power,
		SenatorValid:      e.reg.senatorValid(senator),
		MembersValid:      membersValid,
	}, nil
}

// proposalState is the persisted form of the proposal engine.
type proposalState struct {
	Proposals       []*Proposal `json:"proposals"`
	QuorumNumerator *History    `json:"quorum_numerator"`
}

func (e *ProposalEngine) snapshot() *proposalState {
	return &proposalState{
		Proposals:       e.Proposals(),
		QuorumNumerator: e.quorumNumerator,
	}
}

func (e *ProposalEngine) restore(st *proposalState) {
	for _, p := range st.Proposals {
		if p.Voted == nil {
			p.Voted = make(map[common.Address]bool)
		}
		e.proposals[p.ID] = p
		e.order = append(e.order, p.ID)
	}
	if st.QuorumNumerator != nil && st.QuorumNumerator.Len() > 0 {
		e.quorumNumerator = st.QuorumNumerator
	}
}
