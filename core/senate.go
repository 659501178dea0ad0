package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/axiom-kit/storage"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/senatelabs/senate/repo"
	"github.com/sirupsen/logrus"
)

const (
	LogChanMaxSize = 1000

	nextFromBlockDBKey   = "nextFromBlock"
	registryStateDBKey   = "state:registry"
	accountingStateDBKey = "state:accounting"
	lifecycleStateDBKey  = "state:lifecycle"
	proposalsStateDBKey  = "state:proposals"
)

// Senate is the single authoritative governance state machine. Every public
// operation applies as one indivisible transaction under its lock; there is
// no internal parallelism.
type Senate struct {
	Ctx    context.Context
	Client Client
	Logger *logrus.Logger
	DB     storage.Storage
	Config *repo.Config

	Registry   *Registry
	Accounting *Accounting
	Lifecycle  *Lifecycle
	Proposals  *ProposalEngine

	authority common.Address
	security  common.Address

	mu     sync.Mutex
	height uint64

	// Subscribe log
	FromBlock *big.Int
	ToBlock   *big.Int
	Topics    [][]common.Hash

	LogChan chan types.Log
	LogSub  ethereum.Subscription
}

func NewSenate(ctx context.Context, config *repo.Config, client Client) (*Senate, error) {
	logger := log.New()
	logger.SetLevel(log.ParseLevel(config.Log.Level))

	var fromBlock, toBlock *big.Int
	if config.Subscribe.FromBlock != 0 {
		fromBlock = big.NewInt(int64(config.Subscribe.FromBlock))
	}
	if config.Subscribe.ToBlock != 0 {
		toBlock = big.NewInt(int64(config.Subscribe.ToBlock))
	}

	var topics [][]common.Hash
	for _, topic := range config.Subscribe.Topics {
		var dstTopic []common.Hash
		for _, t := range topic {
			dstTopic = append(dstTopic, common.HexToHash(t))
		}
		topics = append(topics, dstTopic)
	}

	db, err := leveldb.New(filepath.Join(config.RepoRoot, "leveldb"))
	if err != nil {
		return nil, err
	}

	s := &Senate{
		Ctx:       ctx,
		Client:    client,
		Logger:    logger,
		DB:        db,
		Config:    config,
		authority: common.HexToAddress(config.Authority),
		security:  common.HexToAddress(config.SecurityCouncil),
		height:    1,
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Topics:    topics,
		LogChan:   make(chan types.Log, LogChanMaxSize),
	}

	s.Registry = NewRegistry(logger, client, s)
	s.Accounting = NewAccounting(logger, client, s.Registry, s)
	s.Lifecycle = NewLifecycle(logger, s.Registry, s.Accounting, s, config.Governance.QuarantinePeriod)
	s.Proposals = NewProposalEngine(logger, s.Registry, s.Accounting, s, ProposalParams{
		VotingDelay:         config.Governance.VotingDelay,
		VotingPeriod:        config.Governance.VotingPeriod,
		ProposalThreshold:   config.Governance.ProposalThreshold,
		QuorumNumerator:     config.Governance.QuorumNumerator,
		LateQuorumExtension: config.Governance.LateQuorumExtension,
	}, &LogExecutor{Logger: logger})

	if err := s.loadState(); err != nil {
		return nil, err
	}

	return s, nil
}

// SetExecutor overrides the default logging executor with a host-supplied
// call runner. Must be called before Start.
func (s *Senate) SetExecutor(executor Executor) {
	s.Proposals.executor = executor
}

// CurrentHeight implements heightSource for the composed components.
func (s *Senate) CurrentHeight() uint64 {
	return s.height
}

func (s *Senate) Start() error {
	if err := s.refreshHeight(); err != nil {
		return err
	}

	if err := s.fetchHistoryLog(); err != nil {
		return err
	}

	if err := s.subscribeLog(); err != nil {
		return err
	}

	go s.listenEvents()

	return nil
}

func (s *Senate) Stop() error {
	if s.LogSub != nil {
		s.LogSub.Unsubscribe()
	}

	return nil
}

func (s *Senate) refreshHeight() error {
	bn, err := s.Client.BlockNumber(s.Ctx)
	if err != nil {
		return errors.Wrap(err, "query block number")
	}
	if bn > s.height {
		s.height = bn
	}
	return nil
}

// memberAddresses returns the ledger-integrated sources whose events the
// feed must cover.
func (s *Senate) memberAddresses() []common.Address {
	var out []common.Address
	for _, m := range s.Registry.Members() {
		if m.Capability == LedgerIntegrated {
			out = append(out, m.Source)
		}
	}
	return out
}

func (s *Senate) fetchHistoryLog() error {
	fromBlock := s.getNewestFromBlock()

	addresses := s.memberAddresses()
	if len(addresses) == 0 {
		return nil
	}

	logs, err := s.Client.FilterLogs(s.Ctx, ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   s.ToBlock,
		Addresses: addresses,
		Topics:    s.Topics,
	})
	if err != nil {
		return err
	}

	for _, l := range logs {
		s.handleTransferLog(&l)
	}

	if len(logs) > 0 {
		next := logs[len(logs)-1].BlockNumber + 1
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		s.DB.Put([]byte(nextFromBlockDBKey), buf)
	}

	return s.persist()
}

func (s *Senate) getNewestFromBlock() *big.Int {
	fromBlock := s.FromBlock

	data := s.DB.Get([]byte(nextFromBlockDBKey))
	if data != nil {
		next := binary.BigEndian.Uint64(data)
		if fromBlock == nil || next > fromBlock.Uint64() {
			fromBlock = big.NewInt(int64(next))
		}
	}

	return fromBlock
}

func (s *Senate) subscribeLog() error {
	addresses := s.memberAddresses()

	var err error
	s.LogSub, err = s.Client.SubscribeFilterLogs(s.Ctx, ethereum.FilterQuery{
		FromBlock: s.FromBlock,
		ToBlock:   s.ToBlock,
		Addresses: addresses,
		Topics:    s.Topics,
	}, s.LogChan)

	return err
}

func (s *Senate) listenEvents() {
	s.Logger.Info("listen member source events")

	for {
		select {
		case <-s.Ctx.Done():
			s.Logger.Info("context done")
			return
		case l := <-s.LogChan:
			s.mu.Lock()
			if l.BlockNumber > s.height {
				s.height = l.BlockNumber
			}
			s.handleTransferLog(&l)
			if err := s.persist(); err != nil {
				s.Logger.WithError(err).Error("persist after event")
			}
			s.mu.Unlock()
		case err := <-s.subErr():
			if err == nil {
				continue
			}
			s.Logger.WithError(err).Warn("subscription lost, reconnecting")
			if err := s.reconnect(); err != nil {
				s.Logger.WithError(err).Error("reconnect failed")
				return
			}
		}
	}
}

func (s *Senate) subErr() <-chan error {
	if s.LogSub == nil {
		return nil
	}
	return s.LogSub.Err()
}

// handleTransferLog applies one transfer event from a ledger-integrated
// member source. Each event moves a single non-fungible position.
func (s *Senate) handleTransferLog(l *types.Log) {
	if len(l.Topics) < 3 || l.Topics[0] != common.HexToHash(TransferEventSig) {
		return
	}

	from := common.BytesToAddress(l.Topics[1].Bytes()[12:])
	to := common.BytesToAddress(l.Topics[2].Bytes()[12:])

	if err := s.Accounting.HandleBalanceChange(l.Address, from, to, 1); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"source": l.Address.Hex(),
			"height": l.BlockNumber,
		}).WithError(err).Error("apply balance change")
	}
}

func (s *Senate) reconnect() error {
	var client Client

	action := func(attempt uint) error {
		rpc, err := ethclient.DialContext(s.Ctx, s.Config.DialUrl)
		if err != nil {
			return err
		}
		client = NewEthClient(rpc)
		return nil
	}

	if err := retry.Retry(action, strategy.Limit(5), strategy.Backoff(backoff.Fibonacci(5*time.Second))); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Client = client
	s.Registry.client = client
	s.Accounting.client = client

	return s.subscribeLog()
}

// requireAuthority gates admission and parameter operations.
func (s *Senate) requireAuthority(caller common.Address) error {
	if caller != s.authority {
		return errors.Wrapf(ErrNotAuthorized, "caller %s is not the authority", caller)
	}
	return nil
}

// requireSecurity gates quarantine and ban operations.
func (s *Senate) requireSecurity(caller common.Address) error {
	if caller != s.security {
		return errors.Wrapf(ErrNotAuthorized, "caller %s is not the security role", caller)
	}
	return nil
}

// begin acquires the transaction lock and refreshes the logical height.
func (s *Senate) begin() error {
	s.mu.Lock()
	if err := s.refreshHeight(); err != nil {
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Senate) commit() error {
	defer s.mu.Unlock()
	return s.persist()
}

func (s *Senate) abort() {
	s.mu.Unlock()
}

// Admit registers a new member source. Authority only.
func (s *Senate) Admit(ctx context.Context, caller, source common.Address) (*Member, error) {
	if err := s.requireAuthority(caller); err != nil {
		return nil, err
	}
	if err := s.begin(); err != nil {
		return nil, err
	}

	m, err := s.Registry.Admit(ctx, source)
	if err != nil {
		s.abort()
		return nil, err
	}

	// New ledger-integrated sources must enter the subscription filter.
	if s.LogSub != nil && m.Capability == LedgerIntegrated {
		s.LogSub.Unsubscribe()
		if err := s.subscribeLog(); err != nil {
			s.abort()
			return nil, err
		}
	}

	return m, s.commit()
}

// AcceptToSenate seats a senator whose holdings predate admission of their
// member sources, pulling their current power from every active
// ledger-integrated member. Authority only. A no-op for senators already
// holding checkpointed power.
func (s *Senate) AcceptToSenate(ctx context.Context, caller, senator common.Address) error {
	if err := s.requireAuthority(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}

	if !s.Registry.senatorValid(senator) {
		s.abort()
		return errors.Wrapf(ErrAlreadyBanned, "senator %s is %s", senator, s.Registry.SenatorStatus(senator))
	}
	if s.Accounting.CurrentBooksVotes(senator) > 0 {
		s.abort()
		return nil
	}

	if err := s.Accounting.restoreSenatorPower(ctx, senator); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// QuarantineMember suspends a member. Security role only.
func (s *Senate) QuarantineMember(caller, source common.Address) error {
	if err := s.requireSecurity(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Lifecycle.QuarantineMember(source); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// UnquarantineMember lifts an expired member quarantine. Security role only.
func (s *Senate) UnquarantineMember(caller, source common.Address) error {
	if err := s.requireSecurity(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Lifecycle.UnquarantineMember(source); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// BanMember permanently suspends a member. Security role only.
func (s *Senate) BanMember(caller, source common.Address) error {
	if err := s.requireSecurity(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Lifecycle.BanMember(source); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// QuarantineSenator suspends a senator. Security role only.
func (s *Senate) QuarantineSenator(caller, senator common.Address) error {
	if err := s.requireSecurity(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Lifecycle.QuarantineSenator(senator); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// UnquarantineSenator lifts an expired senator quarantine. Security role
// only.
func (s *Senate) UnquarantineSenator(ctx context.Context, caller, senator common.Address) error {
	if err := s.requireSecurity(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Lifecycle.UnquarantineSenator(ctx, senator); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// BanSenator permanently suspends a senator. Security role only.
func (s *Senate) BanSenator(caller, senator common.Address) error {
	if err := s.requireSecurity(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Lifecycle.BanSenator(senator); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// Propose creates a proposal on behalf of the proposer.
func (s *Senate) Propose(ctx context.Context, proposer common.Address, targets []common.Address, values []uint64, calldatas [][]byte, description string) (*Proposal, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	p, err := s.Proposals.Propose(ctx, proposer, targets, values, calldatas, description)
	if err != nil {
		s.abort()
		return nil, err
	}
	return p, s.commit()
}

// CastVote tallies a vote for the given principal.
func (s *Senate) CastVote(ctx context.Context, voter common.Address, id common.Hash, support VoteSupport) error {
	return s.CastVoteWithReason(ctx, voter, id, support, "")
}

func (s *Senate) CastVoteWithReason(ctx context.Context, voter common.Address, id common.Hash, support VoteSupport, reason string) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Proposals.CastVoteWithReason(ctx, voter, id, support, reason); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// CastVoteWithWeight tallies a pre-weighted vote. Authority only.
func (s *Senate) CastVoteWithWeight(ctx context.Context, caller, voter common.Address, id common.Hash, support VoteSupport, weight uint64) error {
	if err := s.requireAuthority(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Proposals.CastVoteWithWeight(ctx, voter, id, support, weight); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// Execute runs a succeeded proposal's call sequence.
func (s *Senate) Execute(ctx context.Context, targets []common.Address, values []uint64, calldatas [][]byte, descriptionHash common.Hash) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Proposals.Execute(ctx, targets, values, calldatas, descriptionHash); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// Cancel withdraws a proposal. Allowed for the proposer or the authority.
func (s *Senate) Cancel(caller common.Address, id common.Hash) error {
	if err := s.begin(); err != nil {
		return err
	}

	p, ok := s.Proposals.Proposal(id)
	if !ok {
		s.abort()
		return errors.Wrapf(ErrProposalNotFound, "id %s", id)
	}
	if caller != p.Proposer && caller != s.authority {
		s.abort()
		return errors.Wrapf(ErrNotAuthorized, "caller %s may not cancel %s", caller, id)
	}

	if err := s.Proposals.Cancel(id); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// Delegate re-targets the delegator's balance on a member source.
func (s *Senate) Delegate(ctx context.Context, source, delegator, delegatee common.Address) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Accounting.Delegate(ctx, source, delegator, delegatee); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// DelegateBySig applies an off-line-authorized delegation whose signature
// was verified upstream.
func (s *Senate) DelegateBySig(ctx context.Context, source, delegator, delegatee common.Address, nonce uint64) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Accounting.DelegateBySig(ctx, source, delegator, delegatee, nonce); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// UpdateQuorumNumerator checkpoints a new quorum numerator. Authority only.
func (s *Senate) UpdateQuorumNumerator(caller common.Address, numerator uint64) error {
	if err := s.requireAuthority(caller); err != nil {
		return err
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := s.Proposals.UpdateQuorumNumerator(numerator); err != nil {
		s.abort()
		return err
	}
	return s.commit()
}

// GetVotes is the locked read of a senator's power at a finalized height.
func (s *Senate) GetVotes(ctx context.Context, senator common.Address, height uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Accounting.GetVotes(ctx, senator, height)
}

// GetTotalSupply is the locked read of aggregate supply at a finalized
// height.
func (s *Senate) GetTotalSupply(ctx context.Context, height uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Accounting.GetTotalSupply(ctx, height)
}

// GetRepresentation is the locked representation read.
func (s *Senate) GetRepresentation(ctx context.Context, senator common.Address) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Accounting.GetRepresentation(ctx, senator)
}

// ProposalState is the locked proposal state read.
func (s *Senate) ProposalState(id common.Hash) ProposalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Proposals.State(id)
}

// ProposalByID is the locked proposal record read.
func (s *Senate) ProposalByID(id common.Hash) (*Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Proposals.Proposal(id)
}

// MemberList is the locked registry listing.
func (s *Senate) MemberList() []*Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.Members()
}

// MemberStatusOf is the locked member status read.
func (s *Senate) MemberStatusOf(source common.Address) MemberStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.MemberStatus(source)
}

// SenatorStatusOf is the locked senator status read.
func (s *Senate) SenatorStatusOf(senator common.Address) SenatorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Registry.SenatorStatus(senator)
}

// GovernanceSnapshot is the locked aggregate parameter read.
func (s *Senate) GovernanceSnapshot(ctx context.Context, senator common.Address) (*GovernanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Proposals.Snapshot(ctx, senator)
}

func (s *Senate) loadState() error {
	if data := s.DB.Get([]byte(registryStateDBKey)); data != nil {
		st := &registryState{}
		if err := json.Unmarshal(data, st); err != nil {
			return errors.Wrap(err, "decode registry state")
		}
		s.Registry.restore(st)
	}

	if data := s.DB.Get([]byte(accountingStateDBKey)); data != nil {
		st := &accountingState{}
		if err := json.Unmarshal(data, st); err != nil {
			return errors.Wrap(err, "decode accounting state")
		}
		if err := s.Accounting.restore(st); err != nil {
			return err
		}
	}

	if data := s.DB.Get([]byte(lifecycleStateDBKey)); data != nil {
		st := &lifecycleState{}
		if err := json.Unmarshal(data, st); err != nil {
			return errors.Wrap(err, "decode lifecycle state")
		}
		s.Lifecycle.restore(st)
	}

	if data := s.DB.Get([]byte(proposalsStateDBKey)); data != nil {
		st := &proposalState{}
		if err := json.Unmarshal(data, st); err != nil {
			return errors.Wrap(err, "decode proposal state")
		}
		s.Proposals.restore(st)
	}

	return nil
}

func (s *Senate) persist() error {
	regData, err := json.Marshal(s.Registry.snapshot())
	if err != nil {
		return errors.Wrap(err, "encode registry state")
	}
	s.DB.Put([]byte(registryStateDBKey), regData)

	acctSnap, err := s.Accounting.snapshot()
	if err != nil {
		return errors.Wrap(err, "encode accounting state")
	}
	acctData, err := json.Marshal(acctSnap)
	if err != nil {
		return errors.Wrap(err, "encode accounting state")
	}
	s.DB.Put([]byte(accountingStateDBKey), acctData)

	lcData, err := json.Marshal(s.Lifecycle.snapshot())
	if err != nil {
		return errors.Wrap(err, "encode lifecycle state")
	}
	s.DB.Put([]byte(lifecycleStateDBKey), lcData)

	propData, err := json.Marshal(s.Proposals.snapshot())
	if err != nil {
		return errors.Wrap(err, "encode proposal state")
	}
	s.DB.Put([]byte(proposalsStateDBKey), propData)

	return nil
}
