package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var zeroAddress = common.Address{}

type delegationKey struct {
	Member common.Address
	Holder common.Address
}

// Accounting aggregates voting power across member sources. Ledger-integrated
// sources are mirrored into local checkpoint histories; legacy sources are
// queried live on every read. Historical checkpoints are immutable: validity
// filtering of quarantined and banned participants applies to reads only.
type Accounting struct {
	logger  *logrus.Logger
	client  Client
	reg     *Registry
	heights heightSource

	// books holds each senator's checkpointed power from ledger-integrated
	// sources. Per-member series are not kept; members aggregate only into
	// the total.
	books  map[common.Address]*History
	supply *History

	representation map[common.Address]*RepresentationSet

	// contrib tracks, per senator, how many units each ledger-integrated
	// member currently contributes, so representation removal is exact.
	contrib map[common.Address]map[uint64]uint64

	// delegates maps (member, holder) to the holder's chosen delegatee.
	// Absent entries mean self-delegation.
	delegates map[delegationKey]common.Address

	nonces map[common.Address]uint64
}

func NewAccounting(logger *logrus.Logger, client Client, reg *Registry, heights heightSource) *Accounting {
	a := &Accounting{
		logger:         logger,
		client:         client,
		reg:            reg,
		heights:        heights,
		books:          make(map[common.Address]*History),
		supply:         &History{},
		representation: make(map[common.Address]*RepresentationSet),
		contrib:        make(map[common.Address]map[uint64]uint64),
		delegates:      make(map[delegationKey]common.Address),
		nonces:         make(map[common.Address]uint64),
	}
	reg.SetPowerSource(a.CurrentBooksVotes)
	return a
}

// CurrentBooksVotes returns the senator's current checkpointed power from
// ledger-integrated sources only. This is the synchronous power view used
// for status derivation; live legacy terms require GetCurrentVotes.
func (a *Accounting) CurrentBooksVotes(senator common.Address) uint64 {
	if h, ok := a.books[senator]; ok {
		return h.Latest()
	}
	return 0
}

// GetVotes returns the senator's aggregate power at a finalized past height:
// the checkpointed books value plus a live query to every valid legacy
// source. A senator failing validity contributes zero regardless of history.
func (a *Accounting) GetVotes(ctx context.Context, senator common.Address, height uint64) (uint64, error) {
	if !a.reg.senatorValid(senator) {
		return 0, nil
	}

	total, err := a.booksAt(senator, height)
	if err != nil {
		return 0, err
	}

	for _, m := range a.reg.Members() {
		if m.Capability != Legacy || !a.reg.memberValid(m.Source) {
			continue
		}
		v, err := a.client.PastVotes(ctx, m.Source, senator, height)
		if err != nil {
			return 0, errors.Wrapf(err, "query legacy member %s", m.Source)
		}
		total += v
	}

	return total, nil
}

// GetCurrentVotes is GetVotes against the latest state.
func (a *Accounting) GetCurrentVotes(ctx context.Context, senator common.Address) (uint64, error) {
	if !a.reg.senatorValid(senator) {
		return 0, nil
	}

	total := a.CurrentBooksVotes(senator)
	for _, m := range a.reg.Members() {
		if m.Capability != Legacy || !a.reg.memberValid(m.Source) {
			continue
		}
		v, err := a.client.PastVotes(ctx, m.Source, senator, a.heights.CurrentHeight())
		if err != nil {
			return 0, errors.Wrapf(err, "query legacy member %s", m.Source)
		}
		total += v
	}
	return total, nil
}

// GetTotalSupply returns the aggregate supply of voting units at a finalized
// past height, filtered the same way as GetVotes.
func (a *Accounting) GetTotalSupply(ctx context.Context, height uint64) (uint64, error) {
	total, err := a.supply.AtHeight(height, a.heights.CurrentHeight())
	if err != nil {
		return 0, err
	}

	for _, m := range a.reg.Members() {
		if m.Capability != Legacy || !a.reg.memberValid(m.Source) {
			continue
		}
		v, err := a.client.PastTotalSupply(ctx, m.Source, height)
		if err != nil {
			return 0, errors.Wrapf(err, "query legacy member %s", m.Source)
		}
		total += v
	}

	return total, nil
}

// GetCurrentTotalSupply is GetTotalSupply against the latest state.
func (a *Accounting) GetCurrentTotalSupply(ctx context.Context) (uint64, error) {
	total := a.supply.Latest()
	for _, m := range a.reg.Members() {
		if m.Capability != Legacy || !a.reg.memberValid(m.Source) {
			continue
		}
		v, err := a.client.PastTotalSupply(ctx, m.Source, a.heights.CurrentHeight())
		if err != nil {
			return 0, errors.Wrapf(err, "query legacy member %s", m.Source)
		}
		total += v
	}
	return total, nil
}

func (a *Accounting) booksAt(senator common.Address, height uint64) (uint64, error) {
	h, ok := a.books[senator]
	if !ok {
		// The senator may still hold legacy power; the books term is zero.
		return 0, nil
	}
	return h.AtHeight(height, a.heights.CurrentHeight())
}

// delegateOf resolves a holder's current delegatee on a member source.
// Holders delegate to themselves until they choose otherwise; the zero
// holder has no delegate.
func (a *Accounting) delegateOf(source, holder common.Address) common.Address {
	if holder == zeroAddress {
		return zeroAddress
	}
	if d, ok := a.delegates[delegationKey{Member: source, Holder: holder}]; ok {
		return d
	}
	return holder
}

// TransferVotingUnits is the single mutation primitive. A zero from-address
// mints, a zero to-address burns. The amount moves between the checkpointed
// balances of the holders' current delegates. Units whose delegate is
// sidelined stay out of both books and supply until an unquarantine re-pulls
// them from the token layer, so a restore never double-counts.
func (a *Accounting) TransferVotingUnits(m *Member, from, to common.Address, amount uint64, delegationOnly bool) error {
	if from == to || amount == 0 {
		return nil
	}
	return a.moveDelegateVotes(m, a.delegateOf(m.Source, from), a.delegateOf(m.Source, to), amount, !delegationOnly)
}

// moveDelegateVotes moves units between two delegates. Books, representation
// and total supply track only units held by currently valid senators: a move
// into an invalid delegate drops the units from circulation, a move out of
// one re-admits them.
func (a *Accounting) moveDelegateVotes(m *Member, from, to common.Address, amount uint64, adjustSupply bool) error {
	height := a.heights.CurrentHeight()

	fromTracked := from != zeroAddress && a.reg.senatorValid(from)
	toTracked := to != zeroAddress && a.reg.senatorValid(to)

	if fromTracked {
		if err := a.senatorBooks(from).PushSub(height, amount); err != nil {
			return errors.Wrapf(err, "decrement delegate %s", from)
		}
		left := a.subContribution(from, m.ID, amount)
		if left == 0 && from != to {
			a.senatorRepresentation(from).Remove(m.ID)
		}
	}

	if toTracked {
		if err := a.senatorBooks(to).PushAdd(height, amount); err != nil {
			return errors.Wrapf(err, "increment delegate %s", to)
		}
		a.addContribution(to, m.ID, amount)
		a.senatorRepresentation(to).Add(m.ID)
	}

	if adjustSupply {
		if toTracked && !fromTracked {
			if err := a.supply.PushAdd(height, amount); err != nil {
				return err
			}
		} else if fromTracked && !toTracked {
			if err := a.supply.PushSub(height, amount); err != nil {
				return err
			}
		}
	}

	return nil
}

// Delegate re-targets all of the delegator's current balance on a member
// source to a new delegatee, implemented as a full re-transfer between the
// old and new delegates.
func (a *Accounting) Delegate(ctx context.Context, source, delegator, delegatee common.Address) error {
	m, ok := a.reg.Member(source)
	if !ok {
		return errors.Wrapf(ErrUnknownMember, "source %s", source)
	}
	if !a.reg.memberValid(source) {
		return errors.Wrapf(ErrUnknownMember, "source %s is %s", source, a.reg.MemberStatus(source))
	}
	if !a.reg.senatorValid(delegatee) {
		return errors.Wrapf(ErrAlreadyBanned, "delegatee %s is not a valid senator", delegatee)
	}

	old := a.delegateOf(source, delegator)
	a.delegates[delegationKey{Member: source, Holder: delegator}] = delegatee
	if old == delegatee {
		return nil
	}

	units, err := a.client.OwnerCount(ctx, source, delegator)
	if err != nil {
		return errors.Wrapf(err, "owner count of %s on %s", delegator, source)
	}
	if units == 0 {
		return nil
	}

	a.logger.WithFields(logrus.Fields{
		"source":    source.Hex(),
		"delegator": delegator.Hex(),
		"from":      old.Hex(),
		"to":        delegatee.Hex(),
		"units":     units,
	}).Debug("delegation moved")

	return a.moveDelegateVotes(m, old, delegatee, units, true)
}

// DelegateBySig applies an off-line-authorized delegation. The signature
// itself is verified upstream; this consumes the resulting (principal,
// nonce) pair and enforces nonce ordering.
func (a *Accounting) DelegateBySig(ctx context.Context, source, delegator, delegatee common.Address, nonce uint64) error {
	if nonce != a.nonces[delegator] {
		return errors.Errorf("invalid nonce for %s: got %d, want %d", delegator, nonce, a.nonces[delegator])
	}
	a.nonces[delegator]++
	return a.Delegate(ctx, source, delegator, delegatee)
}

// Nonce returns the next expected delegation nonce for a principal.
func (a *Accounting) Nonce(principal common.Address) uint64 {
	return a.nonces[principal]
}

// HandleBalanceChange applies a transfer event from a ledger-integrated
// member source. Events from non-active members change nothing.
func (a *Accounting) HandleBalanceChange(source, from, to common.Address, amount uint64) error {
	m, ok := a.reg.Member(source)
	if !ok {
		return errors.Wrapf(ErrUnknownMember, "source %s", source)
	}
	if m.Capability != LedgerIntegrated {
		return errors.Wrapf(ErrUnknownMember, "source %s is not ledger-integrated", source)
	}
	if !a.reg.memberValid(source) {
		a.logger.WithFields(logrus.Fields{
			"source": source.Hex(),
			"status": a.reg.MemberStatus(source).String(),
		}).Warn("balance change from inactive member ignored")
		return nil
	}

	return a.TransferVotingUnits(m, from, to, amount, false)
}

// GetRepresentation returns the member ids currently contributing nonzero
// power to the senator: the stored compact set for ledger-integrated members
// plus, computed freshly on each call, every valid legacy member reporting
// nonzero power.
func (a *Accounting) GetRepresentation(ctx context.Context, senator common.Address) ([]uint64, error) {
	set := a.senatorRepresentation(senator).Clone()

	for _, m := range a.reg.Members() {
		if m.Capability != Legacy || !a.reg.memberValid(m.Source) {
			continue
		}
		v, err := a.client.PastVotes(ctx, m.Source, senator, a.heights.CurrentHeight())
		if err != nil {
			return nil, errors.Wrapf(err, "query legacy member %s", m.Source)
		}
		if v > 0 {
			set.Add(m.ID)
		}
	}

	return set.IDs(), nil
}

// RepresentationSnapshot returns the stored ledger-integrated set in its
// compact serialized form.
func (a *Accounting) RepresentationSnapshot(senator common.Address) ([]byte, error) {
	return a.senatorRepresentation(senator).MarshalBinary()
}

func (a *Accounting) senatorBooks(senator common.Address) *History {
	h, ok := a.books[senator]
	if !ok {
		h = &History{}
		a.books[senator] = h
	}
	return h
}

func (a *Accounting) senatorRepresentation(senator common.Address) *RepresentationSet {
	s, ok := a.representation[senator]
	if !ok {
		s = NewRepresentationSet()
		a.representation[senator] = s
	}
	return s
}

func (a *Accounting) addContribution(senator common.Address, memberID, amount uint64) {
	c, ok := a.contrib[senator]
	if !ok {
		c = make(map[uint64]uint64)
		a.contrib[senator] = c
	}
	c[memberID] += amount
}

func (a *Accounting) subContribution(senator common.Address, memberID, amount uint64) uint64 {
	c := a.contrib[senator]
	if c == nil {
		return 0
	}
	if amount >= c[memberID] {
		delete(c, memberID)
		return 0
	}
	c[memberID] -= amount
	return c[memberID]
}

// suspendMemberPower burns a member's entire current contribution out of
// every representing senator's books and the total supply, returning the
// burned amounts so a later restore is exact.
func (a *Accounting) suspendMemberPower(m *Member) (map[common.Address]uint64, error) {
	height := a.heights.CurrentHeight()
	burned := make(map[common.Address]uint64)

	for senator, c := range a.contrib {
		amount := c[m.ID]
		if amount == 0 {
			continue
		}
		if err := a.senatorBooks(senator).PushSub(height, amount); err != nil {
			return nil, errors.Wrapf(err, "burn member %s power from %s", m.Source, senator)
		}
		a.senatorRepresentation(senator).Remove(m.ID)
		delete(c, m.ID)
		burned[senator] = amount
	}

	var total uint64
	for _, amount := range burned {
		total += amount
	}
	if total > 0 {
		if err := a.supply.PushSub(height, total); err != nil {
			return nil, errors.Wrapf(err, "burn member %s supply", m.Source)
		}
	}

	return burned, nil
}

// restoreMemberPower re-credits amounts recorded by suspendMemberPower.
func (a *Accounting) restoreMemberPower(m *Member, burned map[common.Address]uint64) error {
	height := a.heights.CurrentHeight()

	var total uint64
	for senator, amount := range burned {
		if amount == 0 {
			continue
		}
		if err := a.senatorBooks(senator).PushAdd(height, amount); err != nil {
			return errors.Wrapf(err, "restore member %s power to %s", m.Source, senator)
		}
		a.addContribution(senator, m.ID, amount)
		a.senatorRepresentation(senator).Add(m.ID)
		total += amount
	}

	if total > 0 {
		if err := a.supply.PushAdd(height, total); err != nil {
			return errors.Wrapf(err, "restore member %s supply", m.Source)
		}
	}
	return nil
}

// suspendSenatorPower burns the senator's entire checkpointed power down to
// zero, member by member, keeping supply in lock-step.
func (a *Accounting) suspendSenatorPower(senator common.Address) error {
	height := a.heights.CurrentHeight()

	c := a.contrib[senator]
	var total uint64
	for id, amount := range c {
		total += amount
		a.senatorRepresentation(senator).Remove(id)
	}
	delete(a.contrib, senator)

	if total == 0 {
		return nil
	}
	if err := a.senatorBooks(senator).PushSub(height, total); err != nil {
		return errors.Wrapf(err, "burn senator %s power", senator)
	}
	if err := a.supply.PushSub(height, total); err != nil {
		return errors.Wrapf(err, "burn senator %s supply", senator)
	}
	return nil
}

// restoreSenatorPower re-pulls the senator's current power from every active
// ledger-integrated member and re-credits it. It reconsults the token layer
// rather than trusting the pre-burn checkpoint, so balance changes that
// happened during the quarantine are not resurrected. All token-layer reads
// happen before any credit lands: a failed read leaves the books untouched.
func (a *Accounting) restoreSenatorPower(ctx context.Context, senator common.Address) error {
	height := a.heights.CurrentHeight()

	type credit struct {
		m     *Member
		units uint64
	}
	var credits []credit

	for _, m := range a.reg.Members() {
		if m.Capability != LedgerIntegrated || !a.reg.memberValid(m.Source) {
			continue
		}

		var units uint64

		// Holders who explicitly delegated to this senator.
		for key, delegatee := range a.delegates {
			if key.Member != m.Source || key.Holder == senator || delegatee != senator {
				continue
			}
			n, err := a.client.OwnerCount(ctx, m.Source, key.Holder)
			if err != nil {
				return errors.Wrapf(err, "owner count of %s on %s", key.Holder, m.Source)
			}
			units += n
		}

		// The senator's own holdings, unless re-delegated elsewhere.
		if a.delegateOf(m.Source, senator) == senator {
			n, err := a.client.OwnerCount(ctx, m.Source, senator)
			if err != nil {
				return errors.Wrapf(err, "owner count of %s on %s", senator, m.Source)
			}
			units += n
		}

		if units > 0 {
			credits = append(credits, credit{m: m, units: units})
		}
	}

	for _, c := range credits {
		if err := a.senatorBooks(senator).PushAdd(height, c.units); err != nil {
			return errors.Wrapf(err, "restore senator %s power", senator)
		}
		if err := a.supply.PushAdd(height, c.units); err != nil {
			return errors.Wrapf(err, "restore senator %s supply", senator)
		}
		a.addContribution(senator, c.m.ID, c.units)
		a.senatorRepresentation(senator).Add(c.m.ID)
	}

	return nil
}

// accountingState is the persisted form of the accounting engine.
type accountingState struct {
	Books          map[common.Address]*History          `json:"books"`
	Supply         *History                             `json:"supply"`
	Representation map[common.Address][]byte            `json:"representation"`
	Contrib        map[common.Address]map[uint64]uint64 `json:"contrib"`
	// Delegates maps member source -> holder -> delegatee.
	Delegates map[common.Address]map[common.Address]common.Address `json:"delegates"`
	Nonces    map[common.Address]uint64                            `json:"nonces"`
}

func (a *Accounting) snapshot() (*accountingState, error) {
	st := &accountingState{
		Books:          a.books,
		Supply:         a.supply,
		Representation: make(map[common.Address][]byte, len(a.representation)),
		Contrib:        a.contrib,
		Delegates:      make(map[common.Address]map[common.Address]common.Address),
		Nonces:         a.nonces,
	}
	for senator, set := range a.representation {
		raw, err := set.MarshalBinary()
		if err != nil {
			return nil, err
		}
		st.Representation[senator] = raw
	}
	for key, delegatee := range a.delegates {
		holders, ok := st.Delegates[key.Member]
		if !ok {
			holders = make(map[common.Address]common.Address)
			st.Delegates[key.Member] = holders
		}
		holders[key.Holder] = delegatee
	}
	return st, nil
}

func (a *Accounting) restore(st *accountingState) error {
	if st.Books != nil {
		a.books = st.Books
	}
	if st.Supply != nil {
		a.supply = st.Supply
	}
	if st.Contrib != nil {
		a.contrib = st.Contrib
	}
	if st.Nonces != nil {
		a.nonces = st.Nonces
	}
	for senator, raw := range st.Representation {
		set := NewRepresentationSet()
		if err := set.UnmarshalBinary(raw); err != nil {
			return errors.Wrapf(err, "decode representation of %s", senator)
		}
		a.representation[senator] = set
	}
	for source, holders := range st.Delegates {
		for holder, delegatee := range holders {
			a.delegates[delegationKey{Member: source, Holder: holder}] = delegatee
		}
	}
	return nil
}
