package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Lifecycle implements quarantine and ban workflows for members and
// senators. Quarantine burns the entity's entire current contribution out of
// live totals immediately, so a sidelined participant cannot inflate quorum
// denominators; unquarantine restores it. Ban is terminal.
type Lifecycle struct {
	logger  *logrus.Logger
	reg     *Registry
	acct    *Accounting
	heights heightSource

	quarantinePeriod uint64

	// suspendedMembers records burned per-senator amounts per quarantined
	// member, so the restore on unquarantine is exact.
	suspendedMembers map[common.Address]map[common.Address]uint64

	// entered guards every state-mutating entry point against re-entrant
	// invocation through external calls.
	entered bool
}

func NewLifecycle(logger *logrus.Logger, reg *Registry, acct *Accounting, heights heightSource, quarantinePeriod uint64) *Lifecycle {
	return &Lifecycle{
		logger:           logger,
		reg:              reg,
		acct:             acct,
		heights:          heights,
		quarantinePeriod: quarantinePeriod,
		suspendedMembers: make(map[common.Address]map[common.Address]uint64),
	}
}

func (l *Lifecycle) enter() error {
	if l.entered {
		return ErrReentrantCall
	}
	l.entered = true
	return nil
}

func (l *Lifecycle) exit() {
	l.entered = false
}

// QuarantineMember suspends an active member for the configured period and
// burns its entire current supply contribution.
func (l *Lifecycle) QuarantineMember(source common.Address) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	switch l.reg.MemberStatus(source) {
	case MemberBanned:
		return errors.Wrapf(ErrAlreadyBanned, "member %s", source)
	case MemberQuarantined:
		return errors.Wrapf(ErrAlreadyQuarantined, "member %s", source)
	case NotMember:
		return errors.Wrapf(ErrUnknownMember, "source %s", source)
	}

	m, _ := l.reg.Member(source)
	burned, err := l.acct.suspendMemberPower(m)
	if err != nil {
		return err
	}
	l.suspendedMembers[source] = burned

	expiry := l.heights.CurrentHeight() + l.quarantinePeriod
	l.reg.memberQuarantine[source] = expiry

	l.logger.WithFields(logrus.Fields{
		"source": source.Hex(),
		"expiry": expiry,
	}).Info("member quarantined")

	return nil
}

// UnquarantineMember lifts an expired quarantine and restores the member's
// supply contribution.
func (l *Lifecycle) UnquarantineMember(source common.Address) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if l.reg.memberBans[source] {
		return errors.Wrapf(ErrAlreadyBanned, "member %s", source)
	}
	expiry, ok := l.reg.memberQuarantine[source]
	if !ok {
		return errors.Wrapf(ErrNotQuarantined, "member %s", source)
	}
	if l.heights.CurrentHeight() < expiry {
		return errors.Wrapf(ErrQuarantineNotExpired, "member %s until height %d", source, expiry)
	}

	m, _ := l.reg.Member(source)
	if err := l.acct.restoreMemberPower(m, l.suspendedMembers[source]); err != nil {
		return err
	}
	delete(l.suspendedMembers, source)
	delete(l.reg.memberQuarantine, source)

	l.logger.WithField("source", source.Hex()).Info("member quarantine lifted")

	return nil
}

// BanMember permanently suspends a member. Power already burned by a
// standing quarantine stays burned; an active member's contribution is
// burned here.
func (l *Lifecycle) BanMember(source common.Address) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	status := l.reg.MemberStatus(source)
	switch status {
	case MemberBanned:
		return errors.Wrapf(ErrAlreadyBanned, "member %s", source)
	case NotMember:
		return errors.Wrapf(ErrUnknownMember, "source %s", source)
	}

	if status == MemberActive {
		m, _ := l.reg.Member(source)
		if _, err := l.acct.suspendMemberPower(m); err != nil {
			return err
		}
	}

	delete(l.reg.memberQuarantine, source)
	delete(l.suspendedMembers, source)
	l.reg.memberBans[source] = true

	l.logger.WithField("source", source.Hex()).Warn("member banned")

	return nil
}

// QuarantineSenator suspends a senator for the configured period and burns
// their current checkpointed power down to zero.
func (l *Lifecycle) QuarantineSenator(senator common.Address) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	switch l.reg.SenatorStatus(senator) {
	case SenatorBanned:
		return errors.Wrapf(ErrAlreadyBanned, "senator %s", senator)
	case SenatorQuarantined:
		return errors.Wrapf(ErrAlreadyQuarantined, "senator %s", senator)
	}

	if err := l.acct.suspendSenatorPower(senator); err != nil {
		return err
	}

	expiry := l.heights.CurrentHeight() + l.quarantinePeriod
	l.reg.senatorQuarantine[senator] = expiry

	l.logger.WithFields(logrus.Fields{
		"senator": senator.Hex(),
		"expiry":  expiry,
	}).Info("senator quarantined")

	return nil
}

// UnquarantineSenator lifts an expired quarantine, re-pulling current power
// from every active ledger-integrated member.
func (l *Lifecycle) UnquarantineSenator(ctx context.Context, senator common.Address) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if l.reg.senatorBans[senator] {
		return errors.Wrapf(ErrAlreadyBanned, "senator %s", senator)
	}
	expiry, ok := l.reg.senatorQuarantine[senator]
	if !ok {
		return errors.Wrapf(ErrNotQuarantined, "senator %s", senator)
	}
	if l.heights.CurrentHeight() < expiry {
		return errors.Wrapf(ErrQuarantineNotExpired, "senator %s until height %d", senator, expiry)
	}

	// Restore first: a failed token-layer read must leave the senator
	// quarantined so the lift can be retried.
	if err := l.acct.restoreSenatorPower(ctx, senator); err != nil {
		return err
	}
	delete(l.reg.senatorQuarantine, senator)

	l.logger.WithField("senator", senator.Hex()).Info("senator quarantine lifted")

	return nil
}

// BanSenator permanently suspends a senator.
func (l *Lifecycle) BanSenator(senator common.Address) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	status := l.reg.SenatorStatus(senator)
	if status == SenatorBanned {
		return errors.Wrapf(ErrAlreadyBanned, "senator %s", senator)
	}

	if status != SenatorQuarantined {
		if err := l.acct.suspendSenatorPower(senator); err != nil {
			return err
		}
	}

	delete(l.reg.senatorQuarantine, senator)
	l.reg.senatorBans[senator] = true

	l.logger.WithField("senator", senator.Hex()).Warn("senator banned")

	return nil
}

// lifecycleState is the persisted form of the lifecycle manager.
type lifecycleState struct {
	SuspendedMembers map[common.Address]map[common.Address]uint64 `json:"suspended_members"`
}

func (l *Lifecycle) snapshot() *lifecycleState {
	return &lifecycleState{SuspendedMembers: l.suspendedMembers}
}

func (l *Lifecycle) restore(st *lifecycleState) {
	if st.SuspendedMembers != nil {
		l.suspendedMembers = st.SuspendedMembers
	}
}
