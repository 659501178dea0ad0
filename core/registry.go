package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// heightSource supplies the current logical height. The Senate implements it
// from the chain feed; tests use a manual clock.
type heightSource interface {
	CurrentHeight() uint64
}

// Member is a registered voting-power source. The compact id is assigned
// once at admission and never reused, even after a ban, so that
// representation-set encoding stays stable.
type Member struct {
	Source     common.Address `json:"source"`
	ID         uint64         `json:"id"`
	Capability Capability     `json:"capability"`
	AdmittedAt uint64         `json:"admitted_at"`
}

// Registry classifies member sources and senators by status and assigns
// compact identifiers.
type Registry struct {
	logger  *logrus.Logger
	client  Client
	heights heightSource

	members map[common.Address]*Member
	order   []common.Address // compact id -> source

	memberBans        map[common.Address]bool
	memberQuarantine  map[common.Address]uint64 // source -> expiry height
	senatorBans       map[common.Address]bool
	senatorQuarantine map[common.Address]uint64

	// currentPower reports a senator's current aggregate power; wired to
	// the accounting engine after construction.
	currentPower func(senator common.Address) uint64
}

func NewRegistry(logger *logrus.Logger, client Client, heights heightSource) *Registry {
	return &Registry{
		logger:            logger,
		client:            client,
		heights:           heights,
		members:           make(map[common.Address]*Member),
		memberBans:        make(map[common.Address]bool),
		memberQuarantine:  make(map[common.Address]uint64),
		senatorBans:       make(map[common.Address]bool),
		senatorQuarantine: make(map[common.Address]uint64),
		currentPower:      func(common.Address) uint64 { return 0 },
	}
}

// SetPowerSource wires the senator power callback. Called once during
// assembly, before any operation runs.
func (r *Registry) SetPowerSource(fn func(common.Address) uint64) {
	r.currentPower = fn
}

// Admit classifies the source by probing its declared capability and
// registers it with the next sequential compact id. Admitting an already
// registered source returns the existing record untouched.
func (r *Registry) Admit(ctx context.Context, source common.Address) (*Member, error) {
	if r.memberBans[source] {
		return nil, errors.Wrapf(ErrAlreadyBanned, "member %s", source)
	}
	if m, ok := r.members[source]; ok {
		return m, nil
	}

	cap, err := r.client.ProbeCapability(ctx, source)
	if err != nil {
		return nil, errors.Wrapf(err, "probe capability of %s", source)
	}
	if cap != LedgerIntegrated && cap != Legacy {
		return nil, errors.Wrapf(ErrInvalidMemberImplementation, "source %s", source)
	}

	m := &Member{
		Source:     source,
		ID:         uint64(len(r.order)),
		Capability: cap,
		AdmittedAt: r.heights.CurrentHeight(),
	}
	r.members[source] = m
	r.order = append(r.order, source)

	r.logger.WithFields(logrus.Fields{
		"source":     source.Hex(),
		"id":         m.ID,
		"capability": cap.String(),
	}).Info("member admitted")

	return m, nil
}

// MemberStatus derives a source's status. Banned takes precedence over
// quarantined, quarantined over active. A quarantine record keeps the
// member quarantined until it is explicitly lifted, even past its expiry
// height: expiry gates eligibility for unquarantine, not the status itself,
// so a burned supply contribution can never silently re-enter live totals
// without the matching restore.
func (r *Registry) MemberStatus(source common.Address) MemberStatus {
	if r.memberBans[source] {
		return MemberBanned
	}
	if _, ok := r.memberQuarantine[source]; ok {
		return MemberQuarantined
	}
	if _, ok := r.members[source]; ok {
		return MemberActive
	}
	return NotMember
}

// SenatorStatus derives a senator's status. ACTIVE is determined by current
// aggregate power rather than set containment: senator identity exists only
// while delegated power is nonzero.
func (r *Registry) SenatorStatus(senator common.Address) SenatorStatus {
	if r.senatorBans[senator] {
		return SenatorBanned
	}
	if _, ok := r.senatorQuarantine[senator]; ok {
		return SenatorQuarantined
	}
	if r.currentPower(senator) > 0 {
		return SenatorActive
	}
	return NotSenator
}

func (r *Registry) Member(source common.Address) (*Member, bool) {
	m, ok := r.members[source]
	return m, ok
}

func (r *Registry) MemberByID(id uint64) (*Member, bool) {
	if id >= uint64(len(r.order)) {
		return nil, false
	}
	return r.members[r.order[id]], true
}

func (r *Registry) MemberCount() int {
	return len(r.order)
}

// Members enumerates registered members in compact-id order.
func (r *Registry) Members() []*Member {
	out := make([]*Member, 0, len(r.order))
	for _, src := range r.order {
		out = append(out, r.members[src])
	}
	return out
}

// memberValid reports whether a source currently contributes to live totals.
func (r *Registry) memberValid(source common.Address) bool {
	return r.MemberStatus(source) == MemberActive
}

// senatorValid reports whether a senator may hold or receive power. A
// zero-power principal is a valid target for incoming delegation.
func (r *Registry) senatorValid(senator common.Address) bool {
	return !r.senatorBans[senator] && !r.isSenatorQuarantined(senator)
}

func (r *Registry) isSenatorQuarantined(senator common.Address) bool {
	_, ok := r.senatorQuarantine[senator]
	return ok
}

// registryState is the persisted form of the registry.
type registryState struct {
	Members           []*Member                 `json:"members"`
	MemberBans        []common.Address          `json:"member_bans"`
	MemberQuarantine  map[common.Address]uint64 `json:"member_quarantine"`
	SenatorBans       []common.Address          `json:"senator_bans"`
	SenatorQuarantine map[common.Address]uint64 `json:"senator_quarantine"`
}

func (r *Registry) snapshot() *registryState {
	st := &registryState{
		Members:           r.Members(),
		MemberQuarantine:  r.memberQuarantine,
		SenatorQuarantine: r.senatorQuarantine,
	}
	for src := range r.memberBans {
		st.MemberBans = append(st.MemberBans, src)
	}
	for sen := range r.senatorBans {
		st.SenatorBans = append(st.SenatorBans, sen)
	}
	return st
}

func (r *Registry) restore(st *registryState) {
	for _, m := range st.Members {
		r.members[m.Source] = m
		r.order = append(r.order, m.Source)
	}
	for _, src := range st.MemberBans {
		r.memberBans[src] = true
	}
	for _, sen := range st.SenatorBans {
		r.senatorBans[sen] = true
	}
	if st.MemberQuarantine != nil {
		r.memberQuarantine = st.MemberQuarantine
	}
	if st.SenatorQuarantine != nil {
		r.senatorQuarantine = st.SenatorQuarantine
	}
}
