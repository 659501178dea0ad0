package core

import (
	"context"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testCtx() context.Context {
	return context.Background()
}

type testClock struct {
	height uint64
}

func (c *testClock) CurrentHeight() uint64 {
	return c.height
}

var (
	memberA  = common.HexToAddress("0x1100000000000000000000000000000000000001")
	memberB  = common.HexToAddress("0x1100000000000000000000000000000000000002")
	memberC  = common.HexToAddress("0x1100000000000000000000000000000000000003")
	senatorA = common.HexToAddress("0x2200000000000000000000000000000000000001")
	senatorB = common.HexToAddress("0x2200000000000000000000000000000000000002")
	senatorC = common.HexToAddress("0x2200000000000000000000000000000000000003")
)

type fixture struct {
	clock  *testClock
	client *MockClient
	reg    *Registry
	acct   *Accounting
	lc     *Lifecycle
	eng    *ProposalEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	clock := &testClock{height: 10}
	client := NewMockClient()

	reg := NewRegistry(logger, client, clock)
	acct := NewAccounting(logger, client, reg, clock)
	lc := NewLifecycle(logger, reg, acct, clock, 100)
	eng := NewProposalEngine(logger, reg, acct, clock, ProposalParams{
		VotingDelay:         5,
		VotingPeriod:        50,
		ProposalThreshold:   10,
		QuorumNumerator:     50,
		LateQuorumExtension: 10,
	}, &LogExecutor{Logger: logger})

	return &fixture{
		clock:  clock,
		client: client,
		reg:    reg,
		acct:   acct,
		lc:     lc,
		eng:    eng,
	}
}

// admit registers a source with the given capability.
func (f *fixture) admit(t *testing.T, source common.Address, cap Capability) *Member {
	t.Helper()

	f.client.Capabilities[source] = cap
	m, err := f.reg.Admit(testCtx(), source)
	require.Nil(t, err)
	return m
}

// mint credits units to a senator through the balance-change entry point.
func (f *fixture) mint(t *testing.T, source, to common.Address, amount uint64) {
	t.Helper()
	require.Nil(t, f.acct.HandleBalanceChange(source, zeroAddress, to, amount))
}
