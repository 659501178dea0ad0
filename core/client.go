package core

import (
	"context"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is the boundary to the token-standard layer and the chain feed.
// Balance and capability queries are consumed as-is; their correctness is the
// responsibility of the sources themselves.
type Client interface {
	// ProbeCapability reports which recognized interface the candidate
	// member source implements.
	ProbeCapability(ctx context.Context, source common.Address) (Capability, error)

	// OwnerCount returns the current number of positions owner holds on a
	// ledger-integrated source.
	OwnerCount(ctx context.Context, source, owner common.Address) (uint64, error)

	// PastVotes returns a legacy source's historical power for account at
	// the given height.
	PastVotes(ctx context.Context, source, account common.Address, height uint64) (uint64, error)

	// PastTotalSupply returns a legacy source's total power at the given
	// height.
	PastTotalSupply(ctx context.Context, source common.Address, height uint64) (uint64, error)

	BlockNumber(ctx context.Context) (uint64, error)

	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error)
}

// Interface ids probed on candidate member sources.
var (
	ledgerIntegratedInterfaceID = [4]byte{0xe9, 0x0f, 0xb3, 0xf6}
	legacyInterfaceID           = [4]byte{0x3a, 0x46, 0xb1, 0xa8}
)

// Selectors for the token-standard read calls.
var (
	selSupportsInterface = crypto.Keccak256([]byte("supportsInterface(bytes4)"))[:4]
	selBalanceOf         = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selGetPastVotes      = crypto.Keccak256([]byte("getPastVotes(address,uint256)"))[:4]
	selGetPastSupply     = crypto.Keccak256([]byte("getPastTotalSupply(uint256)"))[:4]
)

var _ Client = (*EthClient)(nil)

// EthClient implements Client over a JSON-RPC endpoint.
type EthClient struct {
	rpc *ethclient.Client
}

func NewEthClient(rpc *ethclient.Client) *EthClient {
	return &EthClient{rpc: rpc}
}

func (c *EthClient) ProbeCapability(ctx context.Context, source common.Address) (Capability, error) {
	ledger, err := c.supportsInterface(ctx, source, ledgerIntegratedInterfaceID)
	if err != nil {
		return NoCapability, err
	}
	if ledger {
		return LedgerIntegrated, nil
	}

	legacy, err := c.supportsInterface(ctx, source, legacyInterfaceID)
	if err != nil {
		return NoCapability, err
	}
	if legacy {
		return Legacy, nil
	}

	return NoCapability, nil
}

func (c *EthClient) supportsInterface(ctx context.Context, source common.Address, id [4]byte) (bool, error) {
	data := make([]byte, 0, 36)
	data = append(data, selSupportsInterface...)
	var arg [32]byte
	copy(arg[:4], id[:])
	data = append(data, arg[:]...)

	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &source, Data: data}, nil)
	if err != nil {
		return false, err
	}
	return len(out) == 32 && out[31] == 1, nil
}

func (c *EthClient) OwnerCount(ctx context.Context, source, owner common.Address) (uint64, error) {
	data := make([]byte, 0, 36)
	data = append(data, selBalanceOf...)
	data = append(data, common.LeftPadBytes(owner.Bytes(), 32)...)

	return c.callUint64(ctx, source, data, nil)
}

func (c *EthClient) PastVotes(ctx context.Context, source, account common.Address, height uint64) (uint64, error) {
	data := make([]byte, 0, 68)
	data = append(data, selGetPastVotes...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(height).Bytes(), 32)...)

	return c.callUint64(ctx, source, data, nil)
}

func (c *EthClient) PastTotalSupply(ctx context.Context, source common.Address, height uint64) (uint64, error) {
	data := make([]byte, 0, 36)
	data = append(data, selGetPastSupply...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(height).Bytes(), 32)...)

	return c.callUint64(ctx, source, data, nil)
}

func (c *EthClient) callUint64(ctx context.Context, to common.Address, data []byte, at *big.Int) (uint64, error) {
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, at)
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(out[24:32]), nil
}

func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.rpc.BlockNumber(ctx)
}

func (c *EthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.rpc.FilterLogs(ctx, q)
}

func (c *EthClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.rpc.SubscribeFilterLogs(ctx, q, ch)
}

var _ Client = (*MockClient)(nil)

// MockClient scripts the token-standard boundary for tests.
type MockClient struct {
	Capabilities map[common.Address]Capability

	// Balances holds current owner counts per ledger-integrated source.
	Balances map[common.Address]map[common.Address]uint64

	// LegacyVotes and LegacySupply answer live legacy queries, constant
	// over heights.
	LegacyVotes  map[common.Address]map[common.Address]uint64
	LegacySupply map[common.Address]uint64

	Height uint64

	Logs []types.Log
}

func NewMockClient() *MockClient {
	return &MockClient{
		Capabilities: make(map[common.Address]Capability),
		Balances:     make(map[common.Address]map[common.Address]uint64),
		LegacyVotes:  make(map[common.Address]map[common.Address]uint64),
		LegacySupply: make(map[common.Address]uint64),
		Height:       1,
	}
}

func (mc *MockClient) ProbeCapability(ctx context.Context, source common.Address) (Capability, error) {
	if cap, ok := mc.Capabilities[source]; ok {
		return cap, nil
	}
	return NoCapability, nil
}

func (mc *MockClient) OwnerCount(ctx context.Context, source, owner common.Address) (uint64, error) {
	return mc.Balances[source][owner], nil
}

func (mc *MockClient) PastVotes(ctx context.Context, source, account common.Address, height uint64) (uint64, error) {
	return mc.LegacyVotes[source][account], nil
}

func (mc *MockClient) PastTotalSupply(ctx context.Context, source common.Address, height uint64) (uint64, error) {
	return mc.LegacySupply[source], nil
}

func (mc *MockClient) BlockNumber(ctx context.Context) (uint64, error) {
	return mc.Height, nil
}

func (mc *MockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return mc.Logs, nil
}

func (mc *MockClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return &MockSubscription{}, nil
}

// TransferLog builds a transfer event log as a ledger-integrated source
// would emit it.
func TransferLog(source, from, to common.Address, height uint64) types.Log {
	return types.Log{
		Address: source,
		Topics: []common.Hash{
			common.HexToHash(TransferEventSig),
			common.BytesToHash(common.LeftPadBytes(from.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(to.Bytes(), 32)),
		},
		BlockNumber: height,
	}
}

// TransferEventSig is keccak256("Transfer(address,address,uint256)").
const TransferEventSig = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

type MockSubscription struct {
}

func (ms *MockSubscription) Unsubscribe() {
}

func (ms *MockSubscription) Err() <-chan error {
	return make(chan error)
}
