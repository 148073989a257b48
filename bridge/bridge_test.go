package bridge

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/statebridge/root-relayer/scanner"
	"github.com/statebridge/root-relayer/txmgr"
)

var (
	bridgeAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bridgedAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	canonicalAddr = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	ownerAddr     = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

type fakeClient struct {
	head    uint64
	code    []byte
	returns map[string][]byte
	logs    []types.Log
}

func newFakeClient() *fakeClient {
	return &fakeClient{head: 100, code: []byte{0x60}, returns: make(map[string][]byte)}
}

func (f *fakeClient) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	selector := hex.EncodeToString(call.Data[:4])
	out, ok := f.returns[selector]
	if !ok {
		return nil, fmt.Errorf("unexpected call %s", selector)
	}
	return out, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

type fakeTransactor struct {
	from     common.Address
	sent     []txmgr.TxCandidate
	onlyOnce []bool
}

func (f *fakeTransactor) From() common.Address { return f.from }

func (f *fakeTransactor) Send(ctx context.Context, candidate txmgr.TxCandidate, onlyOnce bool) (txmgr.TxID, error) {
	f.sent = append(f.sent, candidate)
	f.onlyOnce = append(f.onlyOnce, onlyOnce)
	return txmgr.TxID("0xabc"), nil
}

func selector(a abi.ABI, method string) string {
	return hex.EncodeToString(a.Methods[method].ID)
}

func returns(t *testing.T, a abi.ABI, method string, vals ...interface{}) []byte {
	t.Helper()
	out, err := a.Methods[method].Outputs.Pack(vals...)
	require.NoError(t, err)
	return out
}

func TestConnectOwnerMismatchIsFatal(t *testing.T) {
	secondary := newFakeClient()
	secondary.returns[selector(bridgeABI, "owner")] = returns(t, bridgeABI, "owner", ownerAddr)

	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_, err := Connect(context.Background(), Config{
		BridgeAddress:            bridgeAddr,
		BridgedRegistryAddress:   bridgedAddr,
		CanonicalRegistryAddress: canonicalAddr,
		ScanWindowSize:           100,
	}, secondary, newFakeClient(), &fakeTransactor{from: other})
	require.ErrorIs(t, err, errNotOwner)
}

func TestConnectMissingCodeIsNotFatal(t *testing.T) {
	secondary := newFakeClient()
	secondary.code = nil
	secondary.returns[selector(bridgeABI, "owner")] = returns(t, bridgeABI, "owner", ownerAddr)

	b, err := Connect(context.Background(), Config{
		BridgeAddress:            bridgeAddr,
		BridgedRegistryAddress:   bridgedAddr,
		CanonicalRegistryAddress: canonicalAddr,
		ScanWindowSize:           100,
	}, secondary, newFakeClient(), &fakeTransactor{from: ownerAddr})
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestConnectResolvesRegistryAddresses(t *testing.T) {
	secondary := newFakeClient()
	secondary.returns[selector(bridgeABI, "owner")] = returns(t, bridgeABI, "owner", ownerAddr)
	secondary.returns[selector(bridgeABI, "bridgedRegistry")] = returns(t, bridgeABI, "bridgedRegistry", bridgedAddr)
	secondary.returns[selector(bridgeABI, "canonicalRegistry")] = returns(t, bridgeABI, "canonicalRegistry", canonicalAddr)

	b, err := Connect(context.Background(), Config{
		BridgeAddress:  bridgeAddr,
		ScanWindowSize: 100,
	}, secondary, newFakeClient(), &fakeTransactor{from: ownerAddr})
	require.NoError(t, err)
	require.Equal(t, bridgedAddr, b.bridgedAddr)
	require.Equal(t, canonicalAddr, b.canonicalAddr)
}

func newTestBridge(secondary, primary *fakeClient, tx Transactor) *StateBridge {
	return &StateBridge{
		secondary:     secondary,
		primary:       primary,
		tx:            tx,
		bridgeAddr:    bridgeAddr,
		bridgedAddr:   bridgedAddr,
		canonicalAddr: canonicalAddr,
	}
}

func TestIsRootMined(t *testing.T) {
	root := big.NewInt(12345)
	latest := big.NewInt(67890)

	tests := []struct {
		name        string
		root        *big.Int
		recorded    *big.Int
		superseded  *big.Int
		latestRoot  *big.Int
		expectMined bool
	}{
		{
			name:        "zero root is never mined",
			root:        big.NewInt(0),
			recorded:    big.NewInt(0),
			superseded:  big.NewInt(0),
			latestRoot:  latest,
			expectMined: false,
		},
		{
			name:        "absent from canonical registry",
			root:        root,
			recorded:    big.NewInt(0),
			superseded:  big.NewInt(0),
			latestRoot:  latest,
			expectMined: false,
		},
		{
			name:        "recorded but neither superseded nor latest",
			root:        root,
			recorded:    root,
			superseded:  big.NewInt(0),
			latestRoot:  latest,
			expectMined: false,
		},
		{
			name:        "superseded past head",
			root:        root,
			recorded:    root,
			superseded:  big.NewInt(1700000000),
			latestRoot:  latest,
			expectMined: true,
		},
		{
			name:        "current latest root",
			root:        root,
			recorded:    root,
			superseded:  big.NewInt(0),
			latestRoot:  root,
			expectMined: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			secondary := newFakeClient()
			primary := newFakeClient()
			primary.returns[selector(canonicalABI, "queryRoot")] =
				returns(t, canonicalABI, "queryRoot", tc.recorded, big.NewInt(0))
			secondary.returns[selector(bridgedABI, "rootHistory")] =
				returns(t, bridgedABI, "rootHistory", tc.superseded)
			secondary.returns[selector(bridgedABI, "latestRoot")] =
				returns(t, bridgedABI, "latestRoot", tc.latestRoot)

			b := newTestBridge(secondary, primary, &fakeTransactor{from: ownerAddr})
			mined, err := b.IsRootMined(context.Background(), tc.root)
			require.NoError(t, err)
			require.Equal(t, tc.expectMined, mined)
		})
	}
}

func TestLatestRoots(t *testing.T) {
	secondary := newFakeClient()
	primary := newFakeClient()
	secondary.returns[selector(bridgedABI, "latestRoot")] =
		returns(t, bridgedABI, "latestRoot", big.NewInt(111))
	primary.returns[selector(canonicalABI, "latestRoot")] =
		returns(t, canonicalABI, "latestRoot", big.NewInt(222))

	b := newTestBridge(secondary, primary, &fakeTransactor{from: ownerAddr})

	bridged, err := b.LatestBridgedRoot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(111), bridged.Int64())

	canonical, err := b.LatestCanonicalRoot(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(222), canonical.Int64())
}

func TestPropagateRootSubmitsOnlyOnce(t *testing.T) {
	ft := &fakeTransactor{from: ownerAddr}
	b := newTestBridge(newFakeClient(), newFakeClient(), ft)

	id, err := b.PropagateRoot(context.Background())
	require.NoError(t, err)
	require.Equal(t, txmgr.TxID("0xabc"), id)

	require.Len(t, ft.sent, 1)
	require.Equal(t, bridgeAddr, *ft.sent[0].To)
	expected, err := bridgeABI.Pack("propagateRoot")
	require.NoError(t, err)
	require.Equal(t, expected, ft.sent[0].Data)
	require.True(t, ft.onlyOnce[0], "propagation must use at-most-one-in-flight submission")
}

func TestScanAddedRoots(t *testing.T) {
	secondary := newFakeClient()
	secondary.head = 10

	b := newTestBridge(secondary, newFakeClient(), &fakeTransactor{from: ownerAddr})
	var err error
	b.registryScanner, err = scanner.NewLatest(context.Background(), secondary, 100)
	require.NoError(t, err)

	data, err := bridgedABI.Events["RootAdded"].Inputs.Pack(big.NewInt(555), big.NewInt(1700000000))
	require.NoError(t, err)
	secondary.logs = []types.Log{
		{Topics: []common.Hash{RootAddedTopic}, Data: data, BlockNumber: 15},
		{Topics: []common.Hash{RootPropagatedTopic}, Data: nil, BlockNumber: 16},
	}
	secondary.head = 20

	roots, err := b.ScanAddedRoots(context.Background())
	require.NoError(t, err)
	require.Len(t, roots, 1, "non-matching events are skipped")
	require.Equal(t, int64(555), roots[0].Int64())
}

func TestParseEvents(t *testing.T) {
	data, err := bridgedABI.Events["RootAdded"].Inputs.Pack(big.NewInt(7), big.NewInt(99))
	require.NoError(t, err)

	added, ok := ParseRootAdded(types.Log{Topics: []common.Hash{RootAddedTopic}, Data: data})
	require.True(t, ok)
	require.Equal(t, int64(7), added.Root.Int64())
	require.Equal(t, int64(99), added.Timestamp.Int64())

	_, ok = ParseRootAdded(types.Log{Topics: []common.Hash{RootPropagatedTopic}, Data: data})
	require.False(t, ok)

	pdata, err := bridgeABI.Events["RootPropagated"].Inputs.Pack(big.NewInt(8))
	require.NoError(t, err)
	propagated, ok := ParseRootPropagated(types.Log{Topics: []common.Hash{RootPropagatedTopic}, Data: pdata})
	require.True(t, ok)
	require.Equal(t, int64(8), propagated.Root.Int64())
}
