package txmgr

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	minedNonce   uint64
	pendingNonce uint64
	sendErr      error
	sent         []*types.Transaction
	receipts     map[common.Hash]*types.Receipt
	receiptErr   error
}

func (f *fakeBackend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return f.minedNonce, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func newTestManager(t *testing.T) (*TxManager, *fakeBackend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	backend := &fakeBackend{receipts: make(map[common.Hash]*types.Receipt)}
	m, err := NewTxManager(backend, key, big.NewInt(1337))
	require.NoError(t, err)
	return m, backend
}

func testCandidate() TxCandidate {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return TxCandidate{To: &to, Data: []byte{0xde, 0xad}}
}

func TestSendOnlyOnceReturnsExistingID(t *testing.T) {
	m, backend := newTestManager(t)

	first, err := m.Send(context.Background(), testCandidate(), true)
	require.NoError(t, err)

	second, err := m.Send(context.Background(), testCandidate(), true)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, backend.sent, 1, "second call must not broadcast")
}

func TestSendAllocatesSequentialNonces(t *testing.T) {
	m, backend := newTestManager(t)
	backend.pendingNonce = 7

	_, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)
	_, err = m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)

	require.Len(t, backend.sent, 2)
	require.Equal(t, uint64(7), backend.sent[0].Nonce())
	require.Equal(t, uint64(8), backend.sent[1].Nonce())
}

func TestSendFailureLeavesState(t *testing.T) {
	m, backend := newTestManager(t)
	backend.sendErr = errors.New("broadcast failed")

	_, err := m.Send(context.Background(), testCandidate(), false)
	require.Error(t, err)
	require.Empty(t, m.Pending())

	// The nonce was not consumed by the failed attempt.
	backend.sendErr = nil
	_, err = m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)
	require.Equal(t, uint64(0), backend.sent[0].Nonce())
}

func TestMineUnresolved(t *testing.T) {
	m, _ := newTestManager(t)

	id, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)

	mined, err := m.Mine(context.Background(), id)
	require.NoError(t, err)
	require.False(t, mined)
	require.True(t, m.IsPending(id), "unresolved tx stays pending")
}

func TestMineSuccessLeavesPendingSet(t *testing.T) {
	m, backend := newTestManager(t)

	id, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)
	backend.receipts[common.HexToHash(string(id))] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(42),
	}

	mined, err := m.Mine(context.Background(), id)
	require.NoError(t, err)
	require.True(t, mined)
	require.False(t, m.IsPending(id))
}

func TestMineRevertedLeavesPendingSet(t *testing.T) {
	m, backend := newTestManager(t)

	id, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)
	backend.receipts[common.HexToHash(string(id))] = &types.Receipt{
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(42),
	}

	mined, err := m.Mine(context.Background(), id)
	require.NoError(t, err)
	require.False(t, mined, "reverted tx is not a successful mine")
	require.False(t, m.IsPending(id), "resolved tx leaves the pending set")
}

func TestMineErrorKeepsPending(t *testing.T) {
	m, backend := newTestManager(t)

	id, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)
	backend.receiptErr = errors.New("node down")

	_, err = m.Mine(context.Background(), id)
	require.Error(t, err)
	require.True(t, m.IsPending(id))
}

func TestPendingOrderedBySubmission(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)
	second, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)

	require.Equal(t, []TxID{first, second}, m.Pending())
}

func TestReconcileNonceAbsorbsGap(t *testing.T) {
	m, backend := newTestManager(t)
	backend.minedNonce = 3
	backend.pendingNonce = 5

	require.NoError(t, m.ReconcileNonce(context.Background()))

	// New transactions start after the outstanding ones.
	_, err := m.Send(context.Background(), testCandidate(), false)
	require.NoError(t, err)
	require.Equal(t, uint64(5), backend.sent[0].Nonce())
}

func TestNewTxManagerRequiresKey(t *testing.T) {
	_, err := NewTxManager(&fakeBackend{}, nil, big.NewInt(1))
	require.ErrorIs(t, err, ErrNoPrivateKey)
}
