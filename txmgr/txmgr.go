package txmgr

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
)

// ErrNoPrivateKey represents the error when no signing key is configured.
var ErrNoPrivateKey = errors.New("no private key provided")

// Backend is the chain access the manager needs to sign, broadcast and
// confirm transactions. *ethclient.Client satisfies it.
type Backend interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxID identifies a submitted transaction, as its hash in hex form.
type TxID string

// TxCandidate describes a transaction before nonce allocation and signing.
type TxCandidate struct {
	To       *common.Address
	Data     []byte
	GasLimit uint64
	Value    *big.Int
}

type pendingTx struct {
	id          TxID
	nonce       uint64
	submittedAt time.Time
}

// TxManager signs and submits transactions on a single chain with a single
// configured key, and tracks the ones that have not been mined yet. The
// pending set is process-local; ReconcileNonce re-derives outstanding work
// from the chain after a restart.
type TxManager struct {
	mu sync.Mutex

	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer

	nextNonce   uint64
	noncePrimed bool
	pending     map[TxID]pendingTx
}

// NewTxManager creates a TxManager signing with the given key for the given
// chain id.
func NewTxManager(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int) (*TxManager, error) {
	if key == nil {
		return nil, ErrNoPrivateKey
	}
	return &TxManager{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
		pending: make(map[TxID]pendingTx),
	}, nil
}

// From returns the signer address.
func (m *TxManager) From() common.Address {
	return m.from
}

// ReconcileNonce compares the chain's mined nonce with its
// pending-inclusive nonce. A gap means transactions from a previous run are
// still in flight; local nonce allocation starts after them so they are
// never double-spent. Called at startup.
func (m *TxManager) ReconcileNonce(ctx context.Context) error {
	minedNonce, err := m.backend.NonceAt(ctx, m.from, nil)
	if err != nil {
		return fmt.Errorf("fetching mined nonce: %w", err)
	}
	pendingNonce, err := m.backend.PendingNonceAt(ctx, m.from)
	if err != nil {
		return fmt.Errorf("fetching pending nonce: %w", err)
	}

	if pendingNonce > minedNonce {
		log.Warn("Transactions from a previous run are still in flight",
			"outstanding", pendingNonce-minedNonce, "mined_nonce", minedNonce)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNonce = pendingNonce
	m.noncePrimed = true
	return nil
}

// Send signs and broadcasts a transaction for the candidate and returns its
// id. With onlyOnce set and a transaction already outstanding, the existing
// id is returned unchanged and nothing is submitted. Neither the nonce nor
// the pending set is mutated when signing or broadcast fails.
func (m *TxManager) Send(ctx context.Context, candidate TxCandidate, onlyOnce bool) (TxID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if onlyOnce {
		if id, ok := m.oldestPending(); ok {
			log.Info("Transaction already in flight, not submitting a new one", "tx_id", id)
			return id, nil
		}
	}

	if !m.noncePrimed {
		nonce, err := m.backend.PendingNonceAt(ctx, m.from)
		if err != nil {
			return "", fmt.Errorf("fetching pending nonce: %w", err)
		}
		m.nextNonce = nonce
		m.noncePrimed = true
	}

	gasPrice, err := m.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggesting gas price: %w", err)
	}

	gasLimit := candidate.GasLimit
	if gasLimit == 0 {
		gasLimit, err = m.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:     m.from,
			To:       candidate.To,
			GasPrice: gasPrice,
			Value:    candidate.Value,
			Data:     candidate.Data,
		})
		if err != nil {
			return "", fmt.Errorf("estimating gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    m.nextNonce,
		To:       candidate.To,
		Value:    candidate.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     candidate.Data,
	})
	signed, err := types.SignTx(tx, m.signer, m.key)
	if err != nil {
		return "", fmt.Errorf("signing transaction: %w", err)
	}

	if err := m.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcasting transaction: %w", err)
	}

	id := TxID(signed.Hash().Hex())
	m.pending[id] = pendingTx{
		id:          id,
		nonce:       signed.Nonce(),
		submittedAt: time.Now(),
	}
	m.nextNonce++

	log.Info("Transaction submitted", "tx_id", id, "nonce", signed.Nonce())
	return id, nil
}

// Mine performs a single receipt poll for the given transaction. It returns
// true once the transaction is included and successful, and false while it
// is still unresolved. A resolved transaction, successful or reverted,
// leaves the pending set.
func (m *TxManager) Mine(ctx context.Context, id TxID) (bool, error) {
	receipt, err := m.backend.TransactionReceipt(ctx, common.HexToHash(string(id)))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetching receipt for %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()

	if receipt.Status != types.ReceiptStatusSuccessful {
		log.Warn("Transaction reverted", "tx_id", id, "block", receipt.BlockNumber)
		return false, nil
	}
	return true, nil
}

// Pending returns a snapshot of the outstanding transaction ids in
// submission (nonce) order.
func (m *TxManager) Pending() []TxID {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := make([]pendingTx, 0, len(m.pending))
	for _, tx := range m.pending {
		txs = append(txs, tx)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].nonce < txs[j].nonce })

	ids := make([]TxID, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.id)
	}
	return ids
}

// IsPending reports whether the given transaction is still tracked as
// outstanding.
func (m *TxManager) IsPending(id TxID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

// oldestPending returns the pending transaction with the lowest nonce, if
// any. Callers must hold the lock.
func (m *TxManager) oldestPending() (TxID, bool) {
	var (
		found  bool
		oldest pendingTx
	)
	for _, tx := range m.pending {
		if !found || tx.nonce < oldest.nonce {
			found = true
			oldest = tx
		}
	}
	return oldest.id, found
}
