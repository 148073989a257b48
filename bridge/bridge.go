package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/statebridge/root-relayer/scanner"
	"github.com/statebridge/root-relayer/txmgr"
)

var (
	// errNotOwner represents the error when the configured signer is not the
	// owner of the bridge contract. Propagation transactions would revert, so
	// refusing to start beats running in a silently broken read-only mode.
	errNotOwner = errors.New("signer is not the owner of the bridge contract")
)

// Caller is the read-only contract access the bridge needs on one chain.
// *ethclient.Client satisfies it.
type Caller interface {
	CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client combines contract calls with log access, both served by the same
// RPC endpoint.
type Client interface {
	Caller
	scanner.LogSource
}

// Transactor is the slice of the transaction manager the bridge uses to
// issue propagation transactions.
type Transactor interface {
	From() common.Address
	Send(ctx context.Context, candidate txmgr.TxCandidate, onlyOnce bool) (txmgr.TxID, error)
}

// Config carries the contract addresses and scan parameters for Connect.
// Zero registry addresses are resolved from the bridge contract.
type Config struct {
	BridgeAddress            common.Address
	BridgedRegistryAddress   common.Address
	CanonicalRegistryAddress common.Address
	ScanWindowSize           uint64
	ScanHeadOffset           uint64
}

// StateBridge is the single source of truth for whether the canonical and
// bridged registries agree on the latest root, and the only component that
// issues propagation transactions.
type StateBridge struct {
	secondary Client
	primary   Client
	tx        Transactor

	bridgeAddr    common.Address
	bridgedAddr   common.Address
	canonicalAddr common.Address

	bridgeScanner   *scanner.Scanner
	registryScanner *scanner.Scanner
}

// Connect verifies the deployed contracts and the signer's authority, and
// builds the scanners for the two tracked event streams. Missing bytecode is
// logged as a warning only, since a momentarily-unsynced RPC node can
// misreport it; an owner mismatch is fatal.
func Connect(ctx context.Context, cfg Config, secondary, primary Client, tx Transactor) (*StateBridge, error) {
	b := &StateBridge{
		secondary:  secondary,
		primary:    primary,
		tx:         tx,
		bridgeAddr: cfg.BridgeAddress,
	}

	b.checkCode(ctx, secondary, cfg.BridgeAddress, "bridge")

	owner, err := b.owner(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading bridge owner: %w", err)
	}
	if owner != tx.From() {
		log.Error("Signing key does not match bridge contract owner",
			"signer", tx.From().Hex(), "owner", owner.Hex())
		return nil, errNotOwner
	}

	b.bridgedAddr = cfg.BridgedRegistryAddress
	if b.bridgedAddr == (common.Address{}) {
		if b.bridgedAddr, err = b.resolveAddress(ctx, "bridgedRegistry"); err != nil {
			return nil, fmt.Errorf("resolving bridged registry address: %w", err)
		}
	}
	b.checkCode(ctx, secondary, b.bridgedAddr, "bridged registry")

	b.canonicalAddr = cfg.CanonicalRegistryAddress
	if b.canonicalAddr == (common.Address{}) {
		if b.canonicalAddr, err = b.resolveAddress(ctx, "canonicalRegistry"); err != nil {
			return nil, fmt.Errorf("resolving canonical registry address: %w", err)
		}
	}
	b.checkCode(ctx, primary, b.canonicalAddr, "canonical registry")

	if b.bridgeScanner, err = scanner.NewLatest(ctx, secondary, cfg.ScanWindowSize); err != nil {
		return nil, fmt.Errorf("creating bridge scanner: %w", err)
	}
	b.bridgeScanner.WithOffset(cfg.ScanHeadOffset)

	if b.registryScanner, err = scanner.NewLatest(ctx, secondary, cfg.ScanWindowSize); err != nil {
		return nil, fmt.Errorf("creating registry scanner: %w", err)
	}
	b.registryScanner.WithOffset(cfg.ScanHeadOffset)

	log.Info("Connected to the state bridge", "bridge", b.bridgeAddr.Hex(),
		"bridged_registry", b.bridgedAddr.Hex(), "canonical_registry", b.canonicalAddr.Hex(),
		"owner", owner.Hex())

	return b, nil
}

// LatestBridgedRoot reads the current head root from the bridged registry on
// the secondary chain.
func (b *StateBridge) LatestBridgedRoot(ctx context.Context) (*big.Int, error) {
	return b.latestRoot(ctx, b.secondary, bridgedABI, b.bridgedAddr)
}

// LatestCanonicalRoot reads the current head root from the canonical
// registry on the primary chain.
func (b *StateBridge) LatestCanonicalRoot(ctx context.Context) (*big.Int, error) {
	return b.latestRoot(ctx, b.primary, canonicalABI, b.canonicalAddr)
}

// IsRootMined reports whether the given root is finalized across both
// chains: recorded on the canonical registry and either superseded on, or
// currently the latest of, the bridged registry.
func (b *StateBridge) IsRootMined(ctx context.Context, root *big.Int) (bool, error) {
	if root == nil || root.Sign() == 0 {
		return false, nil
	}

	out, err := b.call(ctx, b.primary, canonicalABI, b.canonicalAddr, "queryRoot", root)
	if err != nil {
		return false, fmt.Errorf("querying canonical root: %w", err)
	}
	recorded, ok := out[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected queryRoot output type %T", out[0])
	}
	if recorded.Sign() == 0 {
		return false, nil
	}

	out, err = b.call(ctx, b.secondary, bridgedABI, b.bridgedAddr, "rootHistory", root)
	if err != nil {
		return false, fmt.Errorf("querying root history: %w", err)
	}
	supersededAt, ok := out[0].(*big.Int)
	if !ok {
		return false, fmt.Errorf("unexpected rootHistory output type %T", out[0])
	}

	// rootHistory only records superseded roots, so the current latest root
	// has a zero timestamp there and must be checked separately.
	latest, err := b.LatestBridgedRoot(ctx)
	if err != nil {
		return false, err
	}
	if supersededAt.Sign() == 0 && root.Cmp(latest) != 0 {
		return false, nil
	}

	return true, nil
}

// PropagateRoot submits the bridge's propagation transaction through the
// transaction manager with at-most-one-in-flight semantics.
func (b *StateBridge) PropagateRoot(ctx context.Context) (txmgr.TxID, error) {
	data, err := bridgeABI.Pack("propagateRoot")
	if err != nil {
		return "", fmt.Errorf("packing propagateRoot: %w", err)
	}
	to := b.bridgeAddr
	id, err := b.tx.Send(ctx, txmgr.TxCandidate{To: &to, Data: data}, true)
	if err != nil {
		return "", fmt.Errorf("submitting propagation: %w", err)
	}
	return id, nil
}

// ScanPropagatedRoots advances the bridge event scanner and decodes the
// roots propagated since the previous scan.
func (b *StateBridge) ScanPropagatedRoots(ctx context.Context) ([]*big.Int, error) {
	logs, err := b.bridgeScanner.Next(ctx, []common.Address{b.bridgeAddr}, topicFilter(RootPropagatedTopic))
	if err != nil {
		return nil, err
	}
	roots := make([]*big.Int, 0, len(logs))
	for _, l := range logs {
		if ev, ok := ParseRootPropagated(l); ok {
			roots = append(roots, ev.Root)
		}
	}
	return roots, nil
}

// ScanAddedRoots advances the registry event scanner and decodes the roots
// recorded on the bridged registry since the previous scan.
func (b *StateBridge) ScanAddedRoots(ctx context.Context) ([]*big.Int, error) {
	logs, err := b.registryScanner.Next(ctx, []common.Address{b.bridgedAddr}, topicFilter(RootAddedTopic))
	if err != nil {
		return nil, err
	}
	roots := make([]*big.Int, 0, len(logs))
	for _, l := range logs {
		if ev, ok := ParseRootAdded(l); ok {
			roots = append(roots, ev.Root)
		}
	}
	return roots, nil
}

func (b *StateBridge) owner(ctx context.Context) (common.Address, error) {
	out, err := b.call(ctx, b.secondary, bridgeABI, b.bridgeAddr, "owner")
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected owner output type %T", out[0])
	}
	return owner, nil
}

func (b *StateBridge) resolveAddress(ctx context.Context, method string) (common.Address, error) {
	out, err := b.call(ctx, b.secondary, bridgeABI, b.bridgeAddr, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected %s output type %T", method, out[0])
	}
	return addr, nil
}

func (b *StateBridge) latestRoot(ctx context.Context, c Caller, contractABI abi.ABI, addr common.Address) (*big.Int, error) {
	out, err := b.call(ctx, c, contractABI, addr, "latestRoot")
	if err != nil {
		return nil, fmt.Errorf("querying latest root: %w", err)
	}
	root, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected latestRoot output type %T", out[0])
	}
	return root, nil
}

// call packs a method call, executes it through the given caller and
// unpacks the outputs.
func (b *StateBridge) call(ctx context.Context, c Caller, contractABI abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	ret, err := c.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	out, err := contractABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}

func (b *StateBridge) checkCode(ctx context.Context, c Caller, addr common.Address, name string) {
	code, err := c.CodeAt(ctx, addr, nil)
	if err != nil {
		log.Warn("Could not fetch contract code", "contract", name, "address", addr.Hex(), "message", err)
		return
	}
	if len(code) == 0 {
		log.Warn("No contract code is deployed at the provided address",
			"contract", name, "address", addr.Hex())
	}
}
