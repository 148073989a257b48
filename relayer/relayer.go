package relayer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/statebridge/root-relayer/metrics"
	"github.com/statebridge/root-relayer/store"
	"github.com/statebridge/root-relayer/txmgr"
)

// ErrAlreadyRunning represents the error when Start is called twice.
var ErrAlreadyRunning = errors.New("relayer is already running")

// checkRetryInterval is the shortened wait before re-running a failed check
// when retry-on-error is enabled; otherwise a failure simply waits for the
// next regular tick.
const checkRetryInterval = 30 * time.Second

// StateOracle answers whether the two registries agree and issues
// propagation transactions.
type StateOracle interface {
	LatestBridgedRoot(ctx context.Context) (*big.Int, error)
	LatestCanonicalRoot(ctx context.Context) (*big.Int, error)
	IsRootMined(ctx context.Context, root *big.Int) (bool, error)
	PropagateRoot(ctx context.Context) (txmgr.TxID, error)
}

// RootScanner observes the two tracked event streams. Optional.
type RootScanner interface {
	ScanPropagatedRoots(ctx context.Context) ([]*big.Int, error)
	ScanAddedRoots(ctx context.Context) ([]*big.Int, error)
}

// TxMiner tracks and confirms outstanding transactions.
type TxMiner interface {
	Mine(ctx context.Context, id txmgr.TxID) (bool, error)
	Pending() []txmgr.TxID
	IsPending(id txmgr.TxID) bool
}

// StatusStore is the durable singleton sync status record.
type StatusStore interface {
	Initialize(ctx context.Context) error
	SetStatus(ctx context.Context, status store.Status) error
	GetStatus(ctx context.Context) (*store.SyncStatus, error)
}

// Relayer runs the checker and propagator loops. The checker polls the
// chains on a fixed interval and flips the durable status; the propagator
// waits on a coalescing wake signal, re-validates against the store and
// submits propagation transactions; the miner loop confirms them.
type Relayer struct {
	cfg     *Config
	oracle  StateOracle
	miner   TxMiner
	status  StatusStore
	scanner RootScanner

	// wake carries at most one pending wake-up for the propagator. Raises
	// while one is already pending coalesce; the propagator re-validates
	// against the store, so a lost raise is never a lost propagation.
	wake     chan struct{}
	minedTxs chan txmgr.TxID

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRelayer wires the scheduler. scanner may be nil to disable the
// observation loop.
func NewRelayer(cfg *Config, oracle StateOracle, miner TxMiner, status StatusStore, scanner RootScanner) *Relayer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relayer{
		cfg:      cfg,
		oracle:   oracle,
		miner:    miner,
		status:   status,
		scanner:  scanner,
		wake:     make(chan struct{}, 1),
		minedTxs: make(chan txmgr.TxID, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start initializes the durable status row and launches the loops.
func (r *Relayer) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if err := r.status.Initialize(r.ctx); err != nil {
		r.running.Store(false)
		return err
	}

	r.wg.Add(3)
	go r.checkLoop()
	go r.propagateLoop()
	go r.mineLoop()

	if r.scanner != nil {
		r.wg.Add(1)
		go r.observeLoop()
	}

	log.Info("Relayer started", "check_interval", r.cfg.CheckInterval,
		"min_propagation_delay", r.cfg.MinPropagationDelay)
	return nil
}

// Stop cancels all loops and waits for them to exit.
func (r *Relayer) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.wg.Wait()
	log.Info("Relayer stopped")
}

// checkLoop runs checkOnce on a fixed timer. Errors are logged and the
// check is retried on the next tick, or sooner with retry-on-error.
func (r *Relayer) checkLoop() {
	defer r.wg.Done()

	// The first check fires immediately so divergence that predates this
	// process is acted on at startup, not a full interval later.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-r.ctx.Done():
			return
		}

		wait := r.cfg.CheckInterval
		if err := r.checkOnce(r.ctx); err != nil {
			log.Error("Sync check failed", "message", err)
			metrics.RelayerStats.CheckErrorsCounter.Inc()
			if r.cfg.RetryOnError && checkRetryInterval < wait {
				wait = checkRetryInterval
			}
		}
		timer.Reset(wait)
	}
}

// checkOnce performs one three-way chain-state comparison and applies the
// status decision table.
func (r *Relayer) checkOnce(ctx context.Context) error {
	canonical, err := r.oracle.LatestCanonicalRoot(ctx)
	if err != nil {
		return err
	}
	bridged, err := r.oracle.LatestBridgedRoot(ctx)
	if err != nil {
		return err
	}

	isSynced, err := r.oracle.IsRootMined(ctx, canonical)
	if err != nil {
		return err
	}

	status, err := r.status.GetStatus(ctx)
	if err != nil {
		return err
	}
	isPending := status.Status == store.StatusPending

	log.Debug("Sync check", "canonical_root", canonical, "bridged_root", bridged,
		"is_synced", isSynced, "status", status.Status)
	metrics.RelayerStats.ChecksCounter.Inc()

	switch {
	case isSynced && isPending:
		if err := r.status.SetStatus(ctx, store.StatusSynced); err != nil {
			return err
		}
		metrics.RelayerStats.SyncStatusGauge.Set(2)
		metrics.RelayerStats.LastSyncedTimestampGauge.SetToCurrentTime()
		log.Info("Roots back in agreement", "root", canonical)
	case isSynced || isPending:
		// Either already in agreement with nothing outstanding, or a
		// propagation is in flight. Submitting again would double-spend.
	default:
		if err := r.status.SetStatus(ctx, store.StatusUnsynced); err != nil {
			return err
		}
		metrics.RelayerStats.SyncStatusGauge.Set(0)
		log.Info("Root divergence detected", "canonical_root", canonical, "bridged_root", bridged)
		r.wakePropagator()
	}
	return nil
}

// wakePropagator raises the coalescing wake signal without blocking.
func (r *Relayer) wakePropagator() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// propagateLoop suspends on the wake signal and submits propagation
// attempts, rate limited by the configured minimum delay.
func (r *Relayer) propagateLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}

		if err := r.propagateOnce(r.ctx); err != nil {
			log.Error("Propagation attempt failed", "message", err)
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.cfg.MinPropagationDelay):
		}
	}
}

// propagateOnce re-validates against the durable store, drains outstanding
// transactions to a clean slate and submits a propagation. The wake signal
// is a hint, not a command: it may be stale by the time it is consumed, so
// only the store decides whether to proceed.
func (r *Relayer) propagateOnce(ctx context.Context) error {
	status, err := r.status.GetStatus(ctx)
	if err != nil {
		return err
	}
	if status.Status != store.StatusUnsynced {
		log.Debug("Woken without divergence, nothing to do", "status", status.Status)
		return nil
	}

	for _, id := range r.miner.Pending() {
		// Only a clean slate matters here, not the outcome of each
		// transaction.
		if _, err := r.miner.Mine(ctx, id); err != nil {
			log.Warn("Could not resolve outstanding transaction", "tx_id", id, "message", err)
		}
	}

	id, err := r.oracle.PropagateRoot(ctx)
	if err != nil {
		return err
	}
	log.Info("Propagation submitted", "tx_id", id)
	metrics.RelayerStats.PropagationsCounter.Inc()

	select {
	case r.minedTxs <- id:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.status.SetStatus(ctx, store.StatusPending); err != nil {
		return err
	}
	metrics.RelayerStats.SyncStatusGauge.Set(1)
	return nil
}

// mineLoop confirms forwarded transactions until they resolve.
func (r *Relayer) mineLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case id := <-r.minedTxs:
			r.mineTransaction(id)
		}
	}
}

// mineTransaction polls a single transaction until it is included, dropped
// or the relayer shuts down.
func (r *Relayer) mineTransaction(id txmgr.TxID) {
	ticker := time.NewTicker(r.cfg.MinePollInterval)
	defer ticker.Stop()

	for {
		mined, err := r.miner.Mine(r.ctx, id)
		if err != nil {
			log.Error("Receipt poll failed", "tx_id", id, "message", err)
		}
		if mined {
			log.Info("Propagation mined", "tx_id", id)
			metrics.RelayerStats.MinedCounter.Inc()
			return
		}
		if err == nil && !r.miner.IsPending(id) {
			// Resolved without success, e.g. reverted. The row must not
			// stay pending: the checker treats pending as
			// propagation-in-flight and would never submit again.
			log.Warn("Transaction resolved without success", "tx_id", id)
			if err := r.status.SetStatus(r.ctx, store.StatusUnsynced); err != nil {
				log.Error("Could not reset sync status", "message", err)
			} else {
				metrics.RelayerStats.SyncStatusGauge.Set(0)
			}
			r.wakePropagator()
			return
		}

		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// observeLoop advances the event scanners and counts the observed roots.
func (r *Relayer) observeLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		added, err := r.scanner.ScanAddedRoots(r.ctx)
		if err != nil {
			log.Error("Registry scan failed", "message", err)
		} else if len(added) > 0 {
			log.Info("Observed new roots on bridged registry", "count", len(added), "latest", added[len(added)-1])
			metrics.RelayerStats.RootsAddedCounter.Add(float64(len(added)))
		}

		propagated, err := r.scanner.ScanPropagatedRoots(r.ctx)
		if err != nil {
			log.Error("Bridge scan failed", "message", err)
		} else if len(propagated) > 0 {
			log.Info("Observed propagated roots", "count", len(propagated), "latest", propagated[len(propagated)-1])
			metrics.RelayerStats.RootsPropagatedCounter.Add(float64(len(propagated)))
		}
	}
}
