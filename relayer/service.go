package relayer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/statebridge/root-relayer/bridge"
	"github.com/statebridge/root-relayer/metrics"
	"github.com/statebridge/root-relayer/server"
	"github.com/statebridge/root-relayer/store"
	"github.com/statebridge/root-relayer/txmgr"
)

// Service assembles the relayer with its external collaborators: the two
// chain clients, the transaction manager, the durable store, the status API
// and the metrics server.
type Service struct {
	cfg     *Config
	relayer *Relayer
	api     *server.Server
	metrics *http.Server
	store   *store.Store

	primary   *ethclient.Client
	secondary *ethclient.Client
}

// NewService dials the chain endpoints, verifies the contracts and wires
// the relayer. Fatal misconfiguration (unreachable database, signer that is
// not the bridge owner) surfaces here.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	if cfg.privateKey == nil {
		return nil, txmgr.ErrNoPrivateKey
	}

	log.Info("Connecting to secondary chain", "url", cfg.SecondaryHTTPURL)
	secondary, err := ethclient.DialContext(ctx, cfg.SecondaryHTTPURL)
	if err != nil {
		return nil, fmt.Errorf("dialing secondary chain: %w", err)
	}
	if err := ensureConnection(ctx, secondary); err != nil {
		return nil, fmt.Errorf("secondary chain unreachable: %w", err)
	}

	log.Info("Connecting to primary chain", "url", cfg.PrimaryHTTPURL)
	primary, err := ethclient.DialContext(ctx, cfg.PrimaryHTTPURL)
	if err != nil {
		return nil, fmt.Errorf("dialing primary chain: %w", err)
	}
	if err := ensureConnection(ctx, primary); err != nil {
		return nil, fmt.Errorf("primary chain unreachable: %w", err)
	}

	chainID := cfg.chainID
	remoteChainID, err := secondary.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}
	if chainID == nil {
		chainID = remoteChainID
	} else if chainID.Cmp(remoteChainID) != 0 {
		return nil, fmt.Errorf("wrong chain id: configured with %d and got %d", chainID, remoteChainID)
	}

	txm, err := txmgr.NewTxManager(secondary, cfg.privateKey, chainID)
	if err != nil {
		return nil, err
	}
	if err := txm.ReconcileNonce(ctx); err != nil {
		return nil, fmt.Errorf("reconciling nonce state: %w", err)
	}

	oracle, err := bridge.Connect(ctx, bridge.Config{
		BridgeAddress:            cfg.BridgeAddress,
		BridgedRegistryAddress:   cfg.BridgedRegistryAddress,
		CanonicalRegistryAddress: cfg.CanonicalRegistryAddress,
		ScanWindowSize:           cfg.ScanWindowSize,
		ScanHeadOffset:           cfg.ScanHeadOffset,
	}, secondary, primary, txm)
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(ctx, cfg.DBConnectionString)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		relayer:   NewRelayer(cfg, oracle, txm, st, oracle),
		api:       server.NewServer(st, cfg.RPCHost, cfg.RPCPort),
		store:     st,
		primary:   primary,
		secondary: secondary,
	}, nil
}

// Start launches the relayer loops, the status API and, when enabled, the
// metrics server.
func (s *Service) Start() error {
	if err := s.relayer.Start(); err != nil {
		return err
	}
	s.api.Start()
	if s.cfg.MetricsEnabled {
		s.metrics = metrics.Serve(metrics.NewRegistry(), s.cfg.MetricsHTTP, s.cfg.MetricsPort)
	}
	return nil
}

// Stop shuts everything down in reverse order.
func (s *Service) Stop() {
	s.relayer.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.api.Stop(ctx); err != nil {
		log.Error("Status API shutdown failed", "message", err)
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			log.Error("Metrics server shutdown failed", "message", err)
		}
	}

	if err := s.store.Close(); err != nil {
		log.Error("Closing store failed", "message", err)
	}
	s.secondary.Close()
	s.primary.Close()
}

// ensureConnection verifies that the endpoint actually answers, retrying
// for up to 90 seconds. RPC nodes routinely come up after the relayer in
// containerized deployments.
func ensureConnection(ctx context.Context, client *ethclient.Client) error {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	retries := 0
	for ; true; <-t.C {
		_, err := client.ChainID(ctx)
		if err == nil {
			break
		}
		retries += 1
		if retries > 90 {
			return err
		}
	}
	return nil
}
