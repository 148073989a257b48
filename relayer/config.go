package relayer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli"

	"github.com/statebridge/root-relayer/flags"
)

// Config represents the configuration options for the relayer.
type Config struct {
	PrimaryHTTPURL           string
	SecondaryHTTPURL         string
	BridgeAddress            common.Address
	BridgedRegistryAddress   common.Address
	CanonicalRegistryAddress common.Address
	DBConnectionString       string

	ScanWindowSize      uint64
	ScanHeadOffset      uint64
	CheckInterval       time.Duration
	MinPropagationDelay time.Duration
	MinePollInterval    time.Duration
	RetryOnError        bool

	RPCHost string
	RPCPort int

	MetricsEnabled bool
	MetricsHTTP    string
	MetricsPort    int

	privateKey *ecdsa.PrivateKey
	chainID    *big.Int
}

// NewConfig creates a new Config from cli options.
func NewConfig(ctx *cli.Context) *Config {
	cfg := Config{}
	cfg.PrimaryHTTPURL = ctx.GlobalString(flags.PrimaryHTTPURLFlag.Name)
	cfg.SecondaryHTTPURL = ctx.GlobalString(flags.SecondaryHTTPURLFlag.Name)
	cfg.BridgeAddress = common.HexToAddress(ctx.GlobalString(flags.BridgeAddressFlag.Name))
	if addr := ctx.GlobalString(flags.BridgedRegistryAddressFlag.Name); addr != "" {
		cfg.BridgedRegistryAddress = common.HexToAddress(addr)
	}
	if addr := ctx.GlobalString(flags.CanonicalRegistryAddressFlag.Name); addr != "" {
		cfg.CanonicalRegistryAddress = common.HexToAddress(addr)
	}
	cfg.DBConnectionString = ctx.GlobalString(flags.DBConnectionStringFlag.Name)

	cfg.ScanWindowSize = ctx.GlobalUint64(flags.ScanWindowSizeFlag.Name)
	cfg.ScanHeadOffset = ctx.GlobalUint64(flags.ScanHeadOffsetFlag.Name)
	cfg.CheckInterval = time.Duration(ctx.GlobalUint64(flags.CheckIntervalSecondsFlag.Name)) * time.Second
	cfg.MinPropagationDelay = time.Duration(ctx.GlobalUint64(flags.MinPropagationDelaySecondsFlag.Name)) * time.Second
	cfg.MinePollInterval = time.Duration(ctx.GlobalUint64(flags.MinePollIntervalSecondsFlag.Name)) * time.Second
	cfg.RetryOnError = ctx.GlobalBool(flags.RetryOnErrorFlag.Name)

	cfg.RPCHost = ctx.GlobalString(flags.RPCHostFlag.Name)
	cfg.RPCPort = ctx.GlobalInt(flags.RPCPortFlag.Name)

	cfg.MetricsEnabled = ctx.GlobalBool(flags.MetricsEnabledFlag.Name)
	cfg.MetricsHTTP = ctx.GlobalString(flags.MetricsHTTPFlag.Name)
	cfg.MetricsPort = ctx.GlobalInt(flags.MetricsPortFlag.Name)

	if ctx.GlobalIsSet(flags.PrivateKeyFlag.Name) {
		hex := ctx.GlobalString(flags.PrivateKeyFlag.Name)
		hex = strings.TrimPrefix(hex, "0x")
		key, err := crypto.HexToECDSA(hex)
		if err != nil {
			log.Error(fmt.Sprintf("Option %q: %v", flags.PrivateKeyFlag.Name, err))
		}
		cfg.privateKey = key
	} else {
		log.Crit("No private key configured")
	}

	if ctx.GlobalIsSet(flags.ChainIDFlag.Name) {
		cfg.chainID = new(big.Int).SetUint64(ctx.GlobalUint64(flags.ChainIDFlag.Name))
	}

	return &cfg
}
