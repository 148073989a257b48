package bridge

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const stateBridgeABI = `[
	{"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"bridgedRegistry","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"canonicalRegistry","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"propagateRoot","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"root","type":"uint256"}],"name":"RootPropagated","type":"event"}
]`

const bridgedRegistryABI = `[
	{"inputs":[],"name":"latestRoot","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"root","type":"uint256"}],"name":"rootHistory","outputs":[{"internalType":"uint128","name":"","type":"uint128"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"root","type":"uint256"},{"indexed":false,"internalType":"uint128","name":"timestamp","type":"uint128"}],"name":"RootAdded","type":"event"}
]`

const canonicalRegistryABI = `[
	{"inputs":[],"name":"latestRoot","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"root","type":"uint256"}],"name":"queryRoot","outputs":[{"internalType":"uint256","name":"root","type":"uint256"},{"internalType":"uint128","name":"supersededTimestamp","type":"uint128"}],"stateMutability":"view","type":"function"}
]`

var (
	bridgeABI    abi.ABI
	bridgedABI   abi.ABI
	canonicalABI abi.ABI
)

func init() {
	var err error
	if bridgeABI, err = abi.JSON(strings.NewReader(stateBridgeABI)); err != nil {
		panic(err)
	}
	if bridgedABI, err = abi.JSON(strings.NewReader(bridgedRegistryABI)); err != nil {
		panic(err)
	}
	if canonicalABI, err = abi.JSON(strings.NewReader(canonicalRegistryABI)); err != nil {
		panic(err)
	}
}
