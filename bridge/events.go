package bridge

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic hashes of the two tracked events.
var (
	RootAddedTopic      = crypto.Keccak256Hash([]byte("RootAdded(uint256,uint128)"))
	RootPropagatedTopic = crypto.Keccak256Hash([]byte("RootPropagated(uint256)"))
)

// RootAdded is emitted by the bridged registry when a new root is recorded.
type RootAdded struct {
	Root      *big.Int
	Timestamp *big.Int
}

// RootPropagated is emitted by the bridge when a root is propagated to the
// canonical registry.
type RootPropagated struct {
	Root *big.Int
}

// ParseRootAdded decodes a RootAdded event out of a raw log. The second
// return value is false when the log is not a RootAdded event.
func ParseRootAdded(l types.Log) (*RootAdded, bool) {
	if len(l.Topics) == 0 || l.Topics[0] != RootAddedTopic {
		return nil, false
	}
	values, err := bridgedABI.Events["RootAdded"].Inputs.Unpack(l.Data)
	if err != nil || len(values) != 2 {
		return nil, false
	}
	root, ok := values[0].(*big.Int)
	if !ok {
		return nil, false
	}
	timestamp, ok := values[1].(*big.Int)
	if !ok {
		return nil, false
	}
	return &RootAdded{Root: root, Timestamp: timestamp}, true
}

// ParseRootPropagated decodes a RootPropagated event out of a raw log. The
// second return value is false when the log is not a RootPropagated event.
func ParseRootPropagated(l types.Log) (*RootPropagated, bool) {
	if len(l.Topics) == 0 || l.Topics[0] != RootPropagatedTopic {
		return nil, false
	}
	values, err := bridgeABI.Events["RootPropagated"].Inputs.Unpack(l.Data)
	if err != nil || len(values) != 1 {
		return nil, false
	}
	root, ok := values[0].(*big.Int)
	if !ok {
		return nil, false
	}
	return &RootPropagated{Root: root}, true
}

// topicFilter builds the topic filter for a single event signature.
func topicFilter(topic common.Hash) [][]common.Hash {
	return [][]common.Hash{{topic}}
}
