package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogSource is the read-only view of a chain that the scanner needs.
// *ethclient.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Scanner is a windowed log fetcher over a single log source. The cursor
// only advances after a fully successful fetch, so a failed range is
// retried on the next call and never skipped. Calls are serialized: cursor
// advancement is a read-modify-write.
type Scanner struct {
	mu sync.Mutex

	source      LogSource
	lastScanned uint64
	windowSize  uint64
	headOffset  uint64
}

// NewLatest creates a Scanner whose cursor starts at the current chain
// head, so only new activity is scanned, not historical backlog.
func NewLatest(ctx context.Context, source LogSource, windowSize uint64) (*Scanner, error) {
	head, err := source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain head: %w", err)
	}
	return &Scanner{
		source:      source,
		lastScanned: head,
		windowSize:  windowSize,
	}, nil
}

// WithOffset sets the confirmation offset withheld from the chain head and
// rewinds the cursor by the same amount so the withheld blocks are not
// permanently skipped.
func (s *Scanner) WithOffset(offset uint64) *Scanner {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.headOffset = offset
	if s.lastScanned > offset {
		s.lastScanned -= offset
	} else {
		s.lastScanned = 0
	}
	return s
}

// LastScanned returns the current cursor position.
func (s *Scanner) LastScanned() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScanned
}

// Next fetches the next window of logs matching the given address and topic
// filters. It returns an empty slice when the confirmed head has not moved
// past the cursor yet.
func (s *Scanner) Next(ctx context.Context, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain head: %w", err)
	}

	if head <= s.headOffset {
		return nil, nil
	}
	targetEnd := head - s.headOffset
	if targetEnd <= s.lastScanned {
		return nil, nil
	}

	from := s.lastScanned + 1
	to := from + s.windowSize - 1
	if to > targetEnd {
		to = targetEnd
	}

	logs, err := s.source.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addresses,
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching logs [%d, %d]: %w", from, to, err)
	}

	s.lastScanned = to
	return logs, nil
}
