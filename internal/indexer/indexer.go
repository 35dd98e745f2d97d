// Package indexer answers "recent Transfer events for a token" directly from
// chain logs, caching block timestamps in an LRU.
package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mbd888/tokensentry/internal/chain"
)

// DefaultTimeCacheSize is the number of block timestamps kept in memory.
const DefaultTimeCacheSize = 4096

// Transfer is a decoded Transfer event with its block timestamp.
type Transfer struct {
	chain.Transfer
	Timestamp time.Time
}

// Index reads Transfer logs through a chain.Reader.
type Index struct {
	reader chain.Reader
	times  *lru.Cache[uint64, time.Time]
}

// New creates an index. size <= 0 selects DefaultTimeCacheSize.
func New(reader chain.Reader, size int) (*Index, error) {
	if size <= 0 {
		size = DefaultTimeCacheSize
	}
	cache, err := lru.New[uint64, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}
	return &Index{reader: reader, times: cache}, nil
}

// Range returns Transfer events of token between from and to inclusive.
// Logs that do not decode as Transfer are skipped.
func (ix *Index) Range(ctx context.Context, token common.Address, from, to uint64) ([]chain.Transfer, error) {
	logs, err := ix.reader.Logs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{token},
		Topics:    [][]common.Hash{{chain.TransferEventSig}},
	})
	if err != nil {
		return nil, fmt.Errorf("indexer: logs %s [%d,%d]: %w", token.Hex(), from, to, err)
	}

	out := make([]chain.Transfer, 0, len(logs))
	for _, l := range logs {
		tr, err := chain.DecodeTransfer(l)
		if err != nil {
			continue
		}
		out = append(out, tr)
	}
	return out, nil
}

// Recent returns Transfer events of token in the last window blocks up to
// the current head.
func (ix *Index) Recent(ctx context.Context, token common.Address, window uint64) ([]chain.Transfer, error) {
	head, err := ix.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexer: head: %w", err)
	}
	var from uint64
	if window > 0 && head+1 > window {
		from = head + 1 - window
	}
	return ix.Range(ctx, token, from, head)
}

// RecentTimed is Recent with each transfer stamped with its block time.
func (ix *Index) RecentTimed(ctx context.Context, token common.Address, window uint64) ([]Transfer, error) {
	transfers, err := ix.Recent(ctx, token, window)
	if err != nil {
		return nil, err
	}
	out := make([]Transfer, len(transfers))
	for i, tr := range transfers {
		ts, err := ix.BlockTime(ctx, tr.BlockNumber)
		if err != nil {
			return nil, err
		}
		out[i] = Transfer{Transfer: tr, Timestamp: ts}
	}
	return out, nil
}

// BlockTime returns the timestamp of block n.
func (ix *Index) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	if ts, ok := ix.times.Get(n); ok {
		return ts, nil
	}
	secs, err := ix.reader.BlockTime(ctx, n)
	if err != nil {
		return time.Time{}, fmt.Errorf("indexer: block time %d: %w", n, err)
	}
	ts := time.Unix(int64(secs), 0).UTC()
	ix.times.Add(n, ts)
	return ts, nil
}
