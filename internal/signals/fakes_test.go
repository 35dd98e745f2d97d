package signals

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tokensentry/internal/chain"
	"github.com/mbd888/tokensentry/internal/indexer"
	"github.com/mbd888/tokensentry/internal/token"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	creator   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	ownerAddr = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

func addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

func record(supply, creatorBalance int64) *token.Record {
	return &token.Record{
		Address:        tokenAddr,
		Name:           "Test Token",
		Symbol:         "TST",
		Decimals:       18,
		TotalSupply:    big.NewInt(supply),
		Creator:        creator,
		CreatorBalance: big.NewInt(creatorBalance),
	}
}

type fakeTransfers struct {
	txs   []indexer.Transfer
	err   error
	calls int
	last  uint64
}

func (f *fakeTransfers) Recent(ctx context.Context, tok common.Address, window uint64) ([]chain.Transfer, error) {
	f.calls++
	f.last = window
	if f.err != nil {
		return nil, f.err
	}
	out := make([]chain.Transfer, len(f.txs))
	for i, t := range f.txs {
		out[i] = t.Transfer
	}
	return out, nil
}

func (f *fakeTransfers) RecentTimed(ctx context.Context, tok common.Address, window uint64) ([]indexer.Transfer, error) {
	f.calls++
	f.last = window
	return f.txs, f.err
}

func transfer(from, to common.Address, value int64, at time.Time) indexer.Transfer {
	return indexer.Transfer{
		Transfer:  chain.Transfer{Token: tokenAddr, From: from, To: to, Value: big.NewInt(value)},
		Timestamp: at,
	}
}

type fakeExplorer struct {
	verification *Verification
	verifyErr    error
	txs          []ExplorerTx
	txsErr       error
	info         *AddressInfo
	infoErr      error
	counts       map[common.Address]int64
	countErr     error
}

func (f *fakeExplorer) Verification(ctx context.Context, a common.Address) (*Verification, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verification == nil {
		return &Verification{}, nil
	}
	return f.verification, nil
}

func (f *fakeExplorer) Transactions(ctx context.Context, a common.Address) ([]ExplorerTx, error) {
	return f.txs, f.txsErr
}

func (f *fakeExplorer) AddressInfo(ctx context.Context, a common.Address) (*AddressInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	if f.info == nil {
		return &AddressInfo{}, nil
	}
	return f.info, nil
}

func (f *fakeExplorer) TransactionCount(ctx context.Context, a common.Address) (int64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.counts[a], nil
}

type fakeFeed struct {
	mu     sync.Mutex
	prices map[string]*Price
	errs   map[string]error
	calls  map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		prices: make(map[string]*Price),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeFeed) set(id, price, conf string) {
	f.prices[id] = &Price{
		FeedID: id,
		Price:  decimal.RequireFromString(price),
		Conf:   decimal.RequireFromString(conf),
		Expo:   -8,
	}
}

func (f *fakeFeed) LatestPrice(ctx context.Context, id string) (*Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	p, ok := f.prices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (f *fakeFeed) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func plain(txs []indexer.Transfer) []chain.Transfer {
	out := make([]chain.Transfer, len(txs))
	for i, t := range txs {
		out[i] = t.Transfer
	}
	return out
}
