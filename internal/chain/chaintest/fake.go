// Package chaintest provides an in-memory chain.Reader whose contract calls
// return real ABI-encoded responses.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/tokensentry/internal/chain"
)

// ErrRevert mimics the error string a node returns for a reverted call.
var ErrRevert = errors.New("execution reverted")

// Token describes a fake contract's responses. A method listed in Fail
// returns that error instead of a value.
type Token struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *big.Int
	Owner       *common.Address
	Balances    map[common.Address]*big.Int
	Fail        map[string]error
	TransferErr error
}

// Reader is a fake chain.Reader. Fields may be set directly before use;
// methods are safe for concurrent use.
type Reader struct {
	mu sync.Mutex

	Head        uint64
	HeadErr     error
	Blocks      map[uint64][]chain.Transaction
	BlockErr    map[uint64]error
	Deployments map[common.Hash]common.Address
	// Pending counts how many receipt lookups report ErrReceiptPending
	// before the deployment becomes visible.
	Pending map[common.Hash]int
	Tokens  map[common.Address]*Token
	Codes   map[common.Address][]byte
	CodeErr error
	Events  []types.Log
	LogsErr error
	Times   map[uint64]uint64
	TimeErr error

	calls map[string]int
}

var _ chain.Reader = (*Reader)(nil)

// New returns an empty fake reader.
func New() *Reader {
	return &Reader{
		Blocks:      make(map[uint64][]chain.Transaction),
		BlockErr:    make(map[uint64]error),
		Deployments: make(map[common.Hash]common.Address),
		Pending:     make(map[common.Hash]int),
		Tokens:      make(map[common.Address]*Token),
		Codes:       make(map[common.Address][]byte),
		Times:       make(map[uint64]uint64),
		calls:       make(map[string]int),
	}
}

// Calls returns how many times the named contract method was invoked.
func (r *Reader) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// SetHead moves the chain head.
func (r *Reader) SetHead(n uint64) {
	r.mu.Lock()
	r.Head = n
	r.mu.Unlock()
}

// AddBlock appends transactions to block n.
func (r *Reader) AddBlock(n uint64, txs ...chain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range txs {
		txs[i].BlockNumber = n
	}
	r.Blocks[n] = append(r.Blocks[n], txs...)
}

// Deploy registers a contract-creation transaction in block n that deploys
// tok at addr, and returns the transaction.
func (r *Reader) Deploy(n uint64, from, addr common.Address, tok *Token) chain.Transaction {
	r.mu.Lock()
	hash := common.BigToHash(big.NewInt(int64(len(r.Deployments) + 1)))
	for {
		if _, taken := r.Deployments[hash]; !taken {
			break
		}
		hash = common.BigToHash(new(big.Int).Add(hash.Big(), big.NewInt(1)))
	}
	r.Deployments[hash] = addr
	if tok != nil {
		r.Tokens[addr] = tok
	}
	r.mu.Unlock()

	tx := chain.Transaction{
		Hash:     hash,
		From:     from,
		Input:    make([]byte, 512),
		Gas:      3_000_000,
		GasPrice: big.NewInt(1_000_000_000),
	}
	r.AddBlock(n, tx)
	tx.BlockNumber = n
	return tx
}

func (r *Reader) BlockNumber(_ context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Head, r.HeadErr
}

func (r *Reader) BlockTransactions(_ context.Context, n uint64) ([]chain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.BlockErr[n]; err != nil {
		return nil, err
	}
	out := make([]chain.Transaction, len(r.Blocks[n]))
	copy(out, r.Blocks[n])
	return out, nil
}

func (r *Reader) DeployedAddress(_ context.Context, hash common.Hash) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Pending[hash] > 0 {
		r.Pending[hash]--
		return common.Address{}, chain.ErrReceiptPending
	}
	addr, ok := r.Deployments[hash]
	if !ok {
		return common.Address{}, chain.ErrNoContract
	}
	return addr, nil
}

func (r *Reader) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, ErrRevert
	}
	method, err := chain.ERC20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, ErrRevert
	}

	r.mu.Lock()
	r.calls[method.Name]++
	tok, ok := r.Tokens[*msg.To]
	r.mu.Unlock()
	if !ok {
		// An address without code returns empty data, like a real node.
		return nil, nil
	}
	if err := tok.Fail[method.Name]; err != nil {
		return nil, err
	}

	switch method.Name {
	case "name":
		return method.Outputs.Pack(tok.Name)
	case "symbol":
		return method.Outputs.Pack(tok.Symbol)
	case "decimals":
		return method.Outputs.Pack(tok.Decimals)
	case "totalSupply":
		return method.Outputs.Pack(orZero(tok.TotalSupply))
	case "owner":
		if tok.Owner == nil {
			return nil, ErrRevert
		}
		return method.Outputs.Pack(*tok.Owner)
	case "balanceOf":
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		holder := args[0].(common.Address)
		return method.Outputs.Pack(orZero(tok.Balances[holder]))
	case "transfer":
		if tok.TransferErr != nil {
			return nil, tok.TransferErr
		}
		return method.Outputs.Pack(true)
	}
	return nil, fmt.Errorf("chaintest: unsupported method %s", method.Name)
}

func (r *Reader) Code(_ context.Context, addr common.Address) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CodeErr != nil {
		return nil, r.CodeErr
	}
	return r.Codes[addr], nil
}

func (r *Reader) Logs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LogsErr != nil {
		return nil, r.LogsErr
	}

	var out []types.Log
	for _, l := range r.Events {
		if !matches(q, l) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *Reader) BlockTime(_ context.Context, n uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.TimeErr != nil {
		return 0, r.TimeErr
	}
	return r.Times[n], nil
}

// AddTransfer appends a Transfer log for token.
func (r *Reader) AddTransfer(token, from, to common.Address, value *big.Int, block uint64) {
	l := TransferLog(token, from, to, value, block)
	r.mu.Lock()
	l.Index = uint(len(r.Events))
	l.TxHash = common.BigToHash(big.NewInt(int64(len(r.Events) + 1)))
	r.Events = append(r.Events, l)
	r.mu.Unlock()
}

// TransferLog builds an ABI-encoded ERC20 Transfer log.
func TransferLog(token, from, to common.Address, value *big.Int, block uint64) types.Log {
	data, err := chain.ERC20ABI.Events["Transfer"].Inputs.NonIndexed().Pack(value)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			chain.TransferEventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
	}
}

func matches(q ethereum.FilterQuery, l types.Log) bool {
	if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
		if len(l.Topics) == 0 || l.Topics[0] != q.Topics[0][0] {
			return false
		}
	}
	return true
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
