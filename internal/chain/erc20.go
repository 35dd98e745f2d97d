package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotERC20         = errors.New("chain: contract is not ERC20-like")
	ErrEmptyReturn      = errors.New("chain: call returned no data")
	ErrTransferRejected = errors.New("chain: transfer returned false")
	ErrNotTransferLog   = errors.New("chain: log is not an ERC20 Transfer")
)

// ERC20 ABI covering metadata, ownership, transfer and the Transfer event
const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"owner","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// ERC20ABI is the parsed token ABI shared by callers and test fakes.
var ERC20ABI abi.ABI

// TransferEventSig is topic[0] of an ERC20 Transfer log.
var TransferEventSig common.Hash

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse erc20 abi: %v", err))
	}
	ERC20ABI = parsed
	TransferEventSig = parsed.Events["Transfer"].ID
}

// Metadata is the result of a successful ERC20 probe.
type Metadata struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *big.Int
}

// ERC20 performs typed read-only calls against token contracts.
type ERC20 struct {
	reader Reader
}

// NewERC20 returns an ERC20 caller backed by reader.
func NewERC20(reader Reader) *ERC20 {
	return &ERC20{reader: reader}
}

func (e *ERC20) call(ctx context.Context, from common.Address, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := ERC20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := e.reader.Call(ctx, ethereum.CallMsg{From: from, To: &token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrEmptyReturn)
	}
	values, err := ERC20ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrEmptyReturn)
	}
	return values, nil
}

func (e *ERC20) Name(ctx context.Context, token common.Address) (string, error) {
	v, err := e.call(ctx, common.Address{}, token, "name")
	if err != nil {
		return "", err
	}
	s, ok := v[0].(string)
	if !ok {
		return "", fmt.Errorf("name: unexpected type %T", v[0])
	}
	return s, nil
}

func (e *ERC20) Symbol(ctx context.Context, token common.Address) (string, error) {
	v, err := e.call(ctx, common.Address{}, token, "symbol")
	if err != nil {
		return "", err
	}
	s, ok := v[0].(string)
	if !ok {
		return "", fmt.Errorf("symbol: unexpected type %T", v[0])
	}
	return s, nil
}

func (e *ERC20) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	v, err := e.call(ctx, common.Address{}, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := v[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", v[0])
	}
	return d, nil
}

func (e *ERC20) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	return e.uint256(ctx, token, "totalSupply")
}

func (e *ERC20) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return e.uint256(ctx, token, "balanceOf", holder)
}

// Owner calls the Ownable-style owner() accessor.
func (e *ERC20) Owner(ctx context.Context, token common.Address) (common.Address, error) {
	v, err := e.call(ctx, common.Address{}, token, "owner")
	if err != nil {
		return common.Address{}, err
	}
	a, ok := v[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("owner: unexpected type %T", v[0])
	}
	return a, nil
}

func (e *ERC20) uint256(ctx context.Context, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	v, err := e.call(ctx, common.Address{}, token, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := v[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected type %T", method, v[0])
	}
	return n, nil
}

// SimulateTransfer executes transfer(to, amount) as an eth_call from the
// given sender. Nothing is broadcast.
func (e *ERC20) SimulateTransfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	v, err := e.call(ctx, from, token, "transfer", to, amount)
	if err != nil {
		return err
	}
	if ok, isBool := v[0].(bool); isBool && !ok {
		return ErrTransferRejected
	}
	return nil
}

// Probe calls name, symbol, decimals and totalSupply concurrently. All four
// must succeed for the contract to count as a token; any failure is reported
// as ErrNotERC20 wrapping the first cause.
func (e *ERC20) Probe(ctx context.Context, token common.Address) (*Metadata, error) {
	var md Metadata
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		md.Name, err = e.Name(gctx, token)
		return err
	})
	g.Go(func() (err error) {
		md.Symbol, err = e.Symbol(gctx, token)
		return err
	})
	g.Go(func() (err error) {
		md.Decimals, err = e.Decimals(gctx, token)
		return err
	})
	g.Go(func() (err error) {
		md.TotalSupply, err = e.TotalSupply(gctx, token)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotERC20, token.Hex(), err)
	}
	return &md, nil
}

// Transfer is a decoded ERC20 Transfer event.
type Transfer struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	TxHash      common.Hash
}

// DecodeTransfer decodes an ERC20 Transfer log.
func DecodeTransfer(l types.Log) (Transfer, error) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferEventSig {
		return Transfer{}, ErrNotTransferLog
	}
	values, err := ERC20ABI.Unpack("Transfer", l.Data)
	if err != nil || len(values) != 1 {
		return Transfer{}, fmt.Errorf("%w: %v", ErrNotTransferLog, err)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return Transfer{}, ErrNotTransferLog
	}
	return Transfer{
		Token:       l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       value,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
	}, nil
}

// IsRevert reports whether err is an execution revert from the node.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "revert")
}
