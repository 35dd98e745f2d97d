// Package chain is the read-only blockchain capability used by the scanner,
// the token collector, and the on-chain signal providers.
//
// Everything above this package talks to a Reader. The go-ethereum client is
// wrapped by EthReader; tests use the fake in chain/chaintest.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrReceiptPending = errors.New("chain: receipt not yet available")
	ErrNoContract     = errors.New("chain: transaction deployed no contract")
	ErrRPCConnection  = errors.New("chain: RPC connection failed")
)

// Transaction is the part of a block transaction the pipeline looks at.
type Transaction struct {
	Hash        common.Hash
	From        common.Address
	To          *common.Address // nil for contract creation
	Input       []byte
	BlockNumber uint64
	Gas         uint64
	GasPrice    *big.Int
}

// IsCreation reports whether the transaction has no recipient.
func (tx Transaction) IsCreation() bool {
	return tx.To == nil
}

// Reader is the abstract chain-access capability.
type Reader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTransactions(ctx context.Context, number uint64) ([]Transaction, error)
	// DeployedAddress returns the contract created by txHash, ErrReceiptPending
	// if the receipt is not indexed yet, or ErrNoContract.
	DeployedAddress(ctx context.Context, txHash common.Hash) (common.Address, error)
	Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	Code(ctx context.Context, addr common.Address) ([]byte, error)
	Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockTime(ctx context.Context, number uint64) (uint64, error)
}

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// EthReader implements Reader on top of an Ethereum JSON-RPC client.
type EthReader struct {
	client  EthClient
	signer  types.Signer
	chainID *big.Int
}

// Compile-time interface check
var _ Reader = (*EthReader)(nil)

// Dial connects to rpcURL and returns a Reader bound to the node's chain ID.
func Dial(ctx context.Context, rpcURL string) (*EthReader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	r, err := NewEthReader(ctx, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

// NewEthReader wraps an existing client. The chain ID is needed to recover
// transaction senders.
func NewEthReader(ctx context.Context, client EthClient) (*EthReader, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", ErrRPCConnection, err)
	}
	return &EthReader{
		client:  client,
		signer:  types.LatestSignerForChainID(chainID),
		chainID: chainID,
	}, nil
}

// ChainID returns the chain the reader is connected to.
func (r *EthReader) ChainID() *big.Int {
	return new(big.Int).Set(r.chainID)
}

func (r *EthReader) BlockNumber(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}

// BlockTransactions fetches a block with its transactions. Transactions whose
// sender cannot be recovered (unsupported envelope types) are skipped.
func (r *EthReader) BlockTransactions(ctx context.Context, number uint64) ([]Transaction, error) {
	block, err := r.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}

	txs := make([]Transaction, 0, len(block.Transactions()))
	for _, tx := range block.Transactions() {
		from, err := types.Sender(r.signer, tx)
		if err != nil {
			continue
		}
		txs = append(txs, Transaction{
			Hash:        tx.Hash(),
			From:        from,
			To:          tx.To(),
			Input:       tx.Data(),
			BlockNumber: block.NumberU64(),
			Gas:         tx.Gas(),
			GasPrice:    tx.GasPrice(),
		})
	}
	return txs, nil
}

func (r *EthReader) DeployedAddress(ctx context.Context, txHash common.Hash) (common.Address, error) {
	receipt, err := r.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return common.Address{}, ErrReceiptPending
		}
		return common.Address{}, fmt.Errorf("receipt %s: %w", txHash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed || receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, ErrNoContract
	}
	return receipt.ContractAddress, nil
}

func (r *EthReader) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return r.client.CallContract(ctx, msg, nil)
}

func (r *EthReader) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	return r.client.CodeAt(ctx, addr, nil)
}

func (r *EthReader) Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return r.client.FilterLogs(ctx, q)
}

func (r *EthReader) BlockTime(ctx context.Context, number uint64) (uint64, error) {
	header, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", number, err)
	}
	return header.Time, nil
}

// Close closes the client connection
func (r *EthReader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
