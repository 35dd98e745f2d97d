package signals

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/tokensentry/internal/circuitbreaker"
)

// DefaultBlockscoutURL is the Ethereum mainnet Blockscout instance.
const DefaultBlockscoutURL = "https://eth.blockscout.com"

// Verification is a contract's source-verification status.
type Verification struct {
	Verified        bool
	SourceCode      string
	CompilerVersion string
}

// ExplorerTx is a transaction touching an address, as reported by the explorer.
type ExplorerTx struct {
	Hash      string
	Timestamp time.Time
	GasUsed   uint64
	Success   bool
}

// AddressInfo describes an address's creation.
type AddressInfo struct {
	IsContract bool
	Creator    *common.Address
	CreationTx string
}

// Explorer is the block-explorer capability used by the verification and
// contract-analysis providers.
type Explorer interface {
	Verification(ctx context.Context, addr common.Address) (*Verification, error)
	Transactions(ctx context.Context, addr common.Address) ([]ExplorerTx, error)
	AddressInfo(ctx context.Context, addr common.Address) (*AddressInfo, error)
	TransactionCount(ctx context.Context, addr common.Address) (int64, error)
}

// BlockscoutClient implements Explorer against the Blockscout v2 REST API.
type BlockscoutClient struct {
	baseURL string
	apiKey  string
	http    upstream
}

var _ Explorer = (*BlockscoutClient)(nil)

// NewBlockscoutClient creates a client. An empty baseURL selects
// DefaultBlockscoutURL; apiKey is optional.
func NewBlockscoutClient(baseURL, apiKey string, breaker *circuitbreaker.Breaker) *BlockscoutClient {
	if baseURL == "" {
		baseURL = DefaultBlockscoutURL
	}
	return &BlockscoutClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    newUpstream("blockscout", breaker),
	}
}

func (c *BlockscoutClient) endpoint(path string) string {
	u := c.baseURL + "/api/v2" + path
	if c.apiKey != "" {
		u += "?" + url.Values{"apikey": {c.apiKey}}.Encode()
	}
	return u
}

// Verification treats a 404 as "not verified".
func (c *BlockscoutClient) Verification(ctx context.Context, addr common.Address) (*Verification, error) {
	var resp struct {
		IsVerified      bool   `json:"is_verified"`
		SourceCode      string `json:"source_code"`
		CompilerVersion string `json:"compiler_version"`
	}
	err := c.http.getJSON(ctx, c.endpoint("/smart-contracts/"+addr.Hex()), &resp)
	if errors.Is(err, ErrNotFound) {
		return &Verification{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Verification{
		Verified:        resp.IsVerified,
		SourceCode:      resp.SourceCode,
		CompilerVersion: resp.CompilerVersion,
	}, nil
}

// Transactions returns the first page of transactions for addr.
func (c *BlockscoutClient) Transactions(ctx context.Context, addr common.Address) ([]ExplorerTx, error) {
	var resp struct {
		Items []struct {
			Hash      string `json:"hash"`
			Timestamp string `json:"timestamp"`
			GasUsed   string `json:"gas_used"`
			Status    string `json:"status"`
		} `json:"items"`
	}
	err := c.http.getJSON(ctx, c.endpoint("/addresses/"+addr.Hex()+"/transactions"), &resp)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	txs := make([]ExplorerTx, 0, len(resp.Items))
	for _, it := range resp.Items {
		ts, err := time.Parse(time.RFC3339Nano, it.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("blockscout: tx %s timestamp: %w", it.Hash, err)
		}
		gas, _ := strconv.ParseUint(it.GasUsed, 10, 64)
		txs = append(txs, ExplorerTx{
			Hash:      it.Hash,
			Timestamp: ts,
			GasUsed:   gas,
			Success:   it.Status == "ok",
		})
	}
	return txs, nil
}

func (c *BlockscoutClient) AddressInfo(ctx context.Context, addr common.Address) (*AddressInfo, error) {
	var resp struct {
		IsContract         bool   `json:"is_contract"`
		CreatorAddressHash string `json:"creator_address_hash"`
		CreationTxHash     string `json:"creation_tx_hash"`
	}
	if err := c.http.getJSON(ctx, c.endpoint("/addresses/"+addr.Hex()), &resp); err != nil {
		return nil, err
	}
	info := &AddressInfo{IsContract: resp.IsContract, CreationTx: resp.CreationTxHash}
	if common.IsHexAddress(resp.CreatorAddressHash) {
		creator := common.HexToAddress(resp.CreatorAddressHash)
		info.Creator = &creator
	}
	return info, nil
}

// TransactionCount returns how many transactions addr has sent or received.
func (c *BlockscoutClient) TransactionCount(ctx context.Context, addr common.Address) (int64, error) {
	var resp struct {
		TransactionsCount string `json:"transactions_count"`
	}
	err := c.http.getJSON(ctx, c.endpoint("/addresses/"+addr.Hex()+"/counters"), &resp)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if resp.TransactionsCount == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(resp.TransactionsCount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("blockscout: transactions_count %q: %w", resp.TransactionsCount, err)
	}
	return n, nil
}

// DetectContractType classifies verified source by the first matching marker.
func DetectContractType(source string) string {
	switch {
	case source == "":
		return "unverified"
	case strings.Contains(source, "ERC20") || strings.Contains(source, "transfer"):
		return "erc20"
	case strings.Contains(source, "ERC721") || strings.Contains(source, "tokenId"):
		return "nft"
	case strings.Contains(source, "proxy") || strings.Contains(source, "implementation"):
		return "proxy"
	case strings.Contains(source, "selfdestruct"):
		return "self_destructible"
	default:
		return "custom"
	}
}
