// Package token defines the immutable token record and the collector that
// builds it from a freshly deployed contract.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tokensentry/internal/chain"
)

var ErrZeroSupply = errors.New("token: total supply is zero")

// Record is the canonical metadata of a detected token. It is built once by
// the Collector and never modified; a re-detection produces a new Record.
type Record struct {
	Address         common.Address  `json:"address"`
	Name            string          `json:"name"`
	Symbol          string          `json:"symbol"`
	Decimals        uint8           `json:"decimals"`
	TotalSupply     *big.Int        `json:"totalSupply"`
	Owner           *common.Address `json:"owner,omitempty"`
	Creator         common.Address  `json:"creator"`
	CreatorBalance  *big.Int        `json:"creatorBalance"`
	DeploymentTx    common.Hash     `json:"deploymentTx"`
	DeploymentBlock uint64          `json:"deploymentBlock"`
	GasLimit        uint64          `json:"gasLimit"`
	GasPrice        *big.Int        `json:"gasPrice,omitempty"`
	DetectedAt      time.Time       `json:"detectedAt"`
}

// HasActiveOwner reports whether the record names a non-zero owner.
func (r *Record) HasActiveOwner() bool {
	return r.Owner != nil && *r.Owner != (common.Address{})
}

// PercentOf returns amount*100/totalSupply using integer division.
func (r *Record) PercentOf(amount *big.Int) (*big.Int, error) {
	if r.TotalSupply == nil || r.TotalSupply.Sign() == 0 {
		return nil, ErrZeroSupply
	}
	if amount == nil {
		return new(big.Int), nil
	}
	pct := new(big.Int).Mul(amount, big.NewInt(100))
	return pct.Quo(pct, r.TotalSupply), nil
}

// CreatorPercent is the creator-held share of supply, in whole percent.
func (r *Record) CreatorPercent() (*big.Int, error) {
	return r.PercentOf(r.CreatorBalance)
}

// CollectionError reports a metadata fetch that failed after the contract
// was already classified as a token.
type CollectionError struct {
	Address common.Address
	Field   string
	Err     error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("token: collect %s of %s: %v", e.Field, e.Address.Hex(), e.Err)
}

func (e *CollectionError) Unwrap() error { return e.Err }

// Collector gathers token metadata over a chain.Reader.
type Collector struct {
	erc20 *chain.ERC20
	now   func() time.Time
}

// NewCollector returns a Collector reading through reader.
func NewCollector(reader chain.Reader) *Collector {
	return &Collector{erc20: chain.NewERC20(reader), now: time.Now}
}

// WithClock overrides the detection timestamp source.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect builds the Record for addr deployed by tx. The four metadata
// calls run concurrently and any failure drops the token. A missing owner()
// accessor falls back to the deployer.
func (c *Collector) Collect(ctx context.Context, addr common.Address, tx chain.Transaction) (*Record, error) {
	rec := &Record{
		Address:         addr,
		Creator:         tx.From,
		DeploymentTx:    tx.Hash,
		DeploymentBlock: tx.BlockNumber,
		GasLimit:        tx.Gas,
		GasPrice:        tx.GasPrice,
	}

	g, gctx := errgroup.WithContext(ctx)
	field := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				return &CollectionError{Address: addr, Field: name, Err: err}
			}
			return nil
		})
	}
	field("name", func() (err error) {
		rec.Name, err = c.erc20.Name(gctx, addr)
		return err
	})
	field("symbol", func() (err error) {
		rec.Symbol, err = c.erc20.Symbol(gctx, addr)
		return err
	})
	field("totalSupply", func() (err error) {
		rec.TotalSupply, err = c.erc20.TotalSupply(gctx, addr)
		return err
	})
	field("decimals", func() (err error) {
		rec.Decimals, err = c.erc20.Decimals(gctx, addr)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	owner, err := c.erc20.Owner(ctx, addr)
	if err != nil {
		owner = tx.From
	}
	rec.Owner = &owner

	balance, err := c.erc20.BalanceOf(ctx, addr, tx.From)
	if err != nil {
		return nil, &CollectionError{Address: addr, Field: "creatorBalance", Err: err}
	}
	rec.CreatorBalance = balance
	rec.DetectedAt = c.now().UTC()
	return rec, nil
}
