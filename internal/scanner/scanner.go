// Package scanner watches the chain for newly deployed ERC20 tokens.
//
// Every block is scanned for contract-creation transactions. Each deployed
// contract is probed for the ERC20 metadata accessors; the ones that answer
// are collected into a token.Record and emitted on the detection channel in
// block order, and in transaction order within a block.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tokensentry/internal/chain"
	"github.com/mbd888/tokensentry/internal/logging"
	"github.com/mbd888/tokensentry/internal/metrics"
	"github.com/mbd888/tokensentry/internal/retry"
	"github.com/mbd888/tokensentry/internal/token"
	"github.com/mbd888/tokensentry/internal/traces"
)

// ErrStopped is returned by OnNewBlock once the scanner has been stopped.
var ErrStopped = errors.New("scanner: stopped")

// ScanError is a block-level failure. The block is skipped, not retried.
type ScanError struct {
	Block uint64
	Op    string
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanner: block %d: %s: %v", e.Block, e.Op, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Config for the scanner
type Config struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
	// MinBytecodeSize is the creation input length a transaction must exceed
	// to be considered a token deployment.
	MinBytecodeSize int
	// ReceiptAttempts bounds how long a pending receipt is waited for.
	ReceiptAttempts int
	ReceiptDelay    time.Duration
	// Concurrency caps the candidates probed at once within a block.
	Concurrency int
	// Buffer is the capacity of the detection channel.
	Buffer int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:    12 * time.Second,
		StartBlock:      0,
		MinBytecodeSize: 100,
		ReceiptAttempts: 4,
		ReceiptDelay:    500 * time.Millisecond,
		Concurrency:     8,
		Buffer:          64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MinBytecodeSize <= 0 {
		c.MinBytecodeSize = d.MinBytecodeSize
	}
	if c.ReceiptAttempts <= 0 {
		c.ReceiptAttempts = d.ReceiptAttempts
	}
	if c.ReceiptDelay <= 0 {
		c.ReceiptDelay = d.ReceiptDelay
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Buffer <= 0 {
		c.Buffer = d.Buffer
	}
	return c
}

// Scanner detects new token deployments.
type Scanner struct {
	reader    chain.Reader
	erc20     *chain.ERC20
	collector *token.Collector
	config    Config
	logger    *slog.Logger

	// Watch state; single writer is the scan itself.
	mu        sync.Mutex
	seen      map[common.Address]struct{}
	lastBlock uint64
	next      uint64

	// Held for the duration of one block so blocks never interleave.
	scanMu sync.Mutex

	detections chan *token.Record
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	started    bool
}

// New creates a scanner reading through reader. Zero config fields take
// their defaults.
func New(reader chain.Reader, cfg Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Scanner{
		reader:     reader,
		erc20:      chain.NewERC20(reader),
		collector:  token.NewCollector(reader),
		config:     cfg,
		logger:     logger.With("component", "scanner"),
		seen:       make(map[common.Address]struct{}),
		detections: make(chan *token.Record, cfg.Buffer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// WithCollector replaces the token collector.
func (s *Scanner) WithCollector(c *token.Collector) *Scanner {
	s.collector = c
	return s
}

// Detections is closed by Stop after the in-flight block has finished.
func (s *Scanner) Detections() <-chan *token.Record {
	return s.detections
}

// LastBlock returns the most recently scanned block number.
func (s *Scanner) LastBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBlock
}

// Seen reports whether addr has already been handled.
func (s *Scanner) Seen(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[addr]
	return ok
}

// Start resolves the first block and begins polling in the background.
func (s *Scanner) Start(ctx context.Context) error {
	start := s.config.StartBlock
	if start == 0 {
		head, err := s.reader.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		start = head
	}

	s.mu.Lock()
	s.next = start
	s.started = true
	s.mu.Unlock()

	s.logger.Info("scanner started",
		"startBlock", start,
		"pollInterval", s.config.PollInterval,
		"minBytecodeSize", s.config.MinBytecodeSize,
	)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops accepting blocks, waits for the in-flight block and closes the
// detection channel. A detection blocked on a full channel is dropped.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)

		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}

		s.scanMu.Lock()
		close(s.detections)
		s.scanMu.Unlock()
		s.logger.Info("scanner stopped", "lastBlock", s.LastBlock())
	})
}

func (s *Scanner) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Scanner) pollLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		s.catchUp(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// catchUp scans every block from next up to the current head.
func (s *Scanner) catchUp(ctx context.Context) {
	head, err := s.reader.BlockNumber(ctx)
	if err != nil {
		metrics.ScanErrorsTotal.Inc()
		s.logger.Error("head lookup failed", "error", err)
		return
	}

	for {
		s.mu.Lock()
		n := s.next
		s.mu.Unlock()
		if n > head || ctx.Err() != nil || s.stopped() {
			return
		}
		// Failures are logged inside; the next block is scanned regardless.
		_ = s.OnNewBlock(ctx, n)
	}
}

// OnNewBlock scans block n. A block-level RPC failure is returned as a
// *ScanError after being logged; the block still counts as processed.
func (s *Scanner) OnNewBlock(ctx context.Context, n uint64) error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.stopped() {
		return ErrStopped
	}

	ctx, span := traces.StartSpan(ctx, "scanner.OnNewBlock", traces.Block(n))
	defer span.End()

	defer func() {
		s.mu.Lock()
		if n >= s.lastBlock {
			s.lastBlock = n
		}
		if n >= s.next {
			s.next = n + 1
		}
		s.mu.Unlock()
		metrics.LastScannedBlock.Set(float64(n))
	}()

	txs, err := s.reader.BlockTransactions(ctx, n)
	if err != nil {
		serr := &ScanError{Block: n, Op: "fetch transactions", Err: err}
		metrics.ScanErrorsTotal.Inc()
		traces.Fail(span, serr)
		s.logger.Error("block scan failed", logging.Block(n), "error", err)
		return serr
	}
	metrics.BlocksScannedTotal.Inc()

	var candidates []chain.Transaction
	for _, tx := range txs {
		if tx.IsCreation() && len(tx.Input) > s.config.MinBytecodeSize {
			candidates = append(candidates, tx)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	metrics.CandidatesTotal.Add(float64(len(candidates)))
	span.SetAttributes(traces.Candidates(len(candidates)))
	s.logger.Debug("contract deployments found", logging.Block(n), "candidates", len(candidates))

	// Results are indexed by position so emission keeps transaction order.
	found := make([]*token.Record, len(candidates))
	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for i, tx := range candidates {
		g.Go(func() error {
			found[i] = s.inspect(ctx, tx)
			return nil
		})
	}
	_ = g.Wait()

	for _, rec := range found {
		if rec == nil {
			continue
		}
		select {
		case s.detections <- rec:
		case <-s.stop:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// inspect resolves, probes and collects one candidate. It returns nil for
// anything that is not a new token.
func (s *Scanner) inspect(ctx context.Context, tx chain.Transaction) *token.Record {
	log := s.logger.With(logging.Block(tx.BlockNumber), "tx", tx.Hash.Hex())

	addr, err := retry.Value(ctx, s.config.ReceiptAttempts, s.config.ReceiptDelay, func() (common.Address, error) {
		a, err := s.reader.DeployedAddress(ctx, tx.Hash)
		if errors.Is(err, chain.ErrNoContract) {
			return a, retry.Permanent(err)
		}
		return a, err
	})
	switch {
	case errors.Is(err, chain.ErrNoContract):
		log.Debug("creation transaction deployed nothing")
		return nil
	case err != nil:
		log.Warn("deployment receipt unavailable", "error", err)
		return nil
	}

	if !s.claim(addr) {
		return nil
	}
	log = log.With("contract", addr.Hex())

	if _, err := s.erc20.Probe(ctx, addr); err != nil {
		metrics.ClassificationMissesTotal.Inc()
		log.Debug("contract is not an ERC20 token", "error", err)
		return nil
	}

	rec, err := s.collector.Collect(ctx, addr, tx)
	if err != nil {
		metrics.CollectionErrorsTotal.Inc()
		log.Warn("token data collection failed", "error", err)
		return nil
	}

	metrics.TokensDetectedTotal.Inc()
	log.Info("new token detected",
		"name", rec.Name,
		"symbol", rec.Symbol,
		"creator", rec.Creator.Hex(),
		"totalSupply", rec.TotalSupply.String(),
	)
	return rec
}

// claim marks addr as seen and reports whether this call was first.
func (s *Scanner) claim(addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[addr]; ok {
		return false
	}
	s.seen[addr] = struct{}{}
	return true
}
