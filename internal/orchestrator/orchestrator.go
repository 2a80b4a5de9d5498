// Package orchestrator runs the once-per-run global setup and teardown: bring
// the network up, generate and fund the mnemonic pool, publish it for the
// parallel workers, and later tear everything down again.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"WalletPool/internal/funder"
	"WalletPool/internal/logsink"
	"WalletPool/internal/pool"
)

var (
	ErrNetworkRequired = errors.New("network is required")
	ErrNoChains        = errors.New("at least one chain is required")
	ErrPrefixRequired  = errors.New("chain prefix is required")
	ErrFunderRequired  = errors.New("funder is required")
	ErrPoolFileEmpty   = errors.New("pool file is required")
	ErrNoDenoms        = errors.New("at least one denom is required")
)

// Network is the lifecycle the orchestrator drives.
type Network interface {
	Init(ctx context.Context) error
	Teardown(ctx context.Context) error
}

type Funder interface {
	FundWallets(ctx context.Context, mnemonics []string, rpc, prefix, feeDenom, denom string) (*funder.Receipt, error)
}

// Chain is one chain the pool is funded on, with the funder bound to its
// endpoints.
type Chain struct {
	Prefix   string
	RPC      string
	FeeDenom string
	Denoms   []string
	Funder   Funder
}

type Config struct {
	Logger  *zap.SugaredLogger
	Network Network
	// Chains are funded in order, every denom of a chain in order.
	Chains []Chain

	PoolFile    string
	PoolSize    int
	PoolWorkers int
	// RunDir receives funding.jsonl. Empty skips writing receipts.
	RunDir string

	// Generate defaults to pool.Generate.
	Generate func(ctx context.Context, log *zap.SugaredLogger, n, workers int) (*pool.Pool, error)
}

func (c *Config) Validate() error {
	if c.Network == nil {
		return ErrNetworkRequired
	}
	if len(c.Chains) == 0 {
		return ErrNoChains
	}
	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.Prefix == "" {
			return ErrPrefixRequired
		}
		if seen[ch.Prefix] {
			return fmt.Errorf("chain %q listed twice", ch.Prefix)
		}
		seen[ch.Prefix] = true
		if ch.Funder == nil {
			return fmt.Errorf("%w: chain %q", ErrFunderRequired, ch.Prefix)
		}
		if len(ch.Denoms) == 0 {
			return fmt.Errorf("%w: chain %q", ErrNoDenoms, ch.Prefix)
		}
	}
	if c.PoolFile == "" {
		return ErrPoolFileEmpty
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be > 0, got %d", c.PoolSize)
	}
	return nil
}

type Orchestrator struct {
	log *zap.SugaredLogger
	cfg *Config
}

func New(cfg *Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Generate == nil {
		cfg.Generate = pool.Generate
	}
	return &Orchestrator{log: cfg.Logger, cfg: cfg}, nil
}

type Result struct {
	Pool     *pool.Pool
	PoolFile string
	Receipts []*funder.Receipt
	Took     time.Duration
}

// Setup aborts on the first error. The network is left up so that a
// following Teardown can still clean it.
func (o *Orchestrator) Setup(ctx context.Context) (*Result, error) {
	start := time.Now()

	if err := o.cfg.Network.Init(ctx); err != nil {
		return nil, err
	}

	p, err := o.cfg.Generate(ctx, o.log, o.cfg.PoolSize, o.cfg.PoolWorkers)
	if err != nil {
		return nil, fmt.Errorf("generate pool: %w", err)
	}

	var receipts []*funder.Receipt
	for _, ch := range o.cfg.Chains {
		for _, denom := range ch.Denoms {
			o.log.Infow("funding pool", "prefix", ch.Prefix, "denom", denom, "size", p.Len(), "rpc", ch.RPC)
			r, err := ch.Funder.FundWallets(ctx, p.Mnemonics, ch.RPC, ch.Prefix, ch.FeeDenom, denom)
			if err != nil {
				return nil, fmt.Errorf("fund pool on %s with %s: %w", ch.Prefix, denom, err)
			}
			receipts = append(receipts, r)
		}
	}

	if err := p.Save(o.cfg.PoolFile); err != nil {
		return nil, err
	}
	if o.cfg.RunDir != "" {
		if err := logsink.AppendJSONL(o.cfg.RunDir, "funding.jsonl", receipts...); err != nil {
			return nil, err
		}
	}

	took := time.Since(start)
	o.log.Infow("setup done", "pool_file", o.cfg.PoolFile, "size", p.Len(), "funding_txs", len(receipts), "took", took)
	return &Result{Pool: p, PoolFile: o.cfg.PoolFile, Receipts: receipts, Took: took}, nil
}

// Teardown stops the network and withdraws the published pool.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	var errs []error
	if err := o.cfg.Network.Teardown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(o.cfg.PoolFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove pool file: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	o.log.Infow("teardown done")
	return nil
}
