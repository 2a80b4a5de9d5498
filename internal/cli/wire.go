package cli

import (
	"errors"
	"fmt"

	"WalletPool/internal/chain"
	"WalletPool/internal/funder"
	"WalletPool/internal/lockfile"
	"WalletPool/internal/mnemonic"
	"WalletPool/internal/network"
	"WalletPool/internal/orchestrator"
	"WalletPool/internal/pool"
	"WalletPool/internal/wallet"
	"WalletPool/pkg/appcfg"
	"WalletPool/pkg/logx"
)

func newLock(cfg *appcfg.Config, owner string) *lockfile.Lock {
	return lockfile.New(cfg.Lock.Path, lockfile.Options{
		Owner:        owner,
		WorkerID:     cfg.WorkerID,
		Timeout:      cfg.Lock.Timeout,
		PollInterval: cfg.Lock.PollInterval,
		Logger:       logx.With("lock"),
	})
}

func newNetwork(cfg *appcfg.Config, rpc *chain.RPCClient, runDir string) (*network.Handle, error) {
	return network.NewHandle(network.HandleConfig{
		Bootstrapper: &network.ComposeBootstrapper{
			File:         cfg.Network.ComposeFile,
			Project:      cfg.Network.Project,
			Heights:      rpc,
			ReadyTimeout: cfg.Network.ReadyTimeout,
			OutputDir:    runDir,
			Logger:       logx.With("compose"),
		},
		Lock:      newLock(cfg, ""),
		SkipSetup: cfg.Network.SkipSetup,
		Logger:    logx.With("network"),
	})
}

func newFunder(cfg *appcfg.Config, ep appcfg.Endpoint, rpc *chain.RPCClient) (*funder.Funder, error) {
	return funder.New(&funder.Config{
		Logger:  logx.With("funder").With("chain", ep.Prefix),
		Deriver: mnemonic.HDDeriver{},
		Connector: &chain.RPCConnector{
			REST: ep.REST,
			Encoder: &chain.SDKEncoder{
				GasBase:      cfg.Funding.GasBase,
				GasPerOutput: cfg.Funding.GasPerOutput,
				GasPrice:     cfg.Funding.GasPrice,
			},
		},
		Balances:       rpc,
		RichMnemonic:   cfg.Funding.RichMnemonic,
		PrimaryPrefix:  cfg.Chain.PrimaryPrefix,
		DualDerivation: cfg.Funding.DualDerivation,
		Amount:         cfg.Funding.Amount,
	})
}

// newChains builds one funder per configured endpoint, primary chain first.
func newChains(cfg *appcfg.Config) ([]orchestrator.Chain, error) {
	eps := make([]appcfg.Endpoint, 0, len(cfg.Chain.Endpoints))
	eps = append(eps, cfg.Primary())
	for _, ep := range cfg.Chain.Endpoints {
		if ep.Prefix != cfg.Chain.PrimaryPrefix {
			eps = append(eps, ep)
		}
	}
	chains := make([]orchestrator.Chain, 0, len(eps))
	for _, ep := range eps {
		f, err := newFunder(cfg, ep, chain.NewRPCClient(ep.RPC, ep.REST))
		if err != nil {
			return nil, fmt.Errorf("funder for %s: %w", ep.Prefix, err)
		}
		chains = append(chains, orchestrator.Chain{
			Prefix:   ep.Prefix,
			RPC:      ep.RPC,
			FeeDenom: ep.FeeDenom,
			Denoms:   ep.Denoms,
			Funder:   f,
		})
	}
	return chains, nil
}

func newOrchestrator(cfg *appcfg.Config, runDir string) (*orchestrator.Orchestrator, *network.Handle, error) {
	primary := cfg.Primary()
	net, err := newNetwork(cfg, chain.NewRPCClient(primary.RPC, primary.REST), runDir)
	if err != nil {
		return nil, nil, err
	}
	chains, err := newChains(cfg)
	if err != nil {
		return nil, nil, err
	}
	o, err := orchestrator.New(&orchestrator.Config{
		Logger:      logx.With("setup"),
		Network:     net,
		Chains:      chains,
		PoolFile:    cfg.Pool.File,
		PoolSize:    cfg.Pool.Size,
		PoolWorkers: cfg.Pool.Workers,
		RunDir:      runDir,
	})
	if err != nil {
		return nil, nil, err
	}
	return o, net, nil
}

// newAllocator serves wallets from the published pool. testFile overrides
// pool.test_file.
func newAllocator(cfg *appcfg.Config, testFile string) (*wallet.Allocator, error) {
	p, err := pool.Load(cfg.Pool.File)
	if err != nil {
		return nil, err
	}
	if p.Len() < cfg.Pool.Size {
		logx.S().Warnw("published pool is smaller than configured",
			"published", p.Len(), "configured", cfg.Pool.Size, "max_files", p.Len()/cfg.Pool.LimitPerTest)
	}
	if testFile == "" {
		testFile = cfg.Pool.TestFile
	}
	if testFile == "" {
		return nil, errors.New("no test file given; pass --file or set pool.test_file")
	}
	return wallet.NewAllocator(wallet.Config{
		Pool:           p,
		Deriver:        mnemonic.HDDeriver{},
		LimitPerTest:   cfg.Pool.LimitPerTest,
		PrimaryPrefix:  cfg.Chain.PrimaryPrefix,
		DualDerivation: cfg.Funding.DualDerivation,
		TestFile:       testFile,
		Logger:         logx.With("wallet"),
	})
}
