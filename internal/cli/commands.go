package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"WalletPool/internal/chain"
	"WalletPool/internal/lockfile"
	"WalletPool/internal/pool"
	"WalletPool/internal/retry"
	"WalletPool/internal/wallet"
	"WalletPool/pkg/logx"
)

func (a *app) setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Start the network, generate and fund the mnemonic pool, publish it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.withRunDir("setup"); err != nil {
				return err
			}
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()

			o, _, err := newOrchestrator(a.cfg, a.runDir)
			if err != nil {
				return err
			}
			res, err := o.Setup(ctx)
			if err != nil {
				logx.S().Errorw("setup failed", "err", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pool of %d published to %s (%d funding txs, %s)\n",
				res.Pool.Len(), res.PoolFile, len(res.Receipts), res.Took.Round(time.Millisecond))
			return nil
		},
	}
}

func (a *app) teardownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Stop the network started by setup and withdraw the pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.withRunDir("teardown"); err != nil {
				return err
			}
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()

			o, net, err := newOrchestrator(a.cfg, a.runDir)
			if err != nil {
				return err
			}
			// the network was started by the setup process
			net.Attach()
			return o.Teardown(ctx)
		},
	}
}

func (a *app) lockCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire the shared resource lock and leave it held",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()
			l := newLock(a.cfg, owner)
			if err := l.Acquire(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s held by %s\n", l.Path(), l.Owner())
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "lock owner (default <hostname>:<pid>)")
	return cmd
}

func (a *app) unlockCmd() *cobra.Command {
	var (
		owner string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Release the shared resource lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if force {
				return lockfile.ForceRelease(a.cfg.Lock.Path)
			}
			if owner == "" {
				return errors.New("--owner is required unless --force is set")
			}
			return newLock(a.cfg, owner).Release()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner the lock was acquired with")
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock whoever holds it")
	return cmd
}

func (a *app) poolCmd() *cobra.Command {
	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "Mnemonic pool tools",
	}

	var (
		size    int
		workers int
		out     string
	)
	gen := &cobra.Command{
		Use:   "gen",
		Short: "Generate an unfunded pool file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()
			if size <= 0 {
				size = a.cfg.Pool.Size
			}
			if workers <= 0 {
				workers = a.cfg.Pool.Workers
			}
			if out == "" {
				out = a.cfg.Pool.File
			}
			p, err := pool.Generate(ctx, logx.With("pool"), size, workers)
			if err != nil {
				return err
			}
			if err := p.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d mnemonics written to %s\n", p.Len(), out)
			return nil
		},
	}
	gen.Flags().IntVar(&size, "size", 0, "number of mnemonics (default pool.size)")
	gen.Flags().IntVar(&workers, "workers", 0, "generator goroutines (default pool.workers)")
	gen.Flags().StringVar(&out, "out", "", "output file (default pool.file)")

	poolCmd.AddCommand(gen)
	return poolCmd
}

func (a *app) walletCmd() *cobra.Command {
	var (
		file   string
		prefix string
		count  int
		random bool
	)
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Print the wallets a test file would be handed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if prefix == "" {
				prefix = a.cfg.Chain.PrimaryPrefix
			}
			if _, ok := a.cfg.Endpoint(prefix); !ok {
				return fmt.Errorf("prefix %q is not in chain.endpoints", prefix)
			}
			alloc, err := newAllocator(a.cfg, file)
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				var (
					w   *wallet.Wallet
					err error
				)
				if random {
					w, err = alloc.RandomWallet(cmd.Context(), prefix)
				} else {
					w, err = alloc.WalletWithOffset(cmd.Context(), prefix)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s", w.Index, w.Address)
				if w.EthAddress != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "\t%s", w.EthAddress)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "test file whose block to allocate from (default pool.test_file)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "bech32 prefix (default chain.primary_prefix)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of wallets")
	cmd.Flags().BoolVar(&random, "random", false, "draw from the whole pool instead of the file's block")
	return cmd
}

func (a *app) txCmd() *cobra.Command {
	var (
		blocks        int
		confirmations int64
		prefix        string
	)
	cmd := &cobra.Command{
		Use:   "tx <hash>",
		Short: "Wait for a transaction to be included and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withInterrupt(cmd.Context())
			defer cancel()

			if prefix == "" {
				prefix = a.cfg.Chain.PrimaryPrefix
			}
			ep, ok := a.cfg.Endpoint(prefix)
			if !ok {
				return fmt.Errorf("prefix %q is not in chain.endpoints", prefix)
			}
			rpc := chain.NewRPCClient(ep.RPC, ep.REST)
			policy := retry.Policy{
				MaxAttempts: blocks,
				Wait:        retry.NextBlock(rpc, a.cfg.Chain.BlockPoll, 0),
			}
			tx, err := retry.GetWithAttempts(ctx, policy,
				func(ctx context.Context) (*chain.TxResult, error) { return rpc.GetTx(ctx, args[0]) },
				func(tx *chain.TxResult) bool { return tx != nil },
			)
			if errors.Is(err, retry.ErrNoAttemptsLeft) {
				return fmt.Errorf("%w: %s after %d blocks", chain.ErrTxNotFound, args[0], blocks)
			}
			if err != nil {
				return err
			}
			if tx.Code != 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\theight=%d\tcode=%d\n", tx.Hash, tx.Height, tx.Code)
				return fmt.Errorf("%w: %s", chain.ErrTxFailed, tx.RawLog)
			}
			if confirmations > 0 {
				timeout := time.Duration(confirmations+1) * time.Minute
				if err := retry.WaitBlocks(ctx, rpc, confirmations, a.cfg.Chain.BlockPoll, timeout); err != nil {
					return fmt.Errorf("wait %d confirmations: %w", confirmations, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\theight=%d\tcode=%d\n", tx.Hash, tx.Height, tx.Code)
			return nil
		},
	}
	cmd.Flags().IntVar(&blocks, "blocks", 10, "blocks to wait before giving up")
	cmd.Flags().Int64Var(&confirmations, "confirmations", 0, "blocks to wait after inclusion before reporting success")
	cmd.Flags().StringVar(&prefix, "prefix", "", "chain to query (default chain.primary_prefix)")
	return cmd
}
