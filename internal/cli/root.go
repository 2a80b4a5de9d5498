// Package cli is the walletpool command line: global setup and teardown of a
// test run, plus the lock, pool and wallet tools used around it.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"WalletPool/internal/logsink"
	"WalletPool/pkg/appcfg"
	"WalletPool/pkg/logx"
)

const defaultConfigPath = "configs/walletpool.yaml"

type app struct {
	cfgPath string
	cfg     *appcfg.Config
	runDir  string
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "walletpool",
		Short:         "Wallet pool provisioning for parallel e2e test runs",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&a.cfgPath, "config", defaultConfigPath, "path to the YAML config")

	root.AddCommand(
		a.setupCmd(),
		a.teardownCmd(),
		a.lockCmd(),
		a.unlockCmd(),
		a.poolCmd(),
		a.walletCmd(),
		a.txCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := appcfg.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if err := logx.Init(logx.Config{
		Level:                cfg.LogLevel,
		ConsoleOnly:          true,
		HideSecretsInConsole: cfg.HideSecretsInConsole,
		WorkerID:             cfg.WorkerID,
	}); err != nil {
		return fmt.Errorf("log init: %w", err)
	}
	return nil
}

// withRunDir creates the artifact directory of this invocation and starts
// mirroring logs into it.
func (a *app) withRunDir(module string) error {
	dir, err := logsink.MakeRunDir(a.cfg.LogsDir, module, logx.StartTime)
	if err != nil {
		return err
	}
	a.runDir = dir
	if err := logx.Init(logx.Config{
		Level:                a.cfg.LogLevel,
		FilePath:             filepath.Join(dir, "app_{worker}.log"),
		HideSecretsInConsole: a.cfg.HideSecretsInConsole,
		WorkerID:             a.cfg.WorkerID,
	}); err != nil {
		return fmt.Errorf("log init: %w", err)
	}
	logx.S().Infow("walletpool started",
		"module", module,
		"config", a.cfgPath,
		"run_dir", dir,
		"log_level", a.cfg.LogLevel,
		"hide_secrets_in_console", a.cfg.HideSecretsInConsole,
	)
	return nil
}

func withInterrupt(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
