package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ory/dockertest/v3"
	"go.uber.org/zap"

	"WalletPool/internal/chain"
	"WalletPool/internal/logsink"
)

const DefaultReadyTimeout = 5 * time.Minute

// ComposeBootstrapper drives a docker compose project and considers the
// network up once the RPC endpoint reports a height.
type ComposeBootstrapper struct {
	File         string
	Project      string
	Heights      chain.HeightSource
	ReadyTimeout time.Duration
	// OutputDir receives compose.log with the command output. Empty discards it.
	OutputDir string
	Logger    *zap.SugaredLogger

	// run executes one compose invocation; nil means the docker binary.
	run func(ctx context.Context, out io.Writer, args ...string) error
	// ready blocks until check passes; nil means a dockertest pool retry.
	ready func(timeout time.Duration, check func() error) error
}

func (c *ComposeBootstrapper) Up(ctx context.Context) error {
	if err := c.compose(ctx, "up", "-d", "--wait"); err != nil {
		return err
	}
	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ready := c.ready
	if ready == nil {
		ready = dockerRetry
	}
	err := ready(timeout, func() error {
		h, err := c.Heights.Height(ctx)
		if err != nil {
			return err
		}
		if h < 1 {
			return errors.New("no blocks yet")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("wait for rpc: %w", err)
	}
	return nil
}

func (c *ComposeBootstrapper) Down(ctx context.Context) error {
	return c.compose(ctx, "down", "-v", "--remove-orphans")
}

func (c *ComposeBootstrapper) compose(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "-f", c.File, "-p", c.Project}, args...)

	var out io.Writer = io.Discard
	if c.OutputDir != "" {
		f, err := logsink.OpenAppend(filepath.Join(c.OutputDir, "compose.log"))
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if c.Logger != nil {
		c.Logger.Infow("docker compose", "args", full)
	}
	run := c.run
	if run == nil {
		run = dockerRun
	}
	if err := run(ctx, out, full...); err != nil {
		return fmt.Errorf("docker %s: %w", args[0], err)
	}
	return nil
}

func dockerRun(ctx context.Context, out io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

func dockerRetry(timeout time.Duration, check func() error) error {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return fmt.Errorf("docker pool: %w", err)
	}
	pool.MaxWait = timeout
	return pool.Retry(check)
}
