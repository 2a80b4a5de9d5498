// Package network owns the lifecycle of the chain network the test run talks
// to. A Handle is created once by the run's entry point and passed to
// whatever needs the network; bring-up and tear-down each happen at most once.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"WalletPool/internal/lockfile"
)

// Bootstrapper starts and stops the network.
type Bootstrapper interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
}

type state int

const (
	stateDown state = iota
	stateUp
	stateTornDown
)

func (s state) String() string {
	switch s {
	case stateUp:
		return "up"
	case stateTornDown:
		return "torn_down"
	default:
		return "down"
	}
}

type HandleConfig struct {
	Bootstrapper Bootstrapper
	// Lock guards the bring-up and tear-down windows against other processes
	// sharing the same docker host. Optional.
	Lock *lockfile.Lock
	// SkipSetup marks the network as externally managed: Init and Teardown
	// only flip state.
	SkipSetup bool
	Logger    *zap.SugaredLogger
}

type Handle struct {
	cfg HandleConfig
	log *zap.SugaredLogger

	mu    sync.Mutex
	state state
}

func NewHandle(cfg HandleConfig) (*Handle, error) {
	if cfg.Bootstrapper == nil && !cfg.SkipSetup {
		return nil, errors.New("network: bootstrapper is required unless setup is skipped")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Handle{cfg: cfg, log: cfg.Logger}, nil
}

// Init brings the network up. Calls after the first success are no-ops; a
// failed Init may be retried.
func (h *Handle) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case stateUp:
		return nil
	case stateTornDown:
		return errors.New("network: already torn down")
	}
	if h.cfg.SkipSetup {
		h.log.Infow("network setup skipped")
		h.state = stateUp
		return nil
	}

	if err := h.locked(ctx, h.cfg.Bootstrapper.Up); err != nil {
		return fmt.Errorf("network up: %w", err)
	}
	h.state = stateUp
	h.log.Infow("network up")
	return nil
}

// Teardown stops a network this handle brought up. It runs at most once.
func (h *Handle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != stateUp {
		h.log.Debugw("teardown skipped", "state", h.state)
		return nil
	}
	h.state = stateTornDown
	if h.cfg.SkipSetup {
		return nil
	}
	if err := h.locked(ctx, h.cfg.Bootstrapper.Down); err != nil {
		return fmt.Errorf("network down: %w", err)
	}
	h.log.Infow("network down")
	return nil
}

// Attach adopts a network brought up by an earlier process, so that this
// handle's Teardown stops it.
func (h *Handle) Attach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateDown {
		h.state = stateUp
	}
}

func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == stateUp
}

func (h *Handle) locked(ctx context.Context, fn func(context.Context) error) (err error) {
	if h.cfg.Lock == nil {
		return fn(ctx)
	}
	if err := h.cfg.Lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, h.cfg.Lock.Release())
	}()
	return fn(ctx)
}
