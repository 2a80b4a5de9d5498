// Package pool holds the ordered set of mnemonics shared by every test worker
// of a run. Indices are fixed once the pool is generated.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"WalletPool/internal/mnemonic"
)

var ErrIndexOutOfRange = errors.New("pool index out of range")

type Pool struct {
	CreatedAt time.Time `yaml:"created_at"`
	Mnemonics []string  `yaml:"mnemonics"`
}

func (p *Pool) Len() int { return len(p.Mnemonics) }

func (p *Pool) At(i int) (string, error) {
	if i < 0 || i >= len(p.Mnemonics) {
		return "", fmt.Errorf("%w: %d (size %d)", ErrIndexOutOfRange, i, len(p.Mnemonics))
	}
	return p.Mnemonics[i], nil
}

// Generate creates n independent mnemonics using the given number of workers.
// Each worker owns a stride of indices, so no coordination is needed beyond
// the progress counter.
func Generate(ctx context.Context, log *zap.SugaredLogger, n, workers int) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool size must be > 0, got %d", n)
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > n {
		workers = n
	}

	start := time.Now()
	out := make([]string, n)
	var done uint64

	g, gctx := errgroup.WithContext(ctx)

	statusDone := make(chan struct{})
	stopStatus := make(chan struct{})
	go func() {
		defer close(statusDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopStatus:
				return
			case <-ticker.C:
				log.Infow("progress", "generated", atomic.LoadUint64(&done), "total", n, "elapsed", time.Since(start))
			}
		}
	}()

	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				mn, err := mnemonic.NewMnemonic(128)
				if err != nil {
					return fmt.Errorf("mnemonic %d: %w", i, err)
				}
				out[i] = mn
				atomic.AddUint64(&done, 1)
			}
			return nil
		})
	}

	err := g.Wait()
	close(stopStatus)
	<-statusDone
	if err != nil {
		return nil, err
	}

	log.Infow("pool generated", "size", n, "workers", workers, "elapsed", time.Since(start))
	return &Pool{CreatedAt: time.Now().UTC(), Mnemonics: out}, nil
}

// Save publishes the pool for the test workers. The file is written next to
// its destination and renamed so readers never see a partial pool.
func (p *Pool) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(path), err)
	}
	b, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pool: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pool-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func Load(path string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pool %q: %w", path, err)
	}
	defer f.Close()

	var p Pool
	if err := yaml.NewDecoder(f).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode pool yaml %q: %w", path, err)
	}
	if len(p.Mnemonics) == 0 {
		return nil, fmt.Errorf("pool %q is empty", path)
	}
	return &p, nil
}
