// Package lockfile serializes access to one shared external resource across
// independently started processes. The lock is a plain file: present means
// held, its mtime is the staleness clock and its JSON body names the holder.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

var (
	ErrLockTimeout = errors.New("timed out waiting for lock")
	ErrNotOwner    = errors.New("lock is held by another owner")
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = time.Second
)

// Payload is written into the lock file. It is diagnostic except for Owner,
// which Release checks.
type Payload struct {
	Owner      string    `json:"owner"`
	WorkerID   string    `json:"worker_id,omitempty"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type Options struct {
	// Owner identifies the acquirer; empty means "<hostname>:<pid>".
	Owner    string
	WorkerID string
	// Timeout is both how long Acquire waits and the age after which
	// another holder is considered dead.
	Timeout time.Duration
	// PollInterval is the base sleep between checks; the actual sleep is
	// PollInterval * (1 + rand).
	PollInterval time.Duration
	Logger       *zap.SugaredLogger
}

type Lock struct {
	path    string
	opts    Options
	now     func() time.Time
	jitter  func() float64
	marshal func(any) ([]byte, error)
}

func New(path string, opts Options) *Lock {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Lock{path: path, opts: opts, now: time.Now, jitter: rand.Float64, marshal: json.Marshal}
}

func (l *Lock) Path() string  { return l.path }
func (l *Lock) Owner() string { return l.opts.Owner }

// Acquire blocks until the lock file could be created by this caller, a stale
// file was reclaimed, or Timeout elapsed.
func (l *Lock) Acquire(ctx context.Context) error {
	log := l.opts.Logger.With("path", l.path, "worker", l.opts.WorkerID)
	start := l.now()
	for {
		ok, err := l.tryCreate()
		if err != nil {
			return err
		}
		if ok {
			log.Infow("lock acquired", "waited", l.now().Sub(start))
			return nil
		}

		info, err := os.Stat(l.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// released between our create and stat; try again right away
			continue
		case err != nil:
			return fmt.Errorf("stat lock %q: %w", l.path, err)
		}

		if l.now().Sub(info.ModTime()) > l.opts.Timeout {
			reclaimed, err := l.reclaim(info.ModTime())
			if err != nil {
				return err
			}
			if reclaimed {
				log.Warnw("stale lock reclaimed", "age", l.now().Sub(info.ModTime()))
				return nil
			}
		}

		if l.now().Sub(start) > l.opts.Timeout {
			return fmt.Errorf("%w %q after %s", ErrLockTimeout, l.path, l.opts.Timeout)
		}

		d := time.Duration(float64(l.opts.PollInterval) * (1 + l.jitter()))
		log.Debugw("lock busy, waiting", "sleep", d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// tryCreate is the Absent -> Held edge. A file whose payload could not be
// written is removed again so it does not block everyone until it goes stale.
func (l *Lock) tryCreate() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock %q: %w", l.path, err)
	}

	if err := l.writePayload(f); err != nil {
		_ = f.Close()
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return false, errors.Join(err, fmt.Errorf("remove unwritten lock %q: %w", l.path, rmErr))
		}
		return false, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, fmt.Errorf("close lock %q: %w", l.path, err)
	}
	return true, nil
}

func (l *Lock) writePayload(f *os.File) error {
	host, _ := os.Hostname()
	b, err := l.marshal(Payload{
		Owner:      l.opts.Owner,
		WorkerID:   l.opts.WorkerID,
		PID:        os.Getpid(),
		Hostname:   host,
		AcquiredAt: l.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode lock payload: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write lock payload: %w", err)
	}
	return nil
}

func guardPath(path string) string { return path + ".reclaim" }

// removeGuard drops the reclaim sidecar. It only runs once the lock file is
// gone, so a reclaimer still holding the unlinked guard finds no stale file to
// remove and falls back to an exclusive create.
func removeGuard(path string) error {
	if err := os.Remove(guardPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove reclaim guard: %w", err)
	}
	return nil
}

// reclaim replaces a stale lock file with our own. The sidecar flock keeps two
// waiters from both deleting and recreating; the mtime recheck under it makes
// sure we only remove the file we judged stale.
func (l *Lock) reclaim(staleMod time.Time) (bool, error) {
	guard := flock.New(guardPath(l.path))
	locked, err := guard.TryLock()
	if err != nil {
		return false, fmt.Errorf("reclaim guard %q: %w", guard.Path(), err)
	}
	if !locked {
		return false, nil
	}
	defer guard.Unlock()

	info, err := os.Stat(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return l.tryCreate()
	case err != nil:
		return false, fmt.Errorf("stat lock %q: %w", l.path, err)
	}
	if !info.ModTime().Equal(staleMod) {
		return false, nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove stale lock %q: %w", l.path, err)
	}
	return l.tryCreate()
}

// Release deletes the lock file if this Lock's owner holds it. A missing
// file is not an error.
func (l *Lock) Release() error {
	p, err := ReadPayload(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		l.opts.Logger.Warnw("lock already released", "path", l.path, "worker", l.opts.WorkerID)
		return nil
	}
	if err != nil {
		return err
	}
	if p.Owner != l.opts.Owner {
		return fmt.Errorf("%w: %q holds %q", ErrNotOwner, p.Owner, l.path)
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock %q: %w", l.path, err)
	}
	if err := removeGuard(l.path); err != nil {
		l.opts.Logger.Warnw("lock released, guard left behind", "path", l.path, "err", err)
		return nil
	}
	l.opts.Logger.Infow("lock released", "path", l.path, "worker", l.opts.WorkerID)
	return nil
}

// ForceRelease removes the lock regardless of its holder, for operators
// cleaning up after a crashed run.
func ForceRelease(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock %q: %w", path, err)
	}
	return removeGuard(path)
}

func ReadPayload(path string) (Payload, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode lock payload %q: %w", path, err)
	}
	return p, nil
}
