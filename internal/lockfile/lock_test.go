package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLock(path, owner string, timeout time.Duration) *Lock {
	return New(path, Options{Owner: owner, Timeout: timeout, PollInterval: 5 * time.Millisecond})
}

func TestAcquireCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	l := newTestLock(path, "p1", time.Second)

	require.NoError(t, l.Acquire(context.Background()))

	p, err := ReadPayload(path)
	require.NoError(t, err)
	require.Equal(t, "p1", p.Owner)
	require.Equal(t, os.Getpid(), p.PID)

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	p1 := newTestLock(path, "p1", 10*time.Second)
	p2 := newTestLock(path, "p2", 10*time.Second)

	require.NoError(t, p1.Acquire(context.Background()))

	acquired := make(chan error, 1)
	go func() { acquired <- p2.Acquire(context.Background()) }()

	select {
	case err := <-acquired:
		t.Fatalf("p2 acquired a held lock: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, p1.Release())

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("p2 never acquired the released lock")
	}

	p, err := ReadPayload(path)
	require.NoError(t, err)
	require.Equal(t, "p2", p.Owner)
}

func TestAcquireTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	require.NoError(t, newTestLock(path, "p1", time.Hour).Acquire(context.Background()))
	// a holder that keeps refreshing its lock never goes stale
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	err := newTestLock(path, "p2", 50*time.Millisecond).Acquire(context.Background())
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	require.NoError(t, newTestLock(path, "dead", time.Second).Acquire(context.Background()))
	old := time.Now().Add(-1500 * time.Millisecond)
	require.NoError(t, os.Chtimes(path, old, old))

	l := New(path, Options{Owner: "p2", Timeout: time.Second, PollInterval: time.Hour})
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background()))
	// reclaimed on the first check, never slept a poll interval
	require.Less(t, time.Since(start), time.Second)

	p, err := ReadPayload(path)
	require.NoError(t, err)
	require.Equal(t, "p2", p.Owner)
}

func TestStaleLockReclaimedByExactlyOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	require.NoError(t, newTestLock(path, "dead", time.Hour).Acquire(context.Background()))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	const n = 16
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		owner := fmt.Sprintf("w%d", i)
		l := newTestLock(path, owner, time.Hour)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := l.Acquire(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, owner)
				return
			}
			losers = append(losers, err)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, losers, n-1)
	for _, err := range losers {
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	p, err := ReadPayload(path)
	require.NoError(t, err)
	require.Equal(t, winners[0], p.Owner)
}

func TestPayloadWriteFailureRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	l := newTestLock(path, "p1", time.Second)
	l.marshal = func(any) ([]byte, error) { return nil, errors.New("disk full") }

	err := l.Acquire(context.Background())
	require.ErrorContains(t, err, "disk full")
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// nothing left behind for the next caller to wait on
	require.NoError(t, newTestLock(path, "p2", time.Second).Acquire(context.Background()))
}

func TestReleaseRemovesReclaimGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	require.NoError(t, newTestLock(path, "dead", time.Second).Acquire(context.Background()))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	l := newTestLock(path, "p2", time.Second)
	require.NoError(t, l.Acquire(context.Background()))
	_, err := os.Stat(path + ".reclaim")
	require.NoError(t, err)

	require.NoError(t, l.Release())
	_, err = os.Stat(path + ".reclaim")
	require.True(t, os.IsNotExist(err))
}

func TestForceReleaseRemovesReclaimGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	require.NoError(t, newTestLock(path, "p1", time.Second).Acquire(context.Background()))
	require.NoError(t, os.WriteFile(path+".reclaim", nil, 0o644))

	require.NoError(t, ForceRelease(path))
	for _, p := range []string{path, path + ".reclaim"} {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), p)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	require.NoError(t, newTestLock(path, "p1", time.Hour).Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := newTestLock(path, "p2", time.Hour).Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseChecksOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock.tmp")
	require.NoError(t, newTestLock(path, "p1", time.Second).Acquire(context.Background()))

	err := newTestLock(path, "p2", time.Second).Release()
	require.ErrorIs(t, err, ErrNotOwner)
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, ForceRelease(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestReleaseMissingIsNoop(t *testing.T) {
	l := newTestLock(filepath.Join(t.TempDir(), "lock.tmp"), "p1", time.Second)
	require.NoError(t, l.Release())
	require.NoError(t, ForceRelease(l.Path()))
}

func TestDefaultOwner(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "lock.tmp"), Options{})
	require.Contains(t, l.Owner(), ":")
}
