package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChain advances one block every time its height is read twice.
type fakeChain struct {
	reads atomic.Int64
	fail  atomic.Bool
}

func (f *fakeChain) Height(context.Context) (int64, error) {
	if f.fail.Load() {
		return 0, errors.New("rpc down")
	}
	return f.reads.Add(1) / 2, nil
}

func TestGetWithAttemptsReturnsFirstReadyResult(t *testing.T) {
	var calls int
	res, err := GetWithAttempts(context.Background(), Policy{MaxAttempts: 5},
		func(context.Context) (int, error) {
			calls++
			return calls * 10, nil
		},
		func(v int) bool { return v >= 30 },
	)
	require.NoError(t, err)
	require.Equal(t, 30, res)
	require.Equal(t, 3, calls)
}

func TestGetWithAttemptsExhaustsExactly(t *testing.T) {
	for _, n := range []int{1, 2, 7} {
		var calls int
		_, err := GetWithAttempts(context.Background(), Policy{MaxAttempts: n, Wait: Fixed(time.Millisecond)},
			func(context.Context) (string, error) {
				calls++
				return "pending", nil
			},
			func(string) bool { return false },
		)
		require.Equal(t, n, calls)
		require.ErrorIs(t, err, ErrNoAttemptsLeft)

		var ex *ExhaustedError
		require.ErrorAs(t, err, &ex)
		require.Equal(t, "pending", ex.Last)
		require.Equal(t, n, ex.Attempts)
	}
}

func TestGetWithAttemptsSurfacesLastError(t *testing.T) {
	boom := errors.New("query failed")
	var calls int
	_, err := GetWithAttempts(context.Background(), Policy{MaxAttempts: 3},
		func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, errors.New("first")
			}
			return 0, boom
		},
		func(int) bool { return true },
	)
	require.Equal(t, 3, calls)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrNoAttemptsLeft)
}

func TestGetWithAttemptsTreatsErrorsAsNotReady(t *testing.T) {
	var calls int
	res, err := GetWithAttempts(context.Background(), Policy{MaxAttempts: 4},
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "passed", nil
		},
		func(s string) bool { return s == "passed" },
	)
	require.NoError(t, err)
	require.Equal(t, "passed", res)
}

func TestGetWithAttemptsZeroBudget(t *testing.T) {
	_, err := GetWithAttempts(context.Background(), Policy{},
		func(context.Context) (int, error) { t.Fatal("must not be called"); return 0, nil },
		func(int) bool { return true },
	)
	require.ErrorIs(t, err, ErrNoAttemptsLeft)
}

func TestGetWithAttemptsNoWaitAfterLastAttempt(t *testing.T) {
	var waits int
	w := waiterFunc(func(context.Context) error { waits++; return nil })
	_, _ = GetWithAttempts(context.Background(), Policy{MaxAttempts: 4, Wait: w},
		func(context.Context) (int, error) { return 0, nil },
		func(int) bool { return false },
	)
	require.Equal(t, 3, waits)
}

func TestPolicyDo(t *testing.T) {
	var attempts []int
	var calls int
	err := Policy{
		MaxAttempts: 3,
		Wait:        Fixed(time.Millisecond),
		OnRetry:     func(a int, _ error) { attempts = append(attempts, a) },
	}.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connect refused")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, []int{1}, attempts)
}

func TestPolicyDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Policy{MaxAttempts: 3, Wait: Fixed(time.Hour)}.Do(ctx, func(context.Context) error {
		cancel()
		return errors.New("nope")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPolicyDoExhausted(t *testing.T) {
	boom := errors.New("mempool is full")
	var waits, calls int
	err := Policy{
		MaxAttempts: 3,
		Wait:        waiterFunc(func(context.Context) error { waits++; return nil }),
	}.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 3, ex.Attempts)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, waits)
}

func TestPolicyDoWaiterError(t *testing.T) {
	stalled := errors.New("chain stalled")
	var calls int
	err := Policy{
		MaxAttempts: 5,
		Wait:        waiterFunc(func(context.Context) error { return stalled }),
	}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("not yet")
	})
	require.ErrorIs(t, err, stalled)
	require.Equal(t, 1, calls)
}

func TestPolicyDoZeroBudget(t *testing.T) {
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		t.Fatal("must not be called")
		return nil
	})
	require.ErrorIs(t, err, ErrNoAttemptsLeft)
}

func TestNextBlockWaitsForProgress(t *testing.T) {
	c := &fakeChain{}
	w := NextBlock(c, time.Millisecond, time.Second)

	before, _ := c.Height(context.Background())
	require.NoError(t, w.Wait(context.Background()))
	after, _ := c.Height(context.Background())
	require.Greater(t, after, before)
}

func TestNextBlockFallsBackToPollOnError(t *testing.T) {
	c := &fakeChain{}
	c.fail.Store(true)
	w := NextBlock(c, time.Millisecond, time.Second)
	require.NoError(t, w.Wait(context.Background()))
}

func TestWaitForHeightTimeout(t *testing.T) {
	c := &fakeChain{}
	err := WaitForHeight(context.Background(), c, 1_000_000, time.Millisecond, 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitBlocks(t *testing.T) {
	c := &fakeChain{}
	start, _ := c.Height(context.Background())
	require.NoError(t, WaitBlocks(context.Background(), c, 3, time.Millisecond, time.Second))
	now, _ := c.Height(context.Background())
	require.GreaterOrEqual(t, now, start+3)

	c.fail.Store(true)
	require.Error(t, WaitBlocks(context.Background(), c, 1, time.Millisecond, time.Second))
}

func TestEveryBlock(t *testing.T) {
	c := &fakeChain{}
	var heights []int64
	_, err := GetWithAttempts(context.Background(), EveryBlock(c, 3),
		func(ctx context.Context) (int64, error) {
			h, err := c.Height(ctx)
			heights = append(heights, h)
			return h, err
		},
		func(int64) bool { return false },
	)
	require.ErrorIs(t, err, ErrNoAttemptsLeft)
	require.Len(t, heights, 3)
	require.Less(t, heights[0], heights[2])
}

type waiterFunc func(ctx context.Context) error

func (f waiterFunc) Wait(ctx context.Context) error { return f(ctx) }
