// Package retry polls live chain state until it is ready. Every loop here is
// bounded by an attempt count; none of them waits forever.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	retrygo "github.com/avast/retry-go"

	"WalletPool/internal/chain"
)

var ErrNoAttemptsLeft = errors.New("no attempts left")

// ExhaustedError is returned once the attempt budget is spent. It unwraps to
// the last error seen, or matches ErrNoAttemptsLeft when every attempt
// succeeded but was never ready.
type ExhaustedError struct {
	Attempts int
	Last     any
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s after %d attempts, last result: %+v", ErrNoAttemptsLeft, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrNoAttemptsLeft
}

// Waiter paces attempts.
type Waiter interface {
	Wait(ctx context.Context) error
}

type fixedDelay time.Duration

// Fixed waits d between attempts.
func Fixed(d time.Duration) Waiter { return fixedDelay(d) }

func (f fixedDelay) Wait(ctx context.Context) error {
	return sleep(ctx, time.Duration(f))
}

// Policy is immutable; a zero Wait means no pause between attempts.
type Policy struct {
	MaxAttempts int
	Wait        Waiter
	// OnRetry, when set, sees every failed attempt before the pause.
	OnRetry func(attempt int, err error)
}

// Do runs fn until it returns nil or the budget is spent. A Fixed wait maps
// onto retry-go's fixed delay; any other Waiter runs before every attempt but
// the first.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: budget is %d", ErrNoAttemptsLeft, p.MaxAttempts)
	}
	opts := []retrygo.Option{
		retrygo.Context(ctx),
		retrygo.Attempts(uint(p.MaxAttempts)),
		retrygo.DelayType(retrygo.FixedDelay),
		retrygo.Delay(0),
		retrygo.LastErrorOnly(true),
		retrygo.OnRetry(func(n uint, err error) {
			if p.OnRetry != nil {
				p.OnRetry(int(n)+1, err)
			}
		}),
	}

	var paced Waiter
	switch w := p.Wait.(type) {
	case nil:
	case fixedDelay:
		opts = append(opts, retrygo.Delay(time.Duration(w)))
	default:
		paced = w
	}

	var (
		calls   int
		aborted bool
	)
	err := retrygo.Do(func() error {
		if calls > 0 && paced != nil {
			if err := paced.Wait(ctx); err != nil {
				aborted = true
				return retrygo.Unrecoverable(err)
			}
		}
		if err := ctx.Err(); err != nil {
			aborted = true
			return retrygo.Unrecoverable(err)
		}
		calls++
		return fn(ctx)
	}, opts...)
	if err == nil || aborted || ctx.Err() != nil {
		return err
	}
	return &ExhaustedError{Attempts: calls, Err: err}
}

// GetWithAttempts calls get until ready accepts its result, at most
// p.MaxAttempts times. Errors from get count as "not ready yet". The result is
// returned as produced by the successful call; nothing is cached.
func GetWithAttempts[T any](ctx context.Context, p Policy, get func(ctx context.Context) (T, error), ready func(T) bool) (T, error) {
	var (
		zero    T
		last    T
		lastErr error
	)
	attempts := p.MaxAttempts
	if attempts <= 0 {
		return zero, fmt.Errorf("%w: budget is %d", ErrNoAttemptsLeft, attempts)
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		res, err := get(ctx)
		if err == nil {
			if ready(res) {
				return res, nil
			}
			last = res
		} else {
			lastErr = err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if attempt == attempts || p.Wait == nil {
			continue
		}
		if err := p.Wait.Wait(ctx); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Last: last, Err: lastErr}
}

// EveryBlock is the policy used for most chain assertions: n attempts, one block apart.
func EveryBlock(heights chain.HeightSource, n int) Policy {
	return Policy{MaxAttempts: n, Wait: NextBlock(heights, 0, 0)}
}

// blockWaiter waits until the chain produces at least one new block.
type blockWaiter struct {
	heights chain.HeightSource
	poll    time.Duration
	maxWait time.Duration
}

// NextBlock paces attempts on chain progress instead of wall clock time.
// maxWait bounds a stalled chain; zero means one minute.
func NextBlock(heights chain.HeightSource, poll, maxWait time.Duration) Waiter {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = time.Minute
	}
	return &blockWaiter{heights: heights, poll: poll, maxWait: maxWait}
}

func (b *blockWaiter) Wait(ctx context.Context) error {
	start, err := b.heights.Height(ctx)
	if err != nil {
		// without a starting point one poll interval is the best we can do
		return sleep(ctx, b.poll)
	}
	return WaitForHeight(ctx, b.heights, start+1, b.poll, b.maxWait)
}

// WaitBlocks waits for n blocks past the current height.
func WaitBlocks(ctx context.Context, heights chain.HeightSource, n int64, poll, timeout time.Duration) error {
	h, err := heights.Height(ctx)
	if err != nil {
		return err
	}
	return WaitForHeight(ctx, heights, h+n, poll, timeout)
}

// WaitForHeight polls until the chain reports at least target.
func WaitForHeight(ctx context.Context, heights chain.HeightSource, target int64, poll, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last int64
	for {
		h, err := heights.Height(ctx)
		if err == nil {
			last = h
			if h >= target {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for height %d (last seen %d): %w", target, last, ctx.Err())
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
