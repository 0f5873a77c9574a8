package clock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrPollTimeout is returned when a poll exhausts its attempts.
var ErrPollTimeout = errors.New("poll timed out")

// CheckFunc is one polling attempt. It returns done=true with the result
// once the awaited condition holds. A non-nil error aborts the poll.
type CheckFunc[T any] func(ctx context.Context) (done bool, result T, err error)

// PollOptions bound a poll.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

// MaxAttempts is ceil(Timeout / Interval).
func (o PollOptions) MaxAttempts() int {
	return int(math.Ceil(float64(o.Timeout) / float64(o.Interval)))
}

// Poll calls check every opts.Interval on clk until it reports done, making
// at most ceil(Timeout/Interval) attempts. It returns the number of attempts
// made along with the result. Both durations must be positive; check is
// never called otherwise.
func Poll[T any](ctx context.Context, clk Clock, opts PollOptions, check CheckFunc[T]) (int, T, error) {
	var zero T
	if opts.Interval <= 0 || opts.Timeout <= 0 {
		return 0, zero, fmt.Errorf("poll: interval (%s) and timeout (%s) must be positive", opts.Interval, opts.Timeout)
	}
	limit := opts.MaxAttempts()
	for attempt := 1; attempt <= limit; attempt++ {
		done, res, err := check(ctx)
		if err != nil {
			return attempt, zero, err
		}
		if done {
			return attempt, res, nil
		}
		if attempt == limit {
			break
		}
		if err := clk.Sleep(ctx, opts.Interval); err != nil {
			return attempt, zero, err
		}
	}
	return limit, zero, fmt.Errorf("%w after %d attempts (interval %s, timeout %s)", ErrPollTimeout, limit, opts.Interval, opts.Timeout)
}
