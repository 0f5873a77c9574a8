package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollSucceeds(t *testing.T) {
	c := NewSimulatedClock(t0)
	calls := 0
	n, res, err := Poll(context.Background(), c, PollOptions{Interval: time.Second, Timeout: 10 * time.Second},
		func(context.Context) (bool, string, error) {
			calls++
			return calls == 3, "ready", nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "ready", res)
	assert.Equal(t, t0.Add(2*time.Second), c.Now())
}

func TestPollTimesOutAfterCeilAttempts(t *testing.T) {
	c := NewSimulatedClock(t0)
	calls := 0
	opts := PollOptions{Interval: 3 * time.Second, Timeout: 10 * time.Second}
	assert.Equal(t, 4, opts.MaxAttempts())

	n, _, err := Poll(context.Background(), c, opts, func(context.Context) (bool, int, error) {
		calls++
		return false, 0, nil
	})
	assert.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, calls)
	assert.Equal(t, t0.Add(9*time.Second), c.Now(), "no sleep after the last attempt")
}

func TestPollValidatesArguments(t *testing.T) {
	c := NewSimulatedClock(t0)
	called := false
	check := func(context.Context) (bool, int, error) { called = true; return true, 1, nil }

	for _, opts := range []PollOptions{
		{Interval: 0, Timeout: time.Second},
		{Interval: time.Second, Timeout: 0},
		{Interval: -time.Second, Timeout: time.Second},
	} {
		_, _, err := Poll(context.Background(), c, opts, check)
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrPollTimeout))
	}
	assert.False(t, called)
}

func TestPollCheckErrorAborts(t *testing.T) {
	boom := errors.New("db down")
	n, _, err := Poll(context.Background(), NewSimulatedClock(t0), PollOptions{Interval: time.Second, Timeout: time.Minute},
		func(context.Context) (bool, int, error) { return false, 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}
