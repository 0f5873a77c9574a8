package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 10, 45, 51, 0, time.UTC)

func TestSimulatedClock(t *testing.T) {
	c := NewSimulatedClock(t0)
	require.NoError(t, c.Sleep(context.Background(), time.Second))
	assert.Equal(t, t0.Add(time.Second), c.Now())

	c.Advance(-time.Hour)
	assert.Equal(t, t0.Add(time.Second), c.Now(), "negative advances are ignored")
	c.Set(t0)
	assert.Equal(t, t0.Add(time.Second), c.Now(), "cannot go back")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
}

func TestReplayedClock(t *testing.T) {
	base := NewSimulatedClock(t0)
	replayStart := time.Date(2023, 6, 1, 9, 30, 0, 0, time.UTC)
	c, err := NewReplayedClock(base, replayStart, 2)
	require.NoError(t, err)
	assert.Equal(t, replayStart, c.Now())

	base.Advance(time.Minute)
	assert.Equal(t, replayStart.Add(2*time.Minute), c.Now())

	require.NoError(t, c.Sleep(context.Background(), time.Minute))
	assert.Equal(t, replayStart.Add(3*time.Minute), c.Now(), "sleeping a replayed minute takes half a base minute")

	_, err = NewReplayedClock(base, t0.Add(time.Hour), 1)
	assert.Error(t, err, "cannot replay the future")
	_, err = NewReplayedClock(base, replayStart, 0)
	assert.Error(t, err)
}

func TestCeilAndAlign(t *testing.T) {
	assert.Equal(t, time.Date(2024, 1, 2, 10, 46, 0, 0, time.UTC), Ceil(t0, time.Minute))
	aligned := time.Date(2024, 1, 2, 10, 45, 0, 0, time.UTC)
	assert.Equal(t, aligned, Ceil(aligned, time.Minute))

	c := NewSimulatedClock(t0)
	require.NoError(t, AlignOnGrid(context.Background(), c, time.Minute))
	assert.Equal(t, time.Date(2024, 1, 2, 10, 46, 0, 0, time.UTC), c.Now())
	assert.Error(t, AlignOnGrid(context.Background(), c, 0))
}

func TestWaitUntilPast(t *testing.T) {
	c := NewSimulatedClock(t0)
	require.NoError(t, WaitUntil(context.Background(), c, t0.Add(-time.Hour)))
	assert.Equal(t, t0, c.Now())
}

func TestWallClockSleepCancelled(t *testing.T) {
	c := NewWallClock(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Minute)
	assert.Equal(t, time.UTC, c.Now().Location())
}
