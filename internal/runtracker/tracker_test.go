package runtracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SecondCallFailsWhileActive(t *testing.T) {
	tr := New(30 * time.Minute)
	now := time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

	release, err := tr.Acquire(now)
	require.NoError(t, err)
	defer release()

	_, err = tr.Acquire(now.Add(time.Minute))
	require.Error(t, err)
	var alreadyRunning *AlreadyRunningError
	assert.ErrorAs(t, err, &alreadyRunning)
}

func TestRelease_ClearsActiveState(t *testing.T) {
	tr := New(30 * time.Minute)
	now := time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

	release, err := tr.Acquire(now)
	require.NoError(t, err)
	release()

	assert.False(t, tr.IsActive(now))

	_, err = tr.Acquire(now)
	assert.NoError(t, err)
}

func TestRelease_IsIdempotent(t *testing.T) {
	tr := New(30 * time.Minute)
	now := time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

	release, err := tr.Acquire(now)
	require.NoError(t, err)
	release()
	release() // must not panic or double-clear another acquirer's state

	_, err = tr.Acquire(now)
	assert.NoError(t, err)
}

func TestSelfExpiry_ReportsNotActiveAfterTimeout(t *testing.T) {
	tr := New(30 * time.Minute)
	started := time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

	_, err := tr.Acquire(started)
	require.NoError(t, err)

	beforeTimeout := started.Add(29 * time.Minute)
	assert.True(t, tr.IsActive(beforeTimeout))

	afterTimeout := started.Add(31 * time.Minute)
	assert.False(t, tr.IsActive(afterTimeout))

	// Self-expiry clears the flag, so a fresh Acquire after the timeout
	// succeeds even without calling the original release.
	_, err = tr.Acquire(afterTimeout)
	assert.NoError(t, err)
}

func TestStartedAt_ReflectsActiveRun(t *testing.T) {
	tr := New(30 * time.Minute)
	now := time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

	_, ok := tr.StartedAt()
	assert.False(t, ok)

	release, err := tr.Acquire(now)
	require.NoError(t, err)
	defer release()

	started, ok := tr.StartedAt()
	require.True(t, ok)
	assert.Equal(t, now, started)
}
