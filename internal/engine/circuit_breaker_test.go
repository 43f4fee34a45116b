package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/casework/pkg/schema"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreakers(threshold int, cooldown time.Duration) (*Breakers, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	b.now = clock.Now
	return b, clock
}

func TestBreakers_StartsClosed(t *testing.T) {
	b, _ := newTestBreakers(3, time.Second)
	assert.NoError(t, b.Allow(OpStart))
	assert.Equal(t, CircuitClosed, b.State(OpStart))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3, 10*time.Second)

	b.Failure(OpSuspend)
	b.Failure(OpSuspend)
	assert.Equal(t, CircuitClosed, b.State(OpSuspend))

	assert.Equal(t, CircuitOpen, b.Failure(OpSuspend))

	err := b.Allow(OpSuspend)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
	assert.Equal(t, schema.KindConflict, schema.KindOf(err))

	// Other operations are unaffected.
	assert.NoError(t, b.Allow(OpActivate))
}

func TestBreakers_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreakers(3, 10*time.Second)

	b.Failure(OpCancel)
	b.Failure(OpCancel)
	b.Success(OpCancel)
	b.Failure(OpCancel)
	b.Failure(OpCancel)
	assert.Equal(t, CircuitClosed, b.State(OpCancel))
}

func TestBreakers_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreakers(1, 5*time.Second)

	b.Failure(OpAssign)
	require.Error(t, b.Allow(OpAssign))

	clock.Advance(5 * time.Second)
	require.NoError(t, b.Allow(OpAssign), "first call after cooldown is the trial call")

	err := b.Allow(OpAssign)
	require.Error(t, err, "only one trial call while half-open")
	assert.Contains(t, err.Error(), "half-open")

	b.Success(OpAssign)
	assert.Equal(t, CircuitClosed, b.State(OpAssign))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreakers(2, time.Second)

	b.Failure(OpDeploy)
	b.Failure(OpDeploy)
	clock.Advance(time.Second)
	assert.Equal(t, CircuitHalfOpen, b.State(OpDeploy))
	require.NoError(t, b.Allow(OpDeploy))

	assert.Equal(t, CircuitOpen, b.Failure(OpDeploy))
	require.Error(t, b.Allow(OpDeploy))
}

func TestBreakers_Stats(t *testing.T) {
	b, _ := newTestBreakers(4, time.Minute)
	b.Failure(OpFindTask)

	stats := b.Stats(OpFindTask)
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, 4, stats["failure_threshold"])
	assert.Equal(t, "1m0s", stats["cooldown"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
