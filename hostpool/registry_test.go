package hostpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHostsResetsStateEvenForRetainedHosts(t *testing.T) {
	reg := NewRegistry([]string{"h1", "h2"}, nil, 0, nil)
	reg.IncreaseTimeoutPowerBy("h1", 5)

	e := reg.entryFor("h1")
	require.Equal(t, 6, e.read().TimeoutPower)

	reg.SetHosts([]string{"h1", "h3"})

	e2 := reg.entryFor("h1")
	assert.Equal(t, 0, e2.read().TimeoutPower, "set_hosts resets state even for a host URL that reappears")
}

func TestNextIndexRoundRobinsModuloHostCount(t *testing.T) {
	reg := NewRegistry([]string{"a", "b"}, nil, 0, nil)
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		idx := reg.NextIndex()
		h, _, ok := reg.entryAt(idx)
		require.True(t, ok)
		seen[h]++
	}
	assert.Equal(t, 5, seen["a"])
	assert.Equal(t, 5, seen["b"])
}

func TestBackgroundRefreshAppliesNewHosts(t *testing.T) {
	var calls atomic.Int32
	update := func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		return []string{"new1", "new2"}, nil
	}
	reg := NewRegistry([]string{"old1"}, update, time.Millisecond, nil)

	reg.NextIndex() // schedules background refresh

	require.Eventually(t, func() bool {
		return len(reg.Hosts()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestBackgroundRefreshIgnoresEmptyResult(t *testing.T) {
	update := func(ctx context.Context) ([]string, error) {
		return nil, nil
	}
	reg := NewRegistry([]string{"old1"}, update, time.Millisecond, nil)
	reg.NextIndex()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"old1"}, reg.Hosts())
}
