package hostpool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSelector(hosts []string, policy Policy) *Selector {
	reg := NewRegistry(hosts, nil, 0, nil)
	return NewSelector(reg, policy, nil)
}

func TestSelectReturnsHostWhenAvailable(t *testing.T) {
	sel := newTestSelector([]string{"h1", "h2", "h3"}, NewPolicy())
	info, ok := sel.Select(nil)
	require.True(t, ok)
	assert.Contains(t, []string{"h1", "h2", "h3"}, info.Host)
	assert.Equal(t, 0, info.TimeoutPower)
}

func TestSelectSkipsTriedHosts(t *testing.T) {
	sel := newTestSelector([]string{"h1", "h2"}, NewPolicy())
	tried := map[string]bool{"h1": true, "h2": true}
	_, ok := sel.Select(tried)
	assert.False(t, ok)
}

func TestRewardResetsState(t *testing.T) {
	policy := NewPolicy()
	policy.BaseTimeout = 100 * time.Millisecond
	sel := newTestSelector([]string{"h1"}, policy)

	sel.IncreaseTimeoutPowerBy("h1", 2)
	sel.Punish("h1", errors.New("boom"), nil)

	sel.Reward("h1")

	e := sel.registry.entryFor("h1")
	st := e.read()
	assert.Equal(t, 0, st.ContinuousPunishedTimes)
	assert.False(t, st.FailedToConnect)
	assert.Equal(t, 2, st.TimeoutPower) // max(0, 3-1) after one reward; increase set power to 3
}

func TestPunishFreezeRecordsPunishedCount(t *testing.T) {
	// With a budget of 2, the third punishment freezes the host and records
	// exactly one punished count.
	policy := NewPolicy()
	policy.MaxPunishedTimes = 2
	sel := newTestSelector([]string{"h1"}, policy)

	recorder := &countingRecorder{}
	err := errors.New("x")

	r1 := sel.Punish("h1", err, recorder)
	r2 := sel.Punish("h1", err, recorder)
	r3 := sel.Punish("h1", err, recorder)

	assert.Equal(t, Punished, r1)
	assert.Equal(t, Punished, r2)
	assert.Equal(t, PunishedAndFreezed, r3)
	assert.Equal(t, 1, recorder.count)
}

func TestPunishNoPunishmentWhenShouldPunishFalse(t *testing.T) {
	policy := NewPolicy()
	policy.ShouldPunish = func(err error) bool { return false }
	sel := newTestSelector([]string{"h1"}, policy)

	result := sel.Punish("h1", errors.New("x"), nil)
	assert.Equal(t, NoPunishment, result)
}

func TestSelectResumesAfterPunishmentsExpire(t *testing.T) {
	// After punishing every host with a short punish duration, expired
	// punishments let rotation resume at the base timeout.
	policy := NewPolicy()
	policy.BaseTimeout = 50 * time.Millisecond
	policy.PunishDuration = 100 * time.Millisecond
	policy.MaxPunishedTimes = 1

	sel := newTestSelector([]string{"h1", "h2", "h3"}, policy)

	// Rotation visits each host once; punish whichever host was selected.
	for i := 0; i < 3; i++ {
		info, ok := sel.Select(nil)
		require.True(t, ok)
		sel.Punish(info.Host, errors.New("x"), nil)
	}

	time.Sleep(150 * time.Millisecond)

	// After the punish window expires, selection should succeed again with
	// a base timeout (punishment-expired branch).
	info, ok := sel.Select(nil)
	require.True(t, ok)
	assert.Equal(t, policy.BaseTimeout, info.Timeout)
}

func TestSelectRapidReselectionIsStable(t *testing.T) {
	// Selection depends only on host state, never on how fast callers
	// re-select: many back-to-back selects against the same punished-but-
	// available host must all land on the escalated-timeout branch.
	policy := NewPolicy()
	policy.BaseTimeout = 100 * time.Millisecond
	sel := newTestSelector([]string{"h1"}, policy)

	sel.IncreaseTimeoutPowerBy("h1", 0) // power 1, punishment fresh

	for i := 0; i < 20; i++ {
		info, ok := sel.Select(nil)
		require.True(t, ok)
		assert.Equal(t, "h1", info.Host)
		assert.Equal(t, 1, info.TimeoutPower)
		assert.Equal(t, 200*time.Millisecond, info.Timeout)
	}
}

type countingRecorder struct{ count int }

func (c *countingRecorder) RecordPunished() { c.count++ }
