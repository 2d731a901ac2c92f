// Package hostpool implements adaptive host selection over a set of
// interchangeable endpoints: a registry of per-host health state (A), a
// punishment policy that decides availability and backoff (B), and a
// selector that rotates through hosts applying that policy (C).
package hostpool

import (
	"time"
)

// State is the per-host health record tracked by the registry.
type State struct {
	LastPunishedAt          time.Time
	HasBeenPunished         bool
	ContinuousPunishedTimes int
	TimeoutPower            int
	FailedToConnect         bool
}

// compareKey projects a State into the lexicographic comparison key
// (failed_to_connect, timeout_power, continuous_punished_times, last_punished_at),
// larger = worse, used to break ties among unavailable candidates.
type compareKey struct {
	failedToConnect         bool
	timeoutPower            int
	continuousPunishedTimes int
	lastPunishedAtUnixNano  int64
}

func (s State) key() compareKey {
	var nano int64
	if s.HasBeenPunished {
		nano = s.LastPunishedAt.UnixNano()
	}
	return compareKey{
		failedToConnect:         s.FailedToConnect,
		timeoutPower:            s.TimeoutPower,
		continuousPunishedTimes: s.ContinuousPunishedTimes,
		lastPunishedAtUnixNano:  nano,
	}
}

// compareKeyLess reports whether a sorts before b under the
// "larger = worse" ordering, i.e. a looks healthier than b.
func compareKeyLess(a, b compareKey) bool {
	if a.failedToConnect != b.failedToConnect {
		return !a.failedToConnect // false < true
	}
	if a.timeoutPower != b.timeoutPower {
		return a.timeoutPower < b.timeoutPower
	}
	if a.continuousPunishedTimes != b.continuousPunishedTimes {
		return a.continuousPunishedTimes < b.continuousPunishedTimes
	}
	return a.lastPunishedAtUnixNano < b.lastPunishedAtUnixNano
}

// HostInfo is the immutable snapshot returned from a successful selection.
type HostInfo struct {
	Host         string
	TimeoutPower int
	Timeout      time.Duration
}

// PunishResult reports what a Punish call did to the host: nothing (the
// error was not punishable), a demerit, or a demerit that pushed the host
// over its punishment budget and froze it out of rotation.
type PunishResult int

const (
	NoPunishment PunishResult = iota
	Punished
	PunishedAndFreezed
)
