package hostpool

import "time"

// ShouldPunishFunc decides whether an error should count against a host at
// all. A nil ShouldPunishFunc means every error punishes.
type ShouldPunishFunc func(err error) bool

// Policy bundles the punishment tunables. NewPolicy returns a Policy with
// every default filled in; zero values in any other Policy are replaced
// with the documented defaults when NewSelector builds a Selector.
type Policy struct {
	PunishDuration          time.Duration // default 30 min
	BaseTimeout             time.Duration // default 3s
	MaxPunishedTimes        int           // default 5
	MaxPunishedHostsPercent int           // default 50
	ShouldPunish            ShouldPunishFunc
}

const maxTimeout = 600 * time.Second

func NewPolicy() Policy {
	return Policy{
		PunishDuration:          30 * time.Minute,
		BaseTimeout:             3 * time.Second,
		MaxPunishedTimes:        5,
		MaxPunishedHostsPercent: 50,
	}
}

func (p Policy) withDefaults() Policy {
	if p.PunishDuration <= 0 {
		p.PunishDuration = 30 * time.Minute
	}
	if p.BaseTimeout <= 0 {
		p.BaseTimeout = 3 * time.Second
	}
	if p.MaxPunishedTimes <= 0 {
		p.MaxPunishedTimes = 5
	}
	if p.MaxPunishedHostsPercent <= 0 {
		p.MaxPunishedHostsPercent = 50
	}
	return p
}

// IsPunishmentExpired: last_punished_at is None (state never punished) or
// elapsed since it reaches or exceeds PunishDuration.
func (p Policy) IsPunishmentExpired(s State) bool {
	if !s.HasBeenPunished {
		return true
	}
	return time.Since(s.LastPunishedAt) >= p.PunishDuration
}

// IsAvailable: (not connection-sensitive, or not failed_to_connect) and
// continuous_punished_times <= max_punished_times.
func (p Policy) IsAvailable(s State, connectionSensitive bool) bool {
	if connectionSensitive && s.FailedToConnect {
		return false
	}
	return s.ContinuousPunishedTimes <= p.MaxPunishedTimes
}

// Timeout: min(base_timeout * 2^timeout_power, 600s).
func (p Policy) Timeout(s State) time.Duration {
	t := p.BaseTimeout
	for i := 0; i < s.TimeoutPower; i++ {
		t *= 2
		if t >= maxTimeout {
			return maxTimeout
		}
	}
	if t > maxTimeout {
		return maxTimeout
	}
	return t
}

func (p Policy) shouldPunish(err error) bool {
	if p.ShouldPunish == nil {
		return true
	}
	return p.ShouldPunish(err)
}

// MaxSeekTimes bounds how many rotation slots one selection may inspect:
// floor(n * MaxPunishedHostsPercent / 100) for a registry of n hosts.
func (p Policy) MaxSeekTimes(n int) int {
	return n * p.MaxPunishedHostsPercent / 100
}
