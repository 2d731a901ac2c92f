package hostpool

import (
	"time"

	"github.com/sirupsen/logrus"
)

// PunishRecorder is the narrow interface Selector.Punish uses to tell the
// telemetry pipeline about a freeze, without hostpool importing the dot
// package (dot already imports hostpool to run its own monitor selector —
// the dependency only ever points one way).
type PunishRecorder interface {
	RecordPunished()
}

// Selector implements the round-robin seek-with-policy algorithm over a
// Registry: rotate, prefer hosts whose punishment has expired, fall back
// to the least-bad candidate.
type Selector struct {
	registry *Registry
	policy   Policy
	logger   *logrus.Entry
}

func NewSelector(registry *Registry, policy Policy, logger *logrus.Entry) *Selector {
	return &Selector{
		registry: registry,
		policy:   policy.withDefaults(),
		logger:   logger,
	}
}

type candidate struct {
	host  string
	state State
}

// candidateRank orders candidates by: punishment-expired first, then
// available (non-connection-sensitive), then the reverse of the health
// ordering (smallest timeout power etc. wins).
func (s *Selector) candidateRank(c candidate) (expired bool, available bool, key compareKey) {
	expired = s.policy.IsPunishmentExpired(c.state)
	available = s.policy.IsAvailable(c.state, false)
	key = c.state.key()
	return
}

// bestCandidate returns the index of the "least bad" candidate: prefer
// expired, then available, then the reverse health order (ties broken by
// smallest key, i.e. the healthiest-looking state).
func (s *Selector) bestCandidate(cands []candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if s.candidateBetter(cands[i], cands[best]) {
			best = i
		}
	}
	return best
}

func (s *Selector) candidateBetter(a, b candidate) bool {
	aExpired, aAvail, aKey := s.candidateRank(a)
	bExpired, bAvail, bKey := s.candidateRank(b)
	if aExpired != bExpired {
		return aExpired
	}
	if aAvail != bAvail {
		return aAvail
	}
	// reverse of health ordering: smaller compareKey (healthier) wins.
	return compareKeyLess(aKey, bKey)
}

// Select rotates through the registry looking for a usable host. tried is
// the set of hosts to skip. Returns false if no host could be selected.
func (s *Selector) Select(tried map[string]bool) (HostInfo, bool) {
	hosts := s.registry.Hosts()
	n := len(hosts)
	if n == 0 {
		return HostInfo{}, false
	}
	maxSeek := s.policy.MaxSeekTimes(n) + 1

	var candidates []candidate
	for attempt := 0; attempt < maxSeek; attempt++ {
		idx := s.registry.NextIndex()
		host, entry, ok := s.registry.entryAt(idx)
		if !ok {
			continue
		}
		if tried[host] {
			continue
		}
		state := entry.read()

		if s.policy.IsPunishmentExpired(state) {
			return s.commit(host, 0, s.policy.BaseTimeout), true
		}

		currentPower := int(s.registry.currentTimeoutPower.Load())
		if s.policy.IsAvailable(state, true) && currentPower >= state.TimeoutPower {
			return s.commit(host, state.TimeoutPower, s.policy.Timeout(state)), true
		}

		candidates = append(candidates, candidate{host: host, state: state})
	}

	if len(candidates) == 0 {
		return HostInfo{}, false
	}
	best := candidates[s.bestCandidate(candidates)]
	return s.commit(best.host, best.state.TimeoutPower, s.policy.Timeout(best.state)), true
}

func (s *Selector) commit(host string, power int, timeout time.Duration) HostInfo {
	s.registry.currentTimeoutPower.Store(int64(power))
	return HostInfo{Host: host, TimeoutPower: power, Timeout: timeout}
}

// Reward resets a host's punishment state after a successful call and
// steps its timeout power back down by one.
func (s *Selector) Reward(host string) {
	e := s.registry.entryFor(host)
	if e == nil {
		return
	}
	e.withState(func(st State) State {
		st.ContinuousPunishedTimes = 0
		st.FailedToConnect = false
		if st.TimeoutPower > 0 {
			st.TimeoutPower--
		}
		return st
	})
}

// Punish applies the punishment policy, recording a PunishedCount with
// recorder when the host freezes. Pass a nil recorder to get
// PunishWithoutDotter's behavior (used by the dotter's own upload retry
// loop, which records the freeze in its own record map instead of going
// back through a recorder).
func (s *Selector) Punish(host string, err error, recorder PunishRecorder) PunishResult {
	if !s.policy.shouldPunish(err) {
		return NoPunishment
	}
	e := s.registry.entryFor(host)
	if e == nil {
		return NoPunishment
	}
	st := e.withState(func(st State) State {
		st.ContinuousPunishedTimes++
		st.LastPunishedAt = time.Now()
		st.HasBeenPunished = true
		return st
	})
	if s.policy.IsAvailable(st, false) {
		return Punished
	}
	if recorder != nil {
		recorder.RecordPunished()
	}
	if s.logger != nil {
		s.logger.WithField("host", host).Info("hostpool: host frozen after repeated punishment")
	}
	return PunishedAndFreezed
}

// PunishWithoutDotter is Punish with no freeze recorder, used by the
// dotter's upload-retry loop against its own monitor selector (which must
// not re-enter the dotter it reports for).
func (s *Selector) PunishWithoutDotter(host string, err error) PunishResult {
	return s.Punish(host, err, nil)
}

func (s *Selector) IncreaseTimeoutPowerBy(host string, p int) {
	s.registry.IncreaseTimeoutPowerBy(host, p)
}

func (s *Selector) MarkConnectionAsFailed(host string) {
	s.registry.MarkConnectionAsFailed(host)
}

// SetHosts replaces the underlying registry's host sequence.
func (s *Selector) SetHosts(hosts []string) {
	s.registry.SetHosts(hosts)
}

// Hosts returns a snapshot of the underlying registry's host sequence.
func (s *Selector) Hosts() []string {
	return s.registry.Hosts()
}
