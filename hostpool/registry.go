package hostpool

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// UpdateFunc refreshes the host list from an external source (e.g. a UC
// query). Returning an empty slice is treated as "nothing new" and ignored;
// a non-nil error is logged and otherwise silent.
type UpdateFunc func(ctx context.Context) ([]string, error)

type hostEntry struct {
	mu    sync.Mutex
	state State
}

// Registry holds the ordered host sequence and per-host health state.
// The sequence is immutable between SetHosts
// calls; per-host state is mutated in place under each entry's own lock so
// concurrent selections on different hosts never contend.
type Registry struct {
	mu      sync.RWMutex // guards hosts and entries as a pair during SetHosts
	hosts   []string
	entries map[string]*hostEntry

	index               atomic.Uint64
	currentTimeoutPower atomic.Int64

	updateFn       UpdateFunc
	updateInterval time.Duration
	lastUpdateAt   atomic.Int64 // unix nano; 0 means never
	refreshing     atomic.Bool

	logger *logrus.Entry
}

// NewRegistry builds a registry over hosts, shuffled so every process
// starts its rotation at a different point. updateFn may be nil to
// disable automatic refresh.
func NewRegistry(hosts []string, updateFn UpdateFunc, updateInterval time.Duration, logger *logrus.Entry) *Registry {
	r := &Registry{
		updateFn:       updateFn,
		updateInterval: updateInterval,
		logger:         logger,
	}
	r.replace(hosts)
	return r
}

func (r *Registry) replace(hosts []string) {
	shuffled := make([]string, len(hosts))
	copy(shuffled, hosts)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	entries := make(map[string]*hostEntry, len(shuffled))
	for _, h := range shuffled {
		// Every host, including ones retained from the prior topology, gets a
		// fresh default State: replacement is treated as a new topology even
		// when the same host URL reappears.
		entries[h] = &hostEntry{}
	}

	r.mu.Lock()
	r.hosts = shuffled
	r.entries = entries
	r.mu.Unlock()
}

// SetHosts atomically replaces the host sequence.
func (r *Registry) SetHosts(hosts []string) {
	r.replace(hosts)
}

// Hosts returns a snapshot of the current host sequence.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.hosts))
	copy(out, r.hosts)
	return out
}

// NextIndex fetch-and-increments the round-robin counter, triggering a
// background refresh if one is due and not already in flight.
func (r *Registry) NextIndex() uint64 {
	idx := r.index.Add(1) - 1
	r.maybeScheduleRefresh()
	return idx
}

func (r *Registry) maybeScheduleRefresh() {
	if r.updateFn == nil || r.updateInterval <= 0 {
		return
	}
	last := r.lastUpdateAt.Load()
	now := time.Now().UnixNano()
	if last != 0 && time.Duration(now-last) < r.updateInterval {
		return
	}
	if !r.refreshing.CompareAndSwap(false, true) {
		return // another refresh already in flight
	}
	go r.backgroundRefresh()
}

// backgroundRefresh retries the update callback with a capped exponential
// backoff before giving up silently for this cycle.
func (r *Registry) backgroundRefresh() {
	defer r.refreshing.Store(false)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.updateInterval
	bo.MaxInterval = 5 * time.Second

	var hosts []string
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		got, err := r.updateFn(ctx)
		if err != nil {
			return err
		}
		hosts = got
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Warn("hostpool: background host refresh failed, keeping current topology")
		}
		r.lastUpdateAt.Store(time.Now().UnixNano())
		return
	}
	if len(hosts) == 0 {
		r.lastUpdateAt.Store(time.Now().UnixNano())
		return
	}
	r.SetHosts(hosts)
	r.lastUpdateAt.Store(time.Now().UnixNano())
}

// entryAt returns the entry for the host at position i mod len(hosts), and
// the host itself. Safe for concurrent use with SetHosts: it takes a read
// lock for the duration of the slice/map lookup only.
func (r *Registry) entryAt(i uint64) (string, *hostEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.hosts)
	if n == 0 {
		return "", nil, false
	}
	host := r.hosts[i%uint64(n)]
	return host, r.entries[host], true
}

func (r *Registry) entryFor(host string) *hostEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[host]
}

// withState runs f against host's current state under that host's own
// lock, persisting any mutation f makes through its return value.
func (e *hostEntry) withState(f func(State) State) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = f(e.state)
	return e.state
}

func (e *hostEntry) read() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IncreaseTimeoutPowerBy sets TimeoutPower = max(existing, p+1) and
// refreshes the punishment timestamp.
func (r *Registry) IncreaseTimeoutPowerBy(host string, p int) {
	e := r.entryFor(host)
	if e == nil {
		return
	}
	e.withState(func(s State) State {
		if p+1 > s.TimeoutPower {
			s.TimeoutPower = p + 1
		}
		s.LastPunishedAt = time.Now()
		s.HasBeenPunished = true
		return s
	})
}

// MarkConnectionAsFailed sets FailedToConnect and refreshes the
// punishment timestamp.
func (r *Registry) MarkConnectionAsFailed(host string) {
	e := r.entryFor(host)
	if e == nil {
		return
	}
	e.withState(func(s State) State {
		s.FailedToConnect = true
		s.LastPunishedAt = time.Now()
		s.HasBeenPunished = true
		return s
	})
}
