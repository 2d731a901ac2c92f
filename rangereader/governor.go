package rangereader

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// ConcurrencyGovernor bounds how many in-flight attempts a single
// RangeReader allows across all keys at once (one bound per RangeReader,
// not per process), and adapts that bound downward under memory pressure
// sampled from gopsutil.
type ConcurrencyGovernor struct {
	mu       sync.Mutex
	sem      chan struct{}
	base     int
	pressure float64 // 0.0-1.0 VirtualMemory.UsedPercent threshold

	stop   chan struct{}
	stopOn sync.Once
	logger *logrus.Entry
}

// NewConcurrencyGovernor builds a governor with capacity base. If
// sampleInterval is positive, a background goroutine samples system
// memory pressure every interval and shrinks the effective capacity by
// half whenever usage exceeds pressureThreshold, restoring it once usage
// falls back below.
func NewConcurrencyGovernor(base int, pressureThreshold float64, sampleInterval time.Duration, logger *logrus.Entry) *ConcurrencyGovernor {
	if base <= 0 {
		base = 5 // config.Config.MaxRetryConcurrency default
	}
	if pressureThreshold <= 0 {
		pressureThreshold = 0.85
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	g := &ConcurrencyGovernor{
		sem:      make(chan struct{}, base),
		base:     base,
		pressure: pressureThreshold,
		stop:     make(chan struct{}),
		logger:   logger.WithField("component", "concurrency_governor"),
	}
	if sampleInterval > 0 {
		go g.sampleLoop(sampleInterval)
	}
	return g
}

// Acquire blocks until a slot is free or ctx is done, returning a release
// function to call exactly once. The semaphore channel is captured once so
// a concurrent resize cannot leave the release draining a channel this
// acquisition never pushed into.
func (g *ConcurrencyGovernor) Acquire(ctx context.Context) (func(), error) {
	g.mu.Lock()
	sem := g.sem
	g.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sampleLoop mirrors the pressure-level sampling pattern used elsewhere in
// this codebase's memory monitors, but reacts to it directly: under
// pressure, new Acquire calls queue behind a temporarily-halved capacity
// until usage recovers.
func (g *ConcurrencyGovernor) sampleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	shrunk := false
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			vm, err := mem.VirtualMemory()
			if err != nil {
				g.logger.WithError(err).Debug("concurrency governor: failed to sample memory")
				continue
			}
			underPressure := vm.UsedPercent/100 >= g.pressure
			if underPressure && !shrunk {
				g.resize(max(1, g.base/2))
				shrunk = true
				g.logger.WithField("used_percent", vm.UsedPercent).Warn("concurrency governor: shrinking under memory pressure")
			} else if !underPressure && shrunk {
				g.resize(g.base)
				shrunk = false
				g.logger.Info("concurrency governor: memory pressure cleared, restoring capacity")
			}
		}
	}
}

// resize replaces the semaphore with one of the new capacity. In-flight
// acquisitions keep holding (and later release into) the old channel they
// pushed into; only future admissions see the new bound. A grant already
// made is never revoked.
func (g *ConcurrencyGovernor) resize(capacity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sem = make(chan struct{}, capacity)
}

func (g *ConcurrencyGovernor) Close() {
	g.stopOn.Do(func() { close(g.stop) })
}
