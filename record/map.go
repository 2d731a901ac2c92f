package record

import (
	"bufio"
	"io"
	"sync"
)

// Map is the single-owner (non-concurrent) record accumulator: used when
// rebuilding a DotRecords payload from a buffer file, where only one
// goroutine ever touches it.
type Map struct {
	entries map[Key]Record
}

func NewMap() *Map {
	return &Map{entries: make(map[Key]Record)}
}

// MergeRecord folds r into the existing entry at r.Key(), creating it if
// absent.
func (m *Map) MergeRecord(r Record) {
	key := r.Key()
	if existing, ok := m.entries[key]; ok {
		m.entries[key] = existing.Merge(r)
	} else {
		m.entries[key] = r
	}
}

// IntoRecords drains the map into a DotRecords payload. Order is
// unspecified; the monitor keys on (type, api) anyway.
func (m *Map) IntoRecords() DotRecords {
	logs := make([]Record, 0, len(m.entries))
	for _, r := range m.entries {
		logs = append(logs, r)
	}
	return DotRecords{Logs: logs}
}

func (m *Map) Len() int {
	return len(m.entries)
}

// ReadLines parses one JSON record per non-empty line from r, merging each
// successfully-parsed line and silently discarding lines that fail to
// parse (they are gone either way — the buffer file is about to be
// truncated by the caller on success).
func (m *Map) ReadLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := rec.UnmarshalJSON(line); err != nil {
			continue
		}
		m.MergeRecord(rec)
	}
	return scanner.Err()
}

const stripeCount = 32

// ConcurrentMap is the live-dotting accumulator: many goroutines call Dot
// and Punish concurrently from network-attempt completions. Go's built-in
// map has no atomic upsert-with-reducer, so entries are sharded across a
// fixed number of mutex-guarded stripes keyed by hash(Key), matching the
// "striped lock" re-architecting pattern for entry-level atomic merge.
type ConcurrentMap struct {
	stripes [stripeCount]stripe
}

type stripe struct {
	mu      sync.Mutex
	entries map[Key]Record
}

func NewConcurrentMap() *ConcurrentMap {
	m := &ConcurrentMap{}
	for i := range m.stripes {
		m.stripes[i].entries = make(map[Key]Record)
	}
	return m
}

func (m *ConcurrentMap) stripeFor(k Key) *stripe {
	h := hashKey(k)
	return &m.stripes[h%stripeCount]
}

func hashKey(k Key) uint32 {
	var h uint32 = 2166136261
	mix := func(b byte) {
		h ^= uint32(b)
		h *= 16777619
	}
	if k.Punished {
		mix(1)
		return h
	}
	for _, c := range k.DotType {
		mix(byte(c))
	}
	for _, c := range k.APIName {
		mix(byte(c))
	}
	return h
}

// MergeRecord folds r into the entry at r.Key() under that entry's stripe
// lock only — concurrent merges into different stripes never block each
// other.
func (m *ConcurrentMap) MergeRecord(r Record) {
	s := m.stripeFor(r.Key())
	s.mu.Lock()
	defer s.mu.Unlock()
	key := r.Key()
	if existing, ok := s.entries[key]; ok {
		s.entries[key] = existing.Merge(r)
	} else {
		s.entries[key] = r
	}
}

// Flush invokes write once per entry under that entry's stripe lock; an
// entry is removed only when write returns true, so entries that fail to
// persist survive for the next cycle.
func (m *ConcurrentMap) Flush(write func(Record) bool) {
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		for key, r := range s.entries {
			if write(r) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}

func (m *ConcurrentMap) Len() int {
	n := 0
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
