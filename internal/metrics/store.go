package metrics

import (
	"sync"
	"time"
)

// ZoneStats counts detections and dispatched alerts for one zone label.
type ZoneStats struct {
	Zone       string    `json:"zone"`
	Detections int       `json:"detections"`
	Dispatched int       `json:"dispatched"`
	LastSeen   time.Time `json:"last_seen"`
}

type SyncStats struct {
	Cycles        uint64    `json:"cycles"`
	Failures      uint64    `json:"failures"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

type DispatchStats struct {
	Received   uint64 `json:"received"`
	Duplicates uint64 `json:"duplicates"`
	Ignored    uint64 `json:"ignored"`
	Dispatched uint64 `json:"dispatched"`
	Suppressed uint64 `json:"suppressed"`
	Errors     uint64 `json:"errors"`
}

type Snapshot struct {
	Sync     SyncStats     `json:"sync"`
	Dispatch DispatchStats `json:"dispatch"`
	Zones    []ZoneStats   `json:"zones"`
}

// Store keeps process counters for the sync loop and the dispatcher. Zone
// entries are bounded; the least recently seen zone is evicted first.
type Store struct {
	mu       sync.RWMutex
	sync     SyncStats
	dispatch DispatchStats
	byZone   map[string]*ZoneStats
	limit    int
	now      func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{
		byZone: make(map[string]*ZoneStats),
		limit:  limit,
		now:    time.Now,
	}
}

func (s *Store) RecordSync(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	s.sync.Cycles++
	s.sync.LastCycleAt = now
	if err != nil {
		s.sync.Failures++
		s.sync.LastError = err.Error()
		return
	}
	s.sync.LastError = ""
	s.sync.LastSuccessAt = now
}

type Outcome int

const (
	OutcomeDuplicate Outcome = iota
	OutcomeIgnored
	OutcomeDispatched
	OutcomeSuppressed
	OutcomeError
)

// RecordDetection counts one detection seen by the dispatcher and what
// became of it.
func (s *Store) RecordDetection(zone string, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch.Received++
	switch outcome {
	case OutcomeDuplicate:
		s.dispatch.Duplicates++
		return
	case OutcomeIgnored:
		s.dispatch.Ignored++
	case OutcomeDispatched:
		s.dispatch.Dispatched++
	case OutcomeSuppressed:
		s.dispatch.Suppressed++
	case OutcomeError:
		s.dispatch.Errors++
	}
	if zone == "" {
		zone = "unknown"
	}
	z, ok := s.byZone[zone]
	if !ok {
		z = &ZoneStats{Zone: zone}
		s.byZone[zone] = z
	}
	z.Detections++
	if outcome == OutcomeDispatched {
		z.Dispatched++
	}
	z.LastSeen = s.now().UTC()
	if len(s.byZone) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{Sync: s.sync, Dispatch: s.dispatch, Zones: make([]ZoneStats, 0, len(s.byZone))}
	for _, z := range s.byZone {
		out.Zones = append(out.Zones, *z)
	}
	return out
}

func (s *Store) Zone(zone string) (ZoneStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.byZone[zone]
	if !ok {
		return ZoneStats{}, false
	}
	return *z, true
}

func (s *Store) evictOldest() {
	var oldestZone string
	var oldest time.Time
	for zone, z := range s.byZone {
		if oldestZone == "" || z.LastSeen.Before(oldest) {
			oldestZone = zone
			oldest = z.LastSeen
		}
	}
	if oldestZone != "" {
		delete(s.byZone, oldestZone)
	}
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync = SyncStats{}
	s.dispatch = DispatchStats{}
	s.byZone = make(map[string]*ZoneStats)
}
