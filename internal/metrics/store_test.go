package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestRecordSync(t *testing.T) {
	s := NewStore(10)
	s.RecordSync(nil)
	s.RecordSync(errors.New("backend 500"))
	snap := s.Snapshot()
	if snap.Sync.Cycles != 2 || snap.Sync.Failures != 1 {
		t.Fatalf("unexpected sync stats: %+v", snap.Sync)
	}
	if snap.Sync.LastError != "backend 500" {
		t.Fatalf("last error: %q", snap.Sync.LastError)
	}
	s.RecordSync(nil)
	if got := s.Snapshot().Sync.LastError; got != "" {
		t.Fatalf("success should clear last error, got %q", got)
	}
}

func TestRecordDetectionCountsZones(t *testing.T) {
	s := NewStore(10)
	s.RecordDetection("North Gate", OutcomeDispatched)
	s.RecordDetection("North Gate", OutcomeIgnored)
	s.RecordDetection("", OutcomeSuppressed)
	s.RecordDetection("North Gate", OutcomeDuplicate)

	snap := s.Snapshot()
	if snap.Dispatch.Received != 4 || snap.Dispatch.Duplicates != 1 || snap.Dispatch.Dispatched != 1 {
		t.Fatalf("dispatch stats: %+v", snap.Dispatch)
	}
	z, ok := s.Zone("North Gate")
	if !ok || z.Detections != 2 || z.Dispatched != 1 {
		t.Fatalf("zone stats: %+v", z)
	}
	if _, ok := s.Zone("unknown"); !ok {
		t.Fatalf("empty zone should be tracked as unknown")
	}
}

func TestZoneEviction(t *testing.T) {
	s := NewStore(2)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	for _, zone := range []string{"A", "B", "C"} {
		s.RecordDetection(zone, OutcomeIgnored)
		clock = clock.Add(time.Second)
	}
	if _, ok := s.Zone("A"); ok {
		t.Fatalf("oldest zone should be evicted")
	}
	if len(s.Snapshot().Zones) != 2 {
		t.Fatalf("expected 2 zones")
	}
}
