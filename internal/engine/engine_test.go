package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rhinoguard/internal/alerts"
	"rhinoguard/internal/config"
	"rhinoguard/internal/gateway"
	"rhinoguard/internal/metrics"
	"rhinoguard/internal/model"
)

type fakeCreator struct {
	mu    sync.Mutex
	calls []model.Overrides
	err   error
}

func (f *fakeCreator) CreateAlertFromDetection(ctx context.Context, det model.Detection, ov model.Overrides) (model.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ov)
	if f.err != nil {
		return model.Alert{}, f.err
	}
	return model.Alert{ID: "RG-1", DetectionID: det.ID, Status: model.StatusSent, CreatedBy: ov.CreatedBy}, nil
}

func (f *fakeCreator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func dispatchConfig(auto bool) *config.Manager {
	cfg := config.DefaultConfig()
	cfg.Ingest.AutoDispatch = auto
	return config.NewStaticManager(cfg)
}

func poacher(id string) model.Detection {
	return model.Detection{
		ID:         id,
		ClassName:  "poacher",
		Confidence: 0.93,
		Zone:       "Zone B",
		Timestamp:  time.Date(2025, 11, 6, 3, 10, 0, 0, time.UTC),
	}
}

func TestDispatcherCreatesAlertForEligibleDetection(t *testing.T) {
	creator := &fakeCreator{}
	m := metrics.NewStore(10)
	d := NewDispatcher(dispatchConfig(true), creator, m, nil)

	alert, ok := d.ProcessDetection(context.Background(), poacher("DET-1"))
	if !ok {
		t.Fatalf("expected dispatch")
	}
	if alert.CreatedBy != AutoDispatchOperator {
		t.Fatalf("created_by: %q", alert.CreatedBy)
	}
	if creator.calls[0].Notes == "" {
		t.Fatalf("auto dispatch should annotate the alert")
	}
	if z, _ := m.Zone("Zone B"); z.Dispatched != 1 {
		t.Fatalf("zone metrics: %+v", z)
	}
}

func TestDispatcherSkipsIneligibleDetection(t *testing.T) {
	creator := &fakeCreator{}
	d := NewDispatcher(dispatchConfig(true), creator, nil, nil)
	rhino := model.Detection{ID: "DET-2", ClassName: "rhino", Confidence: 0.4}
	if _, ok := d.ProcessDetection(context.Background(), rhino); ok {
		t.Fatalf("low-confidence rhino should not dispatch")
	}
	if creator.count() != 0 {
		t.Fatalf("creator should not be called")
	}
}

func TestDispatcherRespectsAutoDispatchFlag(t *testing.T) {
	creator := &fakeCreator{}
	d := NewDispatcher(dispatchConfig(false), creator, nil, nil)
	if _, ok := d.ProcessDetection(context.Background(), poacher("DET-3")); ok {
		t.Fatalf("auto dispatch disabled")
	}
	if creator.count() != 0 {
		t.Fatalf("creator should not be called")
	}
}

func TestDispatcherDropsRedeliveredDetection(t *testing.T) {
	creator := &fakeCreator{}
	m := metrics.NewStore(10)
	d := NewDispatcher(dispatchConfig(true), creator, m, nil)
	ctx := context.Background()
	d.ProcessDetection(ctx, poacher("DET-4"))
	d.ProcessDetection(ctx, poacher("DET-4"))
	if creator.count() != 1 {
		t.Fatalf("redelivery should be dropped, calls=%d", creator.count())
	}
	if got := m.Snapshot().Dispatch.Duplicates; got != 1 {
		t.Fatalf("duplicates: %d", got)
	}
}

func TestDispatcherRetriesAfterBackendError(t *testing.T) {
	creator := &fakeCreator{err: errors.New("server error: 500")}
	d := NewDispatcher(dispatchConfig(true), creator, nil, nil)
	ctx := context.Background()
	d.ProcessDetection(ctx, poacher("DET-5"))
	creator.err = nil
	if _, ok := d.ProcessDetection(ctx, poacher("DET-5")); !ok {
		t.Fatalf("failed dispatch should be retried on redelivery")
	}
}

func TestDispatcherTreatsDuplicateAsSuppressed(t *testing.T) {
	creator := &fakeCreator{err: &alerts.DuplicateAlertError{DetectionID: "DET-6", Window: 30 * time.Second}}
	m := metrics.NewStore(10)
	d := NewDispatcher(dispatchConfig(true), creator, m, nil)
	if _, ok := d.ProcessDetection(context.Background(), poacher("DET-6")); ok {
		t.Fatalf("duplicate should not dispatch")
	}
	if got := m.Snapshot().Dispatch.Suppressed; got != 1 {
		t.Fatalf("suppressed: %d", got)
	}
}

func TestDispatcherStartConsumesChannel(t *testing.T) {
	creator := &fakeCreator{}
	d := NewDispatcher(dispatchConfig(true), creator, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.Detection, 2)
	d.Start(ctx, in)
	in <- poacher("DET-7")
	in <- poacher("DET-8")
	deadline := time.Now().Add(2 * time.Second)
	for creator.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher did not consume detections")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeRefresher struct {
	alerts  atomic.Int32
	rangers atomic.Int32
	err     error
}

func (f *fakeRefresher) RefreshAlerts(ctx context.Context) error {
	f.alerts.Add(1)
	return f.err
}

func (f *fakeRefresher) RefreshRangerPositions(ctx context.Context) {
	f.rangers.Add(1)
}

func syncConfig(interval time.Duration) *config.Manager {
	cfg := config.DefaultConfig()
	cfg.Sync.Interval = interval
	return config.NewStaticManager(cfg)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSyncerRunsImmediatelyThenOnInterval(t *testing.T) {
	ref := &fakeRefresher{}
	s := NewSyncer(syncConfig(10*time.Millisecond), ref, nil, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return ref.alerts.Load() >= 1 })
	waitFor(t, func() bool { return ref.alerts.Load() >= 3 })
	if ref.rangers.Load() == 0 {
		t.Fatalf("ranger positions not refreshed")
	}
}

func TestSyncerStartIsIdempotent(t *testing.T) {
	ref := &fakeRefresher{}
	s := NewSyncer(syncConfig(time.Hour), ref, nil, nil)
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	waitFor(t, func() bool { return ref.alerts.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := ref.alerts.Load(); got != 1 {
		t.Fatalf("second Start should not run another loop, cycles=%d", got)
	}
	if !s.Running() {
		t.Fatalf("syncer should be running")
	}
	s.Stop()
	if s.Running() {
		t.Fatalf("syncer should be stopped")
	}
	s.Stop()
}

func TestSyncerStopWhenNotRunning(t *testing.T) {
	s := NewSyncer(syncConfig(time.Hour), &fakeRefresher{}, nil, nil)
	s.Stop()
	if s.Running() {
		t.Fatalf("not running")
	}
}

func TestSyncerDisabledByFeatureFlag(t *testing.T) {
	mgr := syncConfig(time.Hour)
	mgr.SetFeature(config.FeatureRealTimeUpdates, false)
	ref := &fakeRefresher{}
	s := NewSyncer(mgr, ref, nil, nil)
	s.Start(context.Background())
	if s.Running() {
		t.Fatalf("polling should stay off")
	}
	if ref.alerts.Load() != 0 {
		t.Fatalf("no cycle expected")
	}
}

func TestSyncerRecordsFailures(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("server error: 502")}
	m := metrics.NewStore(10)
	s := NewSyncer(syncConfig(time.Hour), ref, m, nil)
	s.RunOnce(context.Background())
	snap := m.Snapshot()
	if snap.Sync.Cycles != 1 || snap.Sync.Failures != 1 {
		t.Fatalf("sync stats: %+v", snap.Sync)
	}
}

func TestSyncerStopsWithContext(t *testing.T) {
	ref := &fakeRefresher{}
	s := NewSyncer(syncConfig(time.Hour), ref, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitFor(t, func() bool { return ref.alerts.Load() >= 1 })
	cancel()
	waitFor(t, func() bool { return !s.Running() })
	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return ref.alerts.Load() >= 2 })
}

func TestSyncerStopDoesNotLeaveErrorState(t *testing.T) {
	requested := make(chan struct{}, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case requested <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	t.Cleanup(backend.Close)

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = backend.URL
	cfg.Backend.Timeout = 0
	mgr := config.NewStaticManager(cfg)
	store := alerts.NewStore(mgr, gateway.NewClient(mgr, nil), nil)
	m := metrics.NewStore(10)
	s := NewSyncer(mgr, store, m, nil)

	s.Start(context.Background())
	select {
	case <-requested:
	case <-time.After(2 * time.Second):
		t.Fatalf("syncer never reached the backend")
	}
	s.Stop()

	if err := store.Err(); err != nil {
		t.Fatalf("stopping the syncer should not set an error: %v", err)
	}
	if store.IsLoading() {
		t.Fatalf("loading flag should be cleared after stop")
	}
	if snap := m.Snapshot(); snap.Sync.Failures != 0 {
		t.Fatalf("cancelled cycle counted as failure: %+v", snap.Sync)
	}
}
