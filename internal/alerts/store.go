package alerts

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"rhinoguard/internal/config"
	"rhinoguard/internal/gateway"
	"rhinoguard/internal/logging"
	"rhinoguard/internal/model"
	"rhinoguard/internal/rules"
)

// Gateway is the backend boundary the store talks to.
type Gateway interface {
	TriggerAlert(ctx context.Context, det model.Detection, ov model.Overrides) (model.Alert, error)
	FetchAlerts(ctx context.Context, f gateway.Filters) ([]model.Alert, error)
	FetchRangerPositions(ctx context.Context) ([]model.RangerPosition, error)
}

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangePatched ChangeKind = "patched"
	ChangeSynced  ChangeKind = "synced"
)

// Change describes one alert that entered or changed in the store.
// Previous is nil when the alert was not known before.
type Change struct {
	Kind     ChangeKind
	Alert    model.Alert
	Previous *model.Alert
}

// StatusChanged reports whether the change moved the alert to a new status,
// including the first status of a newly seen alert.
func (c Change) StatusChanged() bool {
	return c.Previous == nil || c.Previous.Status != c.Alert.Status
}

type ChangeListener func(Change)

// Store is the canonical in-memory alert collection. The list is kept
// ordered by CreatedAt, newest first, and ids are unique.
type Store struct {
	cfg    *config.Manager
	gw     Gateway
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	alerts    []model.Alert
	rangers   []model.RangerPosition
	version   uint64
	err       error
	loading   int
	pending   map[string]struct{}
	selection Selection
	listeners []ChangeListener

	// refresh tickets: issued increases per request, applied is the newest
	// ticket whose response was merged.
	issued  uint64
	applied uint64

	viewMu sync.Mutex
	cache  *views
}

func NewStore(cfg *config.Manager, gw Gateway, logger *slog.Logger) *Store {
	return &Store{
		cfg:     cfg,
		gw:      gw,
		logger:  logging.OrDiscard(logger).With("component", "alerts"),
		now:     time.Now,
		rangers: []model.RangerPosition{},
		pending: make(map[string]struct{}),
	}
}

// OnChange registers a listener called after every alert insert or update.
// Listeners run synchronously outside the store lock.
func (s *Store) OnChange(fn ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// CreateAlertFromDetection raises an alert for det unless alerting is
// disabled or an active alert for the same detection is younger than the
// dedup window.
func (s *Store) CreateAlertFromDetection(ctx context.Context, det model.Detection, ov model.Overrides) (model.Alert, error) {
	cfg := s.cfg.Get()
	if !cfg.Features.AlertsEnabled {
		return model.Alert{}, ErrFeatureDisabled
	}
	det.ID = strings.TrimSpace(det.ID)
	if det.ID == "" {
		return model.Alert{}, ErrInvalidDetection
	}

	s.mu.Lock()
	if _, busy := s.pending[det.ID]; busy {
		s.mu.Unlock()
		return model.Alert{}, &DuplicateAlertError{DetectionID: det.ID, ExistingID: "pending", Window: cfg.Alerts.DedupWindow}
	}
	if existing, ok := s.latestActiveLocked(det.ID); ok {
		elapsed := s.now().Sub(existing.CreatedAt)
		if elapsed < cfg.Alerts.DedupWindow {
			s.mu.Unlock()
			s.logger.Info("duplicate alert suppressed",
				"detection_id", det.ID,
				"alert_id", rules.FormatAlertID(existing.ID),
				"elapsed", elapsed.String(),
			)
			return model.Alert{}, &DuplicateAlertError{
				DetectionID: det.ID,
				ExistingID:  existing.ID,
				Elapsed:     elapsed,
				Window:      cfg.Alerts.DedupWindow,
			}
		}
	}
	s.pending[det.ID] = struct{}{}
	s.mu.Unlock()

	alert, err := s.gw.TriggerAlert(ctx, det, ov)

	s.mu.Lock()
	delete(s.pending, det.ID)
	if errors.Is(err, context.Canceled) {
		s.mu.Unlock()
		return model.Alert{}, err
	}
	if err != nil {
		s.err = err
		s.version++
		s.mu.Unlock()
		return model.Alert{}, err
	}
	if alert.DetectionID == "" {
		alert.DetectionID = det.ID
	}
	change := s.insertLocked(alert)
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, []Change{change})
	return change.Alert.Clone(), nil
}

// insertLocked puts alert at the head of the list, replacing any alert that
// already carries its id.
func (s *Store) insertLocked(alert model.Alert) Change {
	change := Change{Kind: ChangeCreated}
	if i := s.indexLocked(alert.ID); i >= 0 {
		prev := s.alerts[i]
		change.Previous = &prev
		alert.UpdatedAt = later(alert.UpdatedAt, prev.UpdatedAt)
		s.alerts = append(s.alerts[:i], s.alerts[i+1:]...)
	}
	s.alerts = append([]model.Alert{alert}, s.alerts...)
	s.version++
	change.Alert = alert.Clone()
	return change
}

// RefreshAlerts fetches the backend list and merges it into the store. An
// unreachable backend leaves the store unchanged. Responses that arrive after
// a newer refresh was already applied are dropped.
func (s *Store) RefreshAlerts(ctx context.Context) error {
	s.mu.Lock()
	s.issued++
	ticket := s.issued
	s.loading++
	s.mu.Unlock()

	fetched, err := s.gw.FetchAlerts(ctx, gateway.Filters{Limit: s.cfg.Get().Sync.FetchLimit})

	s.mu.Lock()
	s.loading--
	if errors.Is(err, context.Canceled) {
		// our own cancellation, not a backend failure
		s.mu.Unlock()
		return err
	}
	if ticket <= s.applied {
		s.mu.Unlock()
		s.logger.Debug("discarding stale alert refresh", "ticket", ticket)
		return nil
	}
	s.applied = ticket
	if err != nil {
		if gateway.IsUnreachable(err) {
			s.mu.Unlock()
			return nil
		}
		s.err = err
		s.version++
		s.mu.Unlock()
		s.logger.Error("alert refresh failed", "err", err)
		return err
	}
	changes := s.mergeLocked(fetched)
	s.err = nil
	s.version++
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, changes)
	return nil
}

func (s *Store) mergeLocked(fetched []model.Alert) []Change {
	local := make(map[string]int, len(s.alerts))
	for i, a := range s.alerts {
		local[a.ID] = i
	}
	seen := make(map[string]struct{}, len(fetched))
	merged := make([]model.Alert, 0, len(s.alerts)+len(fetched))
	var changes []Change

	for _, remote := range fetched {
		if _, dup := seen[remote.ID]; dup {
			continue
		}
		seen[remote.ID] = struct{}{}
		i, known := local[remote.ID]
		if !known {
			merged = append(merged, remote)
			changes = append(changes, Change{Kind: ChangeSynced, Alert: remote.Clone()})
			continue
		}
		prev := s.alerts[i]
		if prev.Status.IsTerminal() && remote.Status != prev.Status {
			s.logger.Warn("backend reported status change on terminal alert, keeping local state",
				"alert_id", rules.FormatAlertID(prev.ID),
				"local_status", prev.Status,
				"remote_status", remote.Status,
			)
			merged = append(merged, prev)
			continue
		}
		remote.UpdatedAt = later(remote.UpdatedAt, prev.UpdatedAt)
		merged = append(merged, remote)
		if !reflect.DeepEqual(prev, remote) {
			p := prev.Clone()
			changes = append(changes, Change{Kind: ChangeSynced, Alert: remote.Clone(), Previous: &p})
		}
	}
	for _, a := range s.alerts {
		if _, ok := seen[a.ID]; !ok {
			merged = append(merged, a)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	s.alerts = merged
	return changes
}

// RefreshRangerPositions replaces the ranger list with the latest fetch.
// Failures are logged and the previous list is kept.
func (s *Store) RefreshRangerPositions(ctx context.Context) {
	if !s.cfg.Get().Features.RangerPositions {
		return
	}
	positions, err := s.gw.FetchRangerPositions(ctx)
	if err != nil {
		s.logger.Warn("ranger positions unavailable, keeping previous list", "err", err)
		return
	}
	if positions == nil {
		positions = []model.RangerPosition{}
	}
	s.mu.Lock()
	s.rangers = positions
	s.mu.Unlock()
}

// Patch is a partial local edit. Nil fields are left unchanged.
type Patch struct {
	Status                *model.Status `json:"status,omitempty"`
	Notes                 *string       `json:"notes,omitempty"`
	RangerAssigned        *string       `json:"ranger_assigned,omitempty"`
	DeliveryChannelStatus []string      `json:"delivery_channel_status,omitempty"`
	AcknowledgedAt        *time.Time    `json:"acknowledged_at,omitempty"`
	ResolvedAt            *time.Time    `json:"resolved_at,omitempty"`
}

// UpdateAlertStatus applies p to the alert locally. The edit is not sent to
// the backend and is overwritten by the next refresh that disagrees.
func (s *Store) UpdateAlertStatus(id string, p Patch) (model.Alert, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return model.Alert{}, ErrAlertNotFound
	}
	prev := s.alerts[i]
	next := prev.Clone()
	if p.Status != nil {
		next.Status = *p.Status
	}
	if prev.Status.IsTerminal() || !model.CanTransition(prev.Status, next.Status) {
		s.mu.Unlock()
		return model.Alert{}, &TransitionError{ID: id, From: prev.Status, To: next.Status}
	}

	now := s.now().UTC()
	if p.Notes != nil {
		next.Notes = model.TruncateNotes(*p.Notes)
	}
	if p.RangerAssigned != nil {
		next.RangerAssigned = *p.RangerAssigned
	}
	if p.DeliveryChannelStatus != nil {
		next.DeliveryChannelStatus = append([]string(nil), p.DeliveryChannelStatus...)
	}
	if p.AcknowledgedAt != nil {
		ts := *p.AcknowledgedAt
		next.AcknowledgedAt = &ts
	}
	if p.ResolvedAt != nil {
		ts := *p.ResolvedAt
		next.ResolvedAt = &ts
	}
	if next.Status == model.StatusAcknowledged && next.AcknowledgedAt == nil {
		next.AcknowledgedAt = &now
	}
	if next.Status == model.StatusResolved && next.ResolvedAt == nil {
		next.ResolvedAt = &now
	}
	next.UpdatedAt = later(now, prev.UpdatedAt)

	s.alerts[i] = next
	s.version++
	listeners := s.listeners
	s.mu.Unlock()

	if next.Status != prev.Status {
		s.logger.Info("alert status updated locally",
			"alert_id", rules.FormatAlertID(id),
			"from", prev.Status,
			"to", next.Status,
		)
	}
	p2 := prev.Clone()
	notify(listeners, []Change{{Kind: ChangePatched, Alert: next.Clone(), Previous: &p2}})
	return next.Clone(), nil
}

func (s *Store) Alerts() []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.alerts)
}

func (s *Store) ActiveAlerts() []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.viewsLocked().active)
}

// RecentlyResolvedAlerts returns terminal alerts updated within the
// configured retention, measured at call time.
func (s *Store) RecentlyResolvedAlerts() []model.Alert {
	cutoff := s.now().Add(-s.cfg.Get().Alerts.ResolvedRetention)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range s.viewsLocked().terminal {
		if !a.UpdatedAt.Before(cutoff) {
			out = append(out, a.Clone())
		}
	}
	return out
}

func (s *Store) AlertsByDetectionID() map[string][]model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.viewsLocked().byDetection
	out := make(map[string][]model.Alert, len(idx))
	for k, list := range idx {
		out[k] = cloneAll(list)
	}
	return out
}

func (s *Store) GetAlertsForDetection(detectionID string) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.viewsLocked().byDetection[detectionID])
}

func (s *Store) HasActiveAlert(detectionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.viewsLocked().byDetection[detectionID] {
		if a.Status.IsActive() {
			return true
		}
	}
	return false
}

func (s *Store) GetAlertByID(id string) (model.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.alerts[i].Clone(), true
	}
	return model.Alert{}, false
}

func (s *Store) RangerPositions() []model.RangerPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.RangerPosition{}, s.rangers...)
}

// Err returns the last non-fallback failure. A successful refresh clears it.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

// Version increases on every change to the alert list or error state.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) indexLocked(id string) int {
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			return i
		}
	}
	return -1
}

// latestActiveLocked returns the newest active alert for the detection.
func (s *Store) latestActiveLocked(detectionID string) (model.Alert, bool) {
	var found model.Alert
	ok := false
	for _, a := range s.alerts {
		if a.DetectionID != detectionID || !a.Status.IsActive() {
			continue
		}
		if !ok || a.CreatedAt.After(found.CreatedAt) {
			found, ok = a, true
		}
	}
	return found, ok
}

func notify(listeners []ChangeListener, changes []Change) {
	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

func cloneAll(list []model.Alert) []model.Alert {
	out := make([]model.Alert, len(list))
	for i, a := range list {
		out[i] = a.Clone()
	}
	return out
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
