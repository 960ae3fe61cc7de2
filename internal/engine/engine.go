package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rhinoguard/internal/alerts"
	"rhinoguard/internal/config"
	"rhinoguard/internal/logging"
	"rhinoguard/internal/metrics"
	"rhinoguard/internal/model"
	"rhinoguard/internal/rules"
)

// AutoDispatchOperator is the created_by value of alerts raised without an
// operator.
const AutoDispatchOperator = "auto-dispatch"

type Creator interface {
	CreateAlertFromDetection(ctx context.Context, det model.Detection, ov model.Overrides) (model.Alert, error)
}

// Dispatcher consumes ingested detections and, when auto dispatch is on,
// raises alerts for the ones eligible under the classification rules.
type Dispatcher struct {
	cfg     *config.Manager
	creator Creator
	metrics *metrics.Store
	logger  *slog.Logger
	seen    *SeenCache
	now     func() time.Time
}

func NewDispatcher(cfg *config.Manager, creator Creator, metricsStore *metrics.Store, logger *slog.Logger) *Dispatcher {
	if metricsStore == nil {
		metricsStore = metrics.NewStore(0)
	}
	return &Dispatcher{
		cfg:     cfg,
		creator: creator,
		metrics: metricsStore,
		logger:  logging.OrDiscard(logger).With("component", "dispatcher"),
		seen:    NewSeenCache(),
		now:     time.Now,
	}
}

func (d *Dispatcher) Start(ctx context.Context, in <-chan model.Detection) {
	go func() {
		for {
			select {
			case det, ok := <-in:
				if !ok {
					return
				}
				d.ProcessDetection(ctx, det)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ProcessDetection handles one detection. It returns the created alert and
// true only when an alert was dispatched.
func (d *Dispatcher) ProcessDetection(ctx context.Context, det model.Detection) (model.Alert, bool) {
	cfg := d.config()
	key := hashDetection(det)
	if cfg.Ingest.DedupeWindow > 0 && d.seen.Seen(key, d.now().UTC(), cfg.Ingest.DedupeWindow) {
		d.metrics.RecordDetection(det.Zone, metrics.OutcomeDuplicate)
		return model.Alert{}, false
	}

	if !rules.ShouldOfferAlert(det) {
		d.metrics.RecordDetection(det.Zone, metrics.OutcomeIgnored)
		d.logger.Debug("detection not eligible for alert", "detection_id", det.ID, "class_name", det.ClassName)
		return model.Alert{}, false
	}
	if !cfg.Ingest.AutoDispatch {
		d.metrics.RecordDetection(det.Zone, metrics.OutcomeIgnored)
		d.logger.Info("alert available for detection",
			"detection_id", det.ID,
			"type", rules.DeriveAlertType(det.ClassName),
			"severity", rules.DeriveAlertSeverity(det),
		)
		return model.Alert{}, false
	}

	alert, err := d.creator.CreateAlertFromDetection(ctx, det, model.Overrides{
		CreatedBy: AutoDispatchOperator,
		Notes:     autoNotes(det),
	})
	if err != nil {
		var dup *alerts.DuplicateAlertError
		switch {
		case errors.As(err, &dup):
			d.metrics.RecordDetection(det.Zone, metrics.OutcomeSuppressed)
			d.logger.Debug("auto dispatch suppressed by dedup window", "detection_id", det.ID, "retry_after", dup.RetryAfter().String())
		case errors.Is(err, alerts.ErrFeatureDisabled):
			d.metrics.RecordDetection(det.Zone, metrics.OutcomeSuppressed)
			d.logger.Info("auto dispatch skipped, alerts disabled", "detection_id", det.ID)
		default:
			d.seen.Forget(key)
			d.metrics.RecordDetection(det.Zone, metrics.OutcomeError)
			d.logger.Error("auto dispatch failed", "detection_id", det.ID, "err", err)
		}
		return model.Alert{}, false
	}
	d.metrics.RecordDetection(det.Zone, metrics.OutcomeDispatched)
	d.logger.Warn("alert dispatched",
		"alert_id", rules.FormatAlertID(alert.ID),
		"detection_id", det.ID,
		"type", alert.Type,
		"severity", alert.Severity,
		"synthetic", alert.IsSynthetic,
	)
	return alert, true
}

func (d *Dispatcher) config() *config.Config {
	if d.cfg == nil {
		return config.DefaultConfig()
	}
	return d.cfg.Get()
}

func autoNotes(det model.Detection) string {
	note := fmt.Sprintf("Auto-dispatched: %s at %.0f%% confidence", det.ClassName, det.Confidence*100)
	if det.Zone != "" {
		note += " in " + det.Zone
	}
	return note
}

func hashDetection(det model.Detection) string {
	parts := []string{
		det.ID,
		strings.ToLower(det.ClassName),
		det.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(h[:])
}
