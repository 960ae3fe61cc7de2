package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rhinoguard/internal/config"
	"rhinoguard/internal/logging"
	"rhinoguard/internal/model"
	"rhinoguard/internal/rules"
)

const maxResponseBytes = 4 << 20

type Filters struct {
	Limit  int
	Status model.Status
}

// Client talks to the alert backend. It holds no alert state; the only
// mutable field is the set of synthetic ids it has handed out. Base URL and
// timeout are read from the config on every request.
type Client struct {
	httpClient *http.Client
	cfg        *config.Manager
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	synthetic map[string]struct{}
}

func NewClient(cfg *config.Manager, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     logging.OrDiscard(logger).With("component", "gateway"),
		now:        time.Now,
		synthetic:  make(map[string]struct{}),
	}
}

type triggerLocation struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	ZoneLabel *string `json:"zoneLabel"`
}

type triggerRequest struct {
	DetectionID string          `json:"detection_id"`
	Type        model.AlertType `json:"type"`
	Severity    model.Severity  `json:"severity"`
	Source      model.Source    `json:"source"`
	Notes       string          `json:"notes"`
	Location    triggerLocation `json:"location"`
	CreatedBy   string          `json:"createdBy"`
}

func (c *Client) buildTrigger(det model.Detection, ov model.Overrides) triggerRequest {
	req := triggerRequest{
		DetectionID: det.ID,
		Type:        ov.Type,
		Severity:    ov.Severity,
		Source:      ov.Source,
		Notes:       model.TruncateNotes(ov.Notes),
		Location:    triggerLocation{Lat: det.Latitude, Lng: det.Longitude},
		CreatedBy:   ov.CreatedBy,
	}
	if req.Type == "" {
		req.Type = rules.DeriveAlertType(det.ClassName)
	}
	if req.Severity.Rank() == 0 {
		if req.Severity != "" {
			c.logger.Warn("ignoring unknown severity override", "detection_id", det.ID, "severity", req.Severity)
		}
		req.Severity = rules.DeriveAlertSeverity(det)
	}
	if req.Source == "" {
		req.Source = rules.DeriveAlertSource(det.Source)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = c.cfg.Get().Alerts.DefaultOperator
	}
	zone := ov.ZoneLabel
	if zone == "" {
		zone = det.Zone
	}
	if zone != "" {
		req.Location.ZoneLabel = &zone
	}
	return req
}

// TriggerAlert submits a new alert for det. When the backend is unreachable it
// returns a locally synthesized alert instead of an error.
func (c *Client) TriggerAlert(ctx context.Context, det model.Detection, ov model.Overrides) (model.Alert, error) {
	if !c.cfg.Get().Features.AlertsEnabled {
		return model.Alert{}, ErrFeatureDisabled
	}
	if strings.TrimSpace(det.ID) == "" {
		return model.Alert{}, ErrInvalidDetection
	}
	payload := c.buildTrigger(det, ov)
	c.logger.Info("triggering alert", "detection_id", det.ID, "type", payload.Type, "severity", payload.Severity)

	var raw map[string]any
	err := c.do(ctx, "trigger alert", http.MethodPost, "/alerts/trigger", nil, payload, &raw)
	if err != nil {
		if IsUnreachable(err) {
			alert := c.syntheticAlert(det, payload)
			c.logger.Warn("backend not available, created local alert",
				"alert_id", rules.FormatAlertID(alert.ID),
				"detection_id", det.ID,
				"err", err,
			)
			return alert, nil
		}
		c.logger.Error("trigger alert failed", "detection_id", det.ID, "err", err)
		return model.Alert{}, err
	}
	alert := c.normalizeAlert(raw)
	c.logger.Info("alert created", "alert_id", rules.FormatAlertID(alert.ID), "status", alert.Status)
	return alert, nil
}

func (c *Client) FetchAlerts(ctx context.Context, f Filters) ([]model.Alert, error) {
	if f.Limit <= 0 {
		f.Limit = c.cfg.Get().Sync.FetchLimit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(f.Limit))
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	var raw any
	if err := c.do(ctx, "fetch alerts", http.MethodGet, "/alerts", q, nil, &raw); err != nil {
		if IsUnreachable(err) {
			c.logger.Warn("backend not available, returning empty alert list", "err", err)
			return []model.Alert{}, nil
		}
		return nil, err
	}
	items, err := listPayload(raw, "alerts")
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	out := make([]model.Alert, 0, len(items))
	skipped := 0
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		// a synthesized id would differ on every poll and pile up in the store
		if str(obj, "id", "alert_id", "alertId") == "" {
			skipped++
			continue
		}
		out = append(out, c.normalizeAlert(obj))
	}
	if skipped > 0 {
		c.logger.Warn("dropped polled alerts without id", "count", skipped)
	}
	c.logger.Debug("fetched alerts", "count", len(out))
	return out, nil
}

func (c *Client) FetchAlertByID(ctx context.Context, id string) (model.Alert, error) {
	if strings.TrimSpace(id) == "" {
		return model.Alert{}, errors.New("fetch alert: empty id")
	}
	var raw map[string]any
	if err := c.do(ctx, "fetch alert", http.MethodGet, "/alerts/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return model.Alert{}, err
	}
	return c.normalizeAlert(raw), nil
}

// FetchRangerPositions always returns a usable (possibly empty) list. The
// error is informational: callers that keep a previous list can use it to
// decide whether to retain that list.
func (c *Client) FetchRangerPositions(ctx context.Context) ([]model.RangerPosition, error) {
	if !c.cfg.Get().Features.RangerPositions {
		c.logger.Debug("ranger positions feature disabled")
		return []model.RangerPosition{}, nil
	}
	var raw any
	if err := c.do(ctx, "fetch ranger positions", http.MethodGet, "/rangers/positions", nil, nil, &raw); err != nil {
		if IsUnreachable(err) {
			c.logger.Warn("ranger positions endpoint not available", "err", err)
		} else {
			c.logger.Error("fetch ranger positions failed", "err", err)
		}
		return []model.RangerPosition{}, err
	}
	items, err := listPayload(raw, "rangers")
	if err != nil {
		c.logger.Error("fetch ranger positions failed", "err", err)
		return []model.RangerPosition{}, err
	}
	out := make([]model.RangerPosition, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, c.normalizeRanger(obj))
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any, out any) error {
	backend := c.cfg.Get().Backend
	endpoint := strings.TrimRight(backend.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	reqCtx := ctx
	if backend.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, backend.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// A timeout counts as unreachable; a cancelled caller does not.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return &UnreachableError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return &UnreachableError{Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &UnreachableError{Op: op, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		for _, key := range []string{"message", "detail", "error"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func listPayload(raw any, key string) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case map[string]any:
		inner, ok := v[key]
		if !ok || inner == nil {
			return nil, nil
		}
		list, ok := inner.([]any)
		if !ok {
			return nil, fmt.Errorf("%q is not a list", key)
		}
		return list, nil
	}
	return nil, fmt.Errorf("unexpected payload type %T", raw)
}
