package alerts

import (
	"errors"
	"fmt"
	"time"

	"rhinoguard/internal/gateway"
	"rhinoguard/internal/model"
)

var (
	ErrFeatureDisabled  = gateway.ErrFeatureDisabled
	ErrInvalidDetection = gateway.ErrInvalidDetection
	ErrAlertNotFound    = errors.New("alert not found")
)

// DuplicateAlertError is returned when an active alert for the same detection
// was created less than the dedup window ago.
type DuplicateAlertError struct {
	DetectionID string
	ExistingID  string
	Elapsed     time.Duration
	Window      time.Duration
}

func (e *DuplicateAlertError) Error() string {
	return fmt.Sprintf("alert %s for detection %s was created %s ago; wait %s before alerting again",
		e.ExistingID, e.DetectionID, e.Elapsed.Truncate(time.Second), e.RetryAfter().Round(time.Second))
}

func (e *DuplicateAlertError) RetryAfter() time.Duration {
	if d := e.Window - e.Elapsed; d > 0 {
		return d
	}
	return 0
}

type TransitionError struct {
	ID   string
	From model.Status
	To   model.Status
}

func (e *TransitionError) Error() string {
	if e.From.IsTerminal() {
		return fmt.Sprintf("alert %s is %s and cannot change", e.ID, e.From)
	}
	return fmt.Sprintf("alert %s cannot move from %s to %s", e.ID, e.From, e.To)
}
