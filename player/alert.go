package player

import (
	"fmt"

	"github.com/google/uuid"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Alert codes surfaced to hosts.
const (
	AlertSourceInit     = "source-init"
	AlertStreamRead     = "stream-read"
	AlertSchemaConflict = "schema-conflict"
	AlertStallTimeout   = "stall-timeout"
	AlertOversize       = "oversize-message"
	AlertDecode         = "decode"
)

// Alert is a dismissible problem report. Fatal errors and warnings share it.
type Alert struct {
	ID       string
	Severity Severity
	Code     string
	SourceID string
	Message  string
	Err      error
}

// NewAlert builds an alert with a fresh ID.
func NewAlert(sev Severity, code, sourceID, message string, err error) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Severity: sev,
		Code:     code,
		SourceID: sourceID,
		Message:  message,
		Err:      err,
	}
}

// alertFromError classifies err into an alert.
func alertFromError(code string, err error) Alert {
	return NewAlert(SeverityError, code, sourceIDOf(err), err.Error(), err)
}

func (a Alert) String() string {
	if a.SourceID != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", a.Severity, a.Code, a.SourceID, a.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", a.Severity, a.Code, a.Message)
}
