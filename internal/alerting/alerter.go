// Package alerting delivers run notifications and incidents.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Sender posts structured messages and returns an ack token that
// follow-up messages can thread under.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Message is a titled notification with structured fields.
type Message struct {
	Title    string
	Text     string
	Severity Severity
	Fields   []Field
	ThreadID string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FieldsFromPairs converts variadic key/value pairs to fields.
func FieldsFromPairs(pairs ...any) []Field {
	var out []Field
	for i := 0; i < len(pairs)-1; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		out = append(out, Field{Key: key, Value: pairs[i+1]})
	}
	return out
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	lines := make([]string, 0, len(fields)/2)
	for _, f := range FieldsFromPairs(fields...) {
		lines = append(lines, fmt.Sprintf("• %s: %v", f.Key, f.Value))
	}
	return strings.Join(lines, "\n")
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	EventRebalanceStarted   AlertEvent = "rebalance_started"
	EventRebalanceSkipped   AlertEvent = "rebalance_skipped"
	EventExecutionReport    AlertEvent = "execution_report"
	EventDryRun             AlertEvent = "dry_run"
	EventOrderRejected      AlertEvent = "order_rejected"
	EventIntegrityViolation AlertEvent = "integrity_violation"
	EventPositionMismatch   AlertEvent = "position_mismatch"
	EventRunFailed          AlertEvent = "run_failed"
	EventConnectionLost     AlertEvent = "connection_lost"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventRunFailed:
		return SeverityCritical
	case EventPositionMismatch:
		return SeverityHigh
	case EventOrderRejected, EventIntegrityViolation, EventConnectionLost:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
