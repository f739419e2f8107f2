package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter logs alerts through slog. It is the fallback channel when
// no external sink is configured.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a new console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs an alert to the console.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := make([]any, 0, len(fields)+2)
	attrs = append(attrs, "severity", severity.String())
	attrs = append(attrs, fields...)

	switch severity {
	case SeverityCritical:
		c.logger.Error("[ALERT] "+message, attrs...)
	case SeverityHigh:
		c.logger.Warn("[ALERT] "+message, attrs...)
	case SeverityWarning:
		c.logger.Warn("[ALERT] "+message, attrs...)
	default:
		c.logger.Info("[ALERT] "+message, attrs...)
	}

	return nil
}

// Send logs a structured message. The returned ack token is always empty.
func (c *ConsoleAlerter) Send(ctx context.Context, msg Message) (string, error) {
	fields := make([]any, 0, 2*len(msg.Fields)+2)
	if msg.Text != "" {
		fields = append(fields, "text", msg.Text)
	}
	for _, f := range msg.Fields {
		fields = append(fields, f.Key, f.Value)
	}
	return "", c.Alert(ctx, msg.Severity, msg.Title, fields...)
}
