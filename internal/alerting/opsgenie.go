package alerting

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opsgenie/opsgenie-go-sdk-v2/alert"
	"github.com/opsgenie/opsgenie-go-sdk-v2/client"
	"github.com/sirupsen/logrus"
)

// OpsGenieConfig holds configuration for the incident alerter.
type OpsGenieConfig struct {
	APIKey     string
	BaseURL    string // api.opsgenie.com when empty
	Priority   string // P1..P5, P3 when empty
	Timeout    time.Duration
	MaxRetries int
}

// OpsGenieAlerter raises incidents through the OpsGenie alert API.
type OpsGenieAlerter struct {
	cfg    OpsGenieConfig
	client *alert.Client
}

// NewOpsGenieAlerter creates a new OpsGenie alerter.
func NewOpsGenieAlerter(cfg OpsGenieConfig) (*OpsGenieAlerter, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Priority == "" {
		cfg.Priority = string(alert.P3)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}

	// The SDK logs through logrus; failures surface as returned errors instead.
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	c, err := alert.NewClient(&client.Config{
		ApiKey:         cfg.APIKey,
		OpsGenieAPIURL: client.ApiUrl(apiHost(cfg.BaseURL)),
		RequestTimeout: cfg.Timeout,
		RetryCount:     cfg.MaxRetries,
		Logger:         quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("opsgenie client: %w", err)
	}
	return &OpsGenieAlerter{cfg: cfg, client: c}, nil
}

// apiHost strips the scheme; the SDK takes a bare host.
func apiHost(base string) string {
	if base == "" {
		return string(client.API_URL)
	}
	base = strings.TrimPrefix(base, "https://")
	base = strings.TrimPrefix(base, "http://")
	return strings.TrimRight(base, "/")
}

// Name returns the name of the alerter.
func (o *OpsGenieAlerter) Name() string {
	return "opsgenie"
}

// Alert creates an incident. Critical alerts are raised as P1.
func (o *OpsGenieAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	details := make(map[string]string)
	for _, f := range FieldsFromPairs(fields...) {
		details[f.Key] = fmt.Sprintf("%v", f.Value)
	}

	priority := alert.Priority(o.cfg.Priority)
	if severity == SeverityCritical {
		priority = alert.P1
	}

	// OpsGenie caps the message at 130 characters.
	if len(message) > 130 {
		message = message[:130]
	}

	_, err := o.client.Create(ctx, &alert.CreateAlertRequest{
		Message:     message,
		Description: FormatFields(fields...),
		Details:     details,
		Priority:    priority,
		Source:      "rebalancer",
	})
	if err != nil {
		return fmt.Errorf("opsgenie create alert: %w", err)
	}
	return nil
}
