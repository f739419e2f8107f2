package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig holds configuration for the Slack alerter.
type SlackConfig struct {
	Token   string
	Channel string
	BaseURL string // Web API root, slack.APIURL when empty
	Timeout time.Duration
}

// SlackAlerter posts messages with chat.postMessage.
type SlackAlerter struct {
	cfg    SlackConfig
	client *slack.Client
}

// NewSlackAlerter creates a new Slack alerter.
func NewSlackAlerter(cfg SlackConfig) *SlackAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = slack.APIURL
	}
	// The client appends method names directly to the root.
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/"

	return &SlackAlerter{
		cfg: cfg,
		client: slack.New(cfg.Token,
			slack.OptionAPIURL(cfg.BaseURL),
			slack.OptionHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		),
	}
}

// Name returns the name of the alerter.
func (s *SlackAlerter) Name() string {
	return "slack"
}

// Alert sends an alert via Slack.
func (s *SlackAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	_, err := s.Send(ctx, Message{
		Title:    message,
		Severity: severity,
		Fields:   FieldsFromPairs(fields...),
	})
	return err
}

// Send posts msg and returns the message timestamp used for threading.
func (s *SlackAlerter) Send(ctx context.Context, msg Message) (string, error) {
	attachment := slack.Attachment{
		Color: severityColor(msg.Severity),
		Title: fmt.Sprintf("%s %s", msg.Severity.Emoji(), msg.Title),
		Text:  msg.Text,
		Ts:    json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	}
	for _, f := range msg.Fields {
		value := fmt.Sprintf("%v", f.Value)
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: f.Key,
			Value: value,
			Short: len(value) < 40,
		})
	}

	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Title, false),
		slack.MsgOptionAttachments(attachment),
	}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}

	_, ts, err := s.client.PostMessageContext(ctx, s.cfg.Channel, opts...)
	if err != nil {
		return "", fmt.Errorf("slack post message: %w", err)
	}
	return ts, nil
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical, SeverityHigh:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
