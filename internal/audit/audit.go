// Package audit provides a leveled alerting sink for operationally
// significant events — rate-limit trips, DLT writes, lock loss,
// resource-guard rejections — distinct from the general structured
// logger: these are events an operator wants routed somewhere loud.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Level is the severity of an audited event.
type Level int

const (
	Info Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alerter receives audited events. Implementations must not block the
// caller for long; fan out asynchronously if delivery is slow.
type Alerter interface {
	Alert(level Level, message string, metadata map[string]any)
}

// Logger is the audit-logging facade every component holds. It always
// logs through zerolog and fans out Warning/Critical events to the
// configured Alerter.
type Logger struct {
	log     zerolog.Logger
	alerter Alerter
}

// New builds a Logger backed by log and, if non-nil, alerter.
func New(log zerolog.Logger, alerter Alerter) *Logger {
	return &Logger{log: log.With().Str("component", "audit").Logger(), alerter: alerter}
}

func (a *Logger) emit(level Level, message string, metadata map[string]any) {
	event := a.log.Info()
	switch level {
	case Warning:
		event = a.log.Warn()
	case Critical:
		event = a.log.Error()
	}
	event = event.Str("audit_level", level.String())
	for k, v := range metadata {
		event = event.Interface(k, v)
	}
	event.Msg(message)

	if a.alerter != nil && level >= Warning {
		a.alerter.Alert(level, message, metadata)
	}
}

func (a *Logger) Info(message string, metadata map[string]any)     { a.emit(Info, message, metadata) }
func (a *Logger) Warning(message string, metadata map[string]any)  { a.emit(Warning, message, metadata) }
func (a *Logger) Critical(message string, metadata map[string]any) { a.emit(Critical, message, metadata) }

// MultiAlerter fans an alert out to every configured Alerter
// concurrently so one slow sink never delays the others.
type MultiAlerter struct {
	alerters []Alerter
}

func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

func (m *MultiAlerter) Alert(level Level, message string, metadata map[string]any) {
	for _, a := range m.alerters {
		go a.Alert(level, message, metadata)
	}
}

// ConsoleAlerter prints alerts to stdout; used in development.
type ConsoleAlerter struct{}

func (ConsoleAlerter) Alert(level Level, message string, metadata map[string]any) {
	fmt.Printf("[%s] %s %v\n", level, message, metadata)
}

// SlackAlerter posts a formatted message to a Slack incoming webhook.
type SlackAlerter struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{WebhookURL: webhookURL, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (s *SlackAlerter) Alert(level Level, message string, metadata map[string]any) {
	if s.WebhookURL == "" {
		return
	}
	color := "#36a64f"
	emoji := ":information_source:"
	switch level {
	case Warning:
		color, emoji = "#daa038", ":warning:"
	case Critical:
		color, emoji = "#d00000", ":rotating_light:"
	}

	payload := map[string]any{
		"attachments": []map[string]any{
			{
				"color": color,
				"text":  fmt.Sprintf("%s *%s*: %s", emoji, level, message),
				"fields": metadataFields(metadata),
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}

func metadataFields(metadata map[string]any) []map[string]any {
	fields := make([]map[string]any, 0, len(metadata))
	for k, v := range metadata {
		fields = append(fields, map[string]any{
			"title": k,
			"value": fmt.Sprintf("%v", v),
			"short": true,
		})
	}
	return fields
}
