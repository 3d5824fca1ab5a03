package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/cuemby/paddock/pkg/config"
	"github.com/cuemby/paddock/pkg/errdefs"
	"github.com/cuemby/paddock/pkg/types"
)

// Sender delivers one notification for one alert over a channel
type Sender interface {
	Send(ctx context.Context, alert *types.Alert, n *types.Notification) error
}

// knownChannel reports whether a sender exists for the channel name
func knownChannel(ch types.NotificationChannel) bool {
	switch ch {
	case types.ChannelEmail, types.ChannelSlack, types.ChannelWebhook:
		return true
	}
	return false
}

// EmailSender delivers plain-text mail over SMTP. The target may list
// several recipients separated by commas.
type EmailSender struct {
	cfg config.EmailConfig
}

func (s *EmailSender) Send(_ context.Context, _ *types.Alert, n *types.Notification) error {
	if s.cfg.SMTPHost == "" {
		return errdefs.Invalid("notifiers.email.smtp_host is not configured")
	}
	if s.cfg.From == "" {
		return errdefs.Invalid("notifiers.email.from is not configured")
	}
	recipients := splitRecipients(n.Target)
	if len(recipients) == 0 {
		return errdefs.Invalid("notification has no recipients")
	}

	port := s.cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", n.Subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(n.Body)
	msg.WriteString("\r\n")

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.SMTPHost)
	}
	addr := net.JoinHostPort(s.cfg.SMTPHost, strconv.Itoa(port))
	if err := smtp.SendMail(addr, auth, s.cfg.From, recipients, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

func splitRecipients(target string) []string {
	var out []string
	for _, part := range strings.Split(target, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// SlackSender posts to an incoming-webhook URL with a severity-colored
// attachment.
type SlackSender struct{}

func (s *SlackSender) Send(ctx context.Context, alert *types.Alert, n *types.Notification) error {
	attachment := slack.Attachment{
		Color: severityColor(alert.Severity),
		Title: n.Subject,
		Text:  n.Body,
		Fields: []slack.AttachmentField{
			{Title: "Metric", Value: alert.Metric, Short: true},
			{Title: "Severity", Value: string(alert.Severity), Short: true},
			{Title: "Value", Value: strconv.FormatFloat(alert.Value, 'f', 2, 64), Short: true},
			{Title: "Threshold", Value: fmt.Sprintf("%s %s", alert.Operator, strconv.FormatFloat(alert.Threshold, 'f', 2, 64)), Short: true},
		},
		Ts: json.Number(strconv.FormatInt(alert.FiredAt.Unix(), 10)),
	}
	err := slack.PostWebhookContext(ctx, n.Target, &slack.WebhookMessage{
		Attachments: []slack.Attachment{attachment},
	})
	if err != nil {
		return fmt.Errorf("slack delivery failed: %w", err)
	}
	return nil
}

// severityColor maps severities onto slack's attachment palette
func severityColor(s types.AlertSeverity) string {
	switch s {
	case types.SeverityCritical:
		return "danger"
	case types.SeverityWarning:
		return "warning"
	default:
		return "#439fe0"
	}
}

// WebhookSender posts the alert and notification as JSON; any 2xx answer
// counts as delivered.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender builds a sender with the given request timeout
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

// webhookPayload is the body posted to generic webhook targets
type webhookPayload struct {
	NotificationID string       `json:"notification_id"`
	Subject        string       `json:"subject"`
	Message        string       `json:"message"`
	Alert          *types.Alert `json:"alert"`
}

func (s *WebhookSender) Send(ctx context.Context, alert *types.Alert, n *types.Notification) error {
	payload, err := json.Marshal(webhookPayload{
		NotificationID: n.ID,
		Subject:        n.Subject,
		Message:        n.Body,
		Alert:          alert,
	})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", res.Status)
	}
	return nil
}
