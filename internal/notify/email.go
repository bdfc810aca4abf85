// Package notify forwards critical health alerts to operators by email.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/jedarden/swebench-swarm/internal/domain"
	"github.com/jedarden/swebench-swarm/internal/health"
)

// Sender is the part of the SendGrid client the notifier needs.
type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          []string
	// MinSeverity filters alerts below it. Defaults to critical.
	MinSeverity health.Level
}

type EmailNotifier struct {
	cfg    EmailConfig
	sender Sender
}

func NewEmailNotifier(cfg EmailConfig) (*EmailNotifier, error) {
	if cfg.APIKey == "" {
		return nil, domain.InvalidConfiguration("email api key is empty")
	}
	return newEmailNotifier(cfg, sendgrid.NewSendClient(cfg.APIKey))
}

func newEmailNotifier(cfg EmailConfig, sender Sender) (*EmailNotifier, error) {
	if cfg.FromAddress == "" {
		return nil, domain.InvalidConfiguration("email from address is empty")
	}
	if len(cfg.To) == 0 {
		return nil, domain.InvalidConfiguration("email has no recipients")
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = health.LevelCritical
	}
	return &EmailNotifier{cfg: cfg, sender: sender}, nil
}

// Notify emails the alert to every recipient. Alerts below the configured
// severity are ignored.
func (n *EmailNotifier) Notify(_ context.Context, a health.Alert) error {
	if severityRank(a.Severity) < severityRank(n.cfg.MinSeverity) {
		return nil
	}

	subject := fmt.Sprintf("[swarm] %s %s in session %s", a.Severity, a.Type, a.SessionID)
	body := fmt.Sprintf("%s\n\nvalue: %.2f\nthreshold: %.2f\nat: %s\n",
		a.Message, a.Value, a.Threshold, a.At.Format("2006-01-02 15:04:05 MST"))

	from := mail.NewEmail(n.cfg.FromName, n.cfg.FromAddress)
	for _, to := range n.cfg.To {
		email := mail.NewSingleEmail(from, subject, mail.NewEmail("", to), body, body)
		response, err := n.sender.Send(email)
		if err != nil {
			return domain.ExternalToolFailure(err, "send alert email to %s", to)
		}
		if response.StatusCode >= 400 {
			return domain.New(domain.CodeExternalToolFailure, fmt.Sprintf("sendgrid error: status %d", response.StatusCode))
		}
		slog.Info("alert email sent", "to", to, "type", a.Type, "status", response.StatusCode)
	}
	return nil
}

// Forward drains alerts until the channel closes or ctx is done. Every alert
// is logged; delivery failures never stop the loop.
func Forward(ctx context.Context, alerts <-chan health.Alert, n *EmailNotifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			slog.Warn("health alert", "session_id", a.SessionID, "type", a.Type,
				"severity", a.Severity, "value", a.Value, "threshold", a.Threshold)
			if n == nil {
				continue
			}
			if err := n.Notify(ctx, a); err != nil {
				slog.Error("failed to deliver alert", "session_id", a.SessionID, "error", err)
			}
		}
	}
}

func severityRank(l health.Level) int {
	switch l {
	case health.LevelCritical:
		return 2
	case health.LevelWarning:
		return 1
	default:
		return 0
	}
}
