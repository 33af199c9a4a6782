package alerts

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/leozw/partner-guardian/internal/core"
)

// Notification is one alert to deliver.
type Notification struct {
	Partner    *core.Partner
	Snapshot   *core.Snapshot
	Message    string
	Recipients []string
}

type Notifier interface {
	SendAlert(ctx context.Context, n Notification) error
}

// SendGridNotifier delivers alert emails through the SendGrid API.
type SendGridNotifier struct {
	client   *sendgrid.Client
	fromName string
	fromAddr string
}

func NewSendGridNotifier(apiKey, fromName, fromAddr string) *SendGridNotifier {
	return &SendGridNotifier{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromAddr: fromAddr,
	}
}

func (n *SendGridNotifier) SendAlert(ctx context.Context, note Notification) error {
	subject, text, body := renderAlert(n.fromName, note)

	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(n.fromName, n.fromAddr))
	message.Subject = subject

	personalization := mail.NewPersonalization()
	for _, addr := range note.Recipients {
		personalization.AddTos(mail.NewEmail("", addr))
	}
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/plain", text), mail.NewContent("text/html", body))

	resp, err := n.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid rejected email: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func renderAlert(appName string, note Notification) (subject, text, body string) {
	level := core.AlertCritical.String()
	var queued, active, running int
	var utilization float64
	if s := note.Snapshot; s != nil {
		level = s.AlertLevel.String()
		queued, active, running = s.QueuedCalls, s.ActiveCalls, s.RunningCampaigns
		utilization = s.UtilizationPercent
	}

	subject = fmt.Sprintf("[%s] %s Alert: %s", appName, level, note.Partner.Name)

	var b strings.Builder
	fmt.Fprintf(&b, "%s Alert for %s\n\n", level, note.Partner.Name)
	fmt.Fprintf(&b, "Alert Message: %s\n\n", note.Message)
	b.WriteString("Current Metrics:\n")
	fmt.Fprintf(&b, "- Queued Calls: %d\n", queued)
	fmt.Fprintf(&b, "- Active Calls: %d\n", active)
	fmt.Fprintf(&b, "- Utilization: %.1f%%\n", utilization)
	fmt.Fprintf(&b, "- Running Campaigns: %d\n", running)
	text = b.String()

	body = fmt.Sprintf(`<h2 style="color: #DC2626;">%s Alert</h2>
<p><strong>Partner:</strong> %s</p>
<p><strong>Alert Message:</strong> %s</p>
<h3>Current Metrics:</h3>
<ul>
<li><strong>Queued Calls:</strong> %d</li>
<li><strong>Active Calls:</strong> %d</li>
<li><strong>Utilization:</strong> %.1f%%</li>
<li><strong>Running Campaigns:</strong> %d</li>
</ul>`, level, html.EscapeString(note.Partner.Name), html.EscapeString(note.Message), queued, active, utilization, running)

	return subject, text, body
}
