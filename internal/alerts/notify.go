package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

// AlertPublisher pushes a fired alert onto the owner's pub/sub channel for
// connected WebSocket clients.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, userID string, ev bus.AlertEvent) error
}

var _ AlertPublisher = (*bus.Bus)(nil)

// WebsocketNotifier delivers alerts over the bus to the user's live
// connections.
type WebsocketNotifier struct {
	pub AlertPublisher
}

func NewWebsocketNotifier(pub AlertPublisher) *WebsocketNotifier {
	return &WebsocketNotifier{pub: pub}
}

func (n *WebsocketNotifier) Send(ctx context.Context, a models.Alert, ev bus.AlertEvent) error {
	return n.pub.PublishAlert(ctx, a.UserID, ev)
}

// EmailNotifier delivers alerts over SMTP. The recipient comes from the
// rule's metadata under the "email" key.
type EmailNotifier struct {
	cfg config.SMTPConfig
}

func NewEmailNotifier(cfg config.SMTPConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg}
}

func (n *EmailNotifier) Send(ctx context.Context, a models.Alert, ev bus.AlertEvent) error {
	to, _ := a.Metadata["email"].(string)
	if to == "" {
		log.Warn().Str("alert_id", a.AlertID).Msg("No email address on alert")
		return nil
	}
	if n.cfg.Host == "" {
		return errors.New("smtp is not configured")
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: n.cfg.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(n.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(emailBody(n.cfg.From, to, a, ev)); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close: %w", err)
	}
	return client.Quit()
}

func emailBody(from, to string, a models.Alert, ev bus.AlertEvent) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Alert: %s\r\n", a.Symbol)
	fmt.Fprintf(&b, "Date: %s\r\n", ev.Timestamp.Format(time.RFC1123Z))
	b.WriteString("\r\n")
	b.WriteString(ev.Message)
	b.WriteString("\r\n")
	return b.Bytes()
}

// NewDispatchBreaker builds the gobreaker instance guarding one outbound
// notification channel. The circuit opens after threshold consecutive
// failures and probes again after timeout.
func NewDispatchBreaker(name string, threshold int, timeout time.Duration) *gobreaker.CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	st := gobreaker.Settings{Name: name}
	st.Timeout = timeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= uint32(threshold)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().
			Str("channel", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Notification breaker state changed")
	}
	return gobreaker.NewCircuitBreaker(st)
}

// WebhookNotifier POSTs the alert event as JSON to the rule's webhook_url.
// Sends run under a circuit breaker so a dead endpoint fails fast instead
// of burning the dispatch timeout on every fire.
type WebhookNotifier struct {
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

func NewWebhookNotifier(cb *gobreaker.CircuitBreaker) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		cb:     cb,
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, a models.Alert, ev bus.AlertEvent) error {
	url, _ := a.Metadata["webhook_url"].(string)
	if url == "" {
		log.Warn().Str("alert_id", a.AlertID).Msg("No webhook URL on alert")
		return nil
	}
	return guard(ctx, n.cb, func(ctx context.Context) error {
		return postJSON(ctx, n.client, url, ev)
	})
}

// SlackNotifier posts a Block Kit message to a Slack incoming webhook. A
// rule may override the configured URL via slack_webhook_url metadata.
type SlackNotifier struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

func NewSlackNotifier(url string, cb *gobreaker.CircuitBreaker) *SlackNotifier {
	return &SlackNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		cb:     cb,
	}
}

func (n *SlackNotifier) Send(ctx context.Context, a models.Alert, ev bus.AlertEvent) error {
	url := n.url
	if override, ok := a.Metadata["slack_webhook_url"].(string); ok && override != "" {
		url = override
	}
	if url == "" {
		log.Warn().Str("alert_id", a.AlertID).Msg("No Slack webhook URL configured")
		return nil
	}
	return guard(ctx, n.cb, func(ctx context.Context) error {
		return postJSON(ctx, n.client, url, slackMessage(a, ev))
	})
}

func slackMessage(a models.Alert, ev bus.AlertEvent) map[string]any {
	return map[string]any{
		"text": ev.Message,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": "*" + ev.Message + "*"},
			},
			{
				"type": "section",
				"fields": []map[string]any{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Symbol:*\n%s", a.Symbol)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Price:*\n%.2f", ev.CurrentPrice)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Condition:*\n%s", a.Condition)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Threshold:*\n%g", a.Threshold)},
				},
			},
		},
	}
}

func guard(ctx context.Context, cb *gobreaker.CircuitBreaker, fn func(ctx context.Context) error) error {
	if cb == nil {
		return fn(ctx)
	}
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
