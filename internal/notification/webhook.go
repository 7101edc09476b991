package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier POSTs a markdown message as JSON. With a secret, the URL
// carries "timestamp" (unix ms) and "sign", the base64 HMAC-SHA256 of
// "timestamp\nsecret" keyed by the secret.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
	logger zerolog.Logger
}

// NewWebhookNotifier creates a webhook notifier. An empty url disables it.
func NewWebhookNotifier(rawURL, secret string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    rawURL,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
		logger: logger.With().Str("component", "notify_webhook").Logger(),
	}
}

func (w *WebhookNotifier) Name() string  { return "webhook" }
func (w *WebhookNotifier) Enabled() bool { return w.url != "" }

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	if !w.Enabled() {
		return ErrDisabled("webhook")
	}
	target, err := w.signedURL()
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": msg.Title,
			"text":  msg.Markdown,
		},
		"event": map[string]any{
			"id":       msg.EventID,
			"rule_id":  msg.RuleID,
			"symbol":   msg.Symbol,
			"tf":       msg.TF,
			"severity": msg.Severity,
			"kind":     msg.Kind,
			"ts":       msg.TS.Format(time.RFC3339),
			"payload":  msg.Payload,
		},
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	w.logger.Debug().Int64("event_id", msg.EventID).Msg("sent")
	return nil
}

func (w *WebhookNotifier) signedURL() (string, error) {
	if w.secret == "" {
		return w.url, nil
	}
	u, err := url.Parse(w.url)
	if err != nil {
		return "", err
	}
	ts := w.now().UnixMilli()
	q := u.Query()
	q.Set("timestamp", strconv.FormatInt(ts, 10))
	q.Set("sign", Sign(w.secret, ts))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Sign returns base64(HMAC-SHA256(secret, "<timestamp>\n<secret>")).
func Sign(secret string, timestampMillis int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMillis, 10) + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

var _ Notifier = (*WebhookNotifier)(nil)
