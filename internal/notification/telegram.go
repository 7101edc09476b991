package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramNotifier sends alerts via the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier creates a Telegram notifier. It is disabled unless both
// botToken and chatID are set. baseURL defaults to the public API.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

func (t *TelegramNotifier) Name() string  { return "telegram" }
func (t *TelegramNotifier) Enabled() bool { return t.botToken != "" && t.chatID != "" }

func (t *TelegramNotifier) Send(ctx context.Context, msg Message) error {
	if !t.Enabled() {
		return ErrDisabled("telegram")
	}
	emoji := "ℹ️"
	switch msg.Severity {
	case "warning":
		emoji = "⚠️"
	case "error", "critical":
		emoji = "🚨"
	}
	var b strings.Builder
	b.WriteString(emoji + " *" + escapeMarkdown(msg.Title) + "*\n\n")
	b.WriteString(escapeMarkdown(msg.TF+" "+msg.TS.Format("2006-01-02 15:04:05")+" UTC") + "\n")
	for _, d := range msg.Details {
		b.WriteString(escapeMarkdown(d.Key+": "+d.Value) + "\n")
	}
	b.WriteString("\n" + escapeMarkdown(msg.Text))

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram: ok=false: %s", result.Description)
	}
	t.logger.Debug().Int64("event_id", msg.EventID).Msg("sent")
	return nil
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var buf strings.Builder
	for _, r := range s {
		if strings.ContainsRune(specials, r) {
			buf.WriteByte('\\')
		}
		buf.WriteRune(r)
	}
	return buf.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
