package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"azure-utilities/internal/differential"
	"azure-utilities/internal/threshold"
)

// Notification carries the context of a threshold violation.
type Notification struct {
	Source      string
	Column      string
	Rule        string
	Violations  []threshold.Violation
	Rows        []differential.Row
	TriggeredAt time.Time
	Subject     string
	Channels    []string
	// Body overrides the rendered summary when set.
	Body string
}

// Notifier delivers a notification through one channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// MultiNotifier fans a notification out to every channel. When only some
// channels fail the error is a *PartialError.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, note Notification) error {
	var (
		errs   []error
		failed []string
	)
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
			failed = append(failed, channelName(n))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	if len(errs) == len(m) {
		return joined
	}
	return &PartialError{Delivered: len(m) - len(errs), Failed: failed, Err: joined}
}

// PartialError reports a fan-out where at least one channel delivered.
type PartialError struct {
	Delivered int
	Failed    []string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%d of %d channels failed (%s): %v",
		len(e.Failed), len(e.Failed)+e.Delivered, strings.Join(e.Failed, ", "), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func channelName(n Notifier) string {
	switch n.(type) {
	case *EmailNotifier:
		return "email"
	case *TelegramNotifier:
		return "telegram"
	default:
		return fmt.Sprintf("%T", n)
	}
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the plain-text summary.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderText(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("source", note.Source).
		Int("violations", len(note.Violations)).
		Msg("alert sent (telegram)")
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
)
