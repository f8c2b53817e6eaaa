package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// telegramMaxLength stays under Telegram's 4096-character message cap with
// headroom for formatting added by the caller.
const telegramMaxLength = 3800

// Telegram delivers digests to a chat via the Bot API.
type Telegram struct {
	client  *http.Client
	logger  *slog.Logger
	token   string
	chatID  string
	baseURL string // Overridden in tests
}

// NewTelegram creates a Telegram sink.
func NewTelegram(token, chatID string, logger *slog.Logger) *Telegram {
	return &Telegram{
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
	}
}

// MaxLength returns the sink's text limit.
func (t *Telegram) MaxLength() int { return telegramMaxLength }

// Send posts one message to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	err := retry.Do(
		func() error {
			t.logger.Info("Telegram API request starting",
				"method", "POST",
				"endpoint", "sendMessage",
				"text_length", len(text))

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			startTime := time.Now()
			resp, err := t.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				t.logger.Warn("Telegram API request failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					t.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			var apiResp struct {
				OK          bool   `json:"ok"`
				Description string `json:"description"`
			}
			if decodeErr := json.NewDecoder(resp.Body).Decode(&apiResp); decodeErr != nil {
				return fmt.Errorf("decode response: %w", decodeErr)
			}

			if resp.StatusCode != http.StatusOK || !apiResp.OK {
				t.logger.Warn("Telegram API returned error",
					"status_code", resp.StatusCode,
					"description", apiResp.Description)
				// Bad request means the payload itself is wrong; retrying
				// the same text cannot help.
				if resp.StatusCode == http.StatusBadRequest {
					return retry.Unrecoverable(fmt.Errorf("telegram: %s", apiResp.Description))
				}
				return fmt.Errorf("HTTP %d: %s", resp.StatusCode, apiResp.Description)
			}

			t.logger.Info("Telegram API request completed",
				"endpoint", "sendMessage",
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return &DeliveryError{Sink: "telegram", Err: err}
	}
	return nil
}
