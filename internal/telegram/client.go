// Package telegram performs the single outbound call the relay makes: the
// Bot API sendMessage operation, with bounded retry.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tele "gopkg.in/telebot.v4"

	"telehook/internal/message"
)

const maxAttempts = 3

// Destination routes a send to an opaque chat id ("123", "-100456",
// "@channel") without resolving it locally.
type Destination string

func (d Destination) Recipient() string { return string(d) }

// sender is the slice of *tele.Bot the client uses; narrowed for tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Client sends normalized messages to Telegram. Safe for concurrent use.
type Client struct {
	bot            sender
	disablePreview bool
	log            *slog.Logger

	// sleep is swapped out in tests to observe backoff without waiting.
	sleep func(time.Duration)
}

// New builds a client around an offline telebot instance: no polling, no
// getMe on startup, just outbound calls.
func New(token string, disablePreview bool, log *slog.Logger) (*Client, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{
		bot:            bot,
		disablePreview: disablePreview,
		log:            log,
		sleep:          time.Sleep,
	}, nil
}

// Send delivers msg with up to 3 attempts. Failed attempts back off by
// min(500ms * 2^attempt, 4s) before the next try. The last error is
// wrapped in *UpstreamError once attempts are exhausted.
//
// In-flight delivery is never cancelled by the caller going away; ctx is
// carried for log correlation only.
func (c *Client) Send(ctx context.Context, msg *message.Message) error {
	opts := &tele.SendOptions{
		DisableWebPagePreview: c.disablePreview,
		DisableNotification:   msg.Silent,
		ThreadID:              msg.ThreadID,
		ParseMode:             msg.ParseMode,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := c.bot.Send(Destination(msg.Destination), msg.Text, opts)
		if err == nil {
			if attempt > 1 {
				c.log.InfoContext(ctx, "telegram send recovered",
					slog.String("destination", msg.Destination),
					slog.Int("attempt", attempt),
				)
			}
			return nil
		}
		lastErr = err
		c.log.WarnContext(ctx, "telegram send failed",
			slog.String("destination", msg.Destination),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < maxAttempts {
			c.sleep(backoff(attempt))
		}
	}
	return &UpstreamError{Attempts: maxAttempts, Detail: lastErr.Error(), Err: lastErr}
}

// backoff returns the wait after the given 1-based failed attempt:
// min(500ms * 2^attempt, 4s).
func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << attempt
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}

// UpstreamError reports a delivery whose retries are exhausted. Detail
// carries the provider's last response for diagnostics.
type UpstreamError struct {
	Attempts int
	Detail   string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("telegram delivery failed after %d attempts: %s", e.Attempts, e.Detail)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
