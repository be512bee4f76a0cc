// Package notify delivers direct messages to deal parties via Telegram.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmattes/escrowd/internal/retry"
)

var (
	notifySendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "send_total",
		Help:      "Total notification send attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(notifySendTotal)
}

// Notifier delivers a message to a user. The boolean reports whether the
// message actually reached them; callers fall back to relaying the text
// through whoever triggered the operation when delivery fails.
type Notifier interface {
	Notify(ctx context.Context, recipientID int64, text string) bool
}

// DefaultSendTimeout bounds a single delivery attempt
const DefaultSendTimeout = 15 * time.Second

const (
	sendAttempts = 3
	sendBackoff  = 500 * time.Millisecond
)

// Telegram sends messages through the Bot API.
// All sends are best-effort: failures are logged and counted, never returned.
type Telegram struct {
	token  string
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier
func NewTelegram(token string, logger *slog.Logger) *Telegram {
	return &Telegram{
		token:  token,
		base:   "https://api.telegram.org",
		client: &http.Client{Timeout: DefaultSendTimeout},
		logger: logger,
	}
}

// NewTelegramWithBase creates a notifier against a custom API host, for tests
func NewTelegramWithBase(token, base string, logger *slog.Logger) *Telegram {
	t := NewTelegram(token, logger)
	t.base = strings.TrimRight(base, "/")
	return t
}

// Notify implements Notifier. Network errors are retried with backoff;
// a Bot API rejection (blocked bot, bad chat ID) is final on the first
// response.
func (t *Telegram) Notify(ctx context.Context, recipientID int64, text string) bool {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.token)
	form := url.Values{
		"chat_id": {strconv.FormatInt(recipientID, 10)},
		"text":    {text},
	}

	err := retry.Do(ctx, sendAttempts, sendBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var out struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.OK {
			if resp.StatusCode >= 500 {
				return fmt.Errorf("telegram api status %d", resp.StatusCode)
			}
			return retry.Permanent(fmt.Errorf("telegram rejected send (status %d): %s", resp.StatusCode, out.Description))
		}
		return nil
	})
	if err != nil {
		notifySendTotal.WithLabelValues("error").Inc()
		t.logger.Warn("notification send failed", "recipient", recipientID, "error", err)
		return false
	}

	notifySendTotal.WithLabelValues("delivered").Inc()
	return true
}

var _ Notifier = (*Telegram)(nil)

// Disabled is a no-op notifier used when no bot token is configured.
// Every send reports non-delivery so callers relay the text themselves.
type Disabled struct{}

// Notify implements Notifier
func (Disabled) Notify(context.Context, int64, string) bool {
	notifySendTotal.WithLabelValues("disabled").Inc()
	return false
}

var _ Notifier = Disabled{}
