// Package alert delivers one-shot operational notifications. Delivery is
// best effort and never retried: an alert that cannot be sent is logged and
// dropped, because the conditions that raise alerts are exactly the ones
// where blocking the payout path would make things worse.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orbiterx/settlement/pkg/logging"
)

// Config holds the Telegram delivery settings. Empty values disable
// delivery; alerts then only reach the log.
type Config struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`

	// Timeout bounds one delivery attempt. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// Notifier sends alerts to a Telegram chat.
type Notifier struct {
	cfg     Config
	httpc   *http.Client
	log     *logging.Logger
	baseURL string
}

// New creates a notifier. A nil or unconfigured notifier degrades to
// logging only.
func New(cfg Config) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		log:     logging.GetDefault().Component("alert"),
		baseURL: "https://api.telegram.org",
	}
}

// Notify sends one alert. It never blocks the caller beyond the delivery
// timeout and never retries.
func (n *Notifier) Notify(ctx context.Context, title, body string) {
	if n == nil {
		logging.GetDefault().Component("alert").Warn("ALERT: "+title, "detail", body)
		return
	}
	n.log.Warn("ALERT: "+title, "detail", body)
	if n.cfg.BotToken == "" || n.cfg.ChatID == "" {
		return
	}

	text := title
	if body != "" {
		text = title + "\n" + body
	}

	form := url.Values{
		"chat_id": {n.cfg.ChatID},
		"text":    {text},
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		n.log.Error("Failed to build alert request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpc.Do(req)
	if err != nil {
		n.log.Error("Failed to deliver alert", "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Description string `json:"description"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		n.log.Error("Alert rejected", "status", resp.StatusCode, "description", apiErr.Description)
	}
}
