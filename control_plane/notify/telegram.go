package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/itskum47/ovhsniper/control_plane/observability"
	"github.com/itskum47/ovhsniper/control_plane/settings"
)

// DefaultTelegramAPI is the public Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// SettingsSource supplies the bot token and chat id at send time.
type SettingsSource interface {
	Get() settings.Snapshot
}

// TelegramNotifier sends events through the Telegram Bot API. Events are
// logged instead when no bot is configured.
type TelegramNotifier struct {
	settings SettingsSource
	apiBase  string
	client   *http.Client
	fallback Notifier
	logger   *log.Entry
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// NewTelegramNotifier creates a notifier. An empty apiBase uses DefaultTelegramAPI.
func NewTelegramNotifier(src SettingsSource, apiBase string) *TelegramNotifier {
	if apiBase == "" {
		apiBase = DefaultTelegramAPI
	}
	return &TelegramNotifier{
		settings: src,
		apiBase:  strings.TrimRight(apiBase, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		fallback: NewLogNotifier(),
		logger:   log.WithField("component", "notify"),
	}
}

func (n *TelegramNotifier) Notify(ctx context.Context, ev Event) error {
	snap := n.settings.Get()
	if !snap.HasTelegram() {
		return n.fallback.Notify(ctx, ev)
	}

	if err := n.send(ctx, snap.TgToken, snap.TgChatID, ev.Text()); err != nil {
		observability.NotificationFailures.WithLabelValues("telegram").Inc()
		n.logger.WithError(err).WithField("kind", ev.Kind).Warn("Telegram notification failed")
		return err
	}
	return nil
}

func (n *TelegramNotifier) send(ctx context.Context, token, chatID, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return errors.Wrap(err, "encode telegram message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiBase+"/bot"+token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return errors.Wrap(urlErr.Err, "telegram request")
		}
		return errors.New("telegram request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}
