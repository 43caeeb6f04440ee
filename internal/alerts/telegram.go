package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"swap-engine/internal/config"
	"swap-engine/internal/trade"

	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	sendTimeout     = 10 * time.Second
)

// Telegram forwards lifecycle notifications to a chat. Informational
// notifications are skipped; fills, cancellations and failures are sent.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	prefix  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewTelegram(cfg config.TelegramConfig, appCode string, log *zap.Logger) *Telegram {
	return newTelegram(cfg, appCode, log, telegramBaseURL, &http.Client{Timeout: sendTimeout})
}

func newTelegram(cfg config.TelegramConfig, appCode string, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: sendTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		prefix:  strings.TrimSpace(appCode),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) OnNotification(n trade.Notification) {
	if !t.enabled || n.Status == trade.NotifyInfo {
		return
	}
	msg := format(t.prefix, n)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := t.Send(ctx, msg); err != nil {
			t.log.Warn("telegram notification failed", zap.String("title", n.Title), zap.Error(err))
		}
	}()
}

func (t *Telegram) OnWidgetStateChange(trade.Snapshot) {}

// Flush waits for notifications already handed to the sender.
func (t *Telegram) Flush() {
	t.wg.Wait()
}

func format(prefix string, n trade.Notification) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString("[" + prefix + "] ")
	}
	b.WriteString(strings.ToUpper(string(n.Status)))
	b.WriteString(": ")
	b.WriteString(n.Title)
	if desc := strings.TrimSpace(n.Description); desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
	}
	return b.String()
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}
