package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mm-hedge-bot/internal/config"
)

const telegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 40 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) Enabled() bool {
	return t != nil && t.enabled
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.Enabled() {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var ok bool
	return t.do(req, &ok)
}

// GetUpdates long-polls for chat updates starting at offset.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]Update, error) {
	if !t.Enabled() {
		return nil, errors.New("telegram disabled")
	}
	if t.token == "" {
		return nil, errors.New("telegram token is required")
	}
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(wait/time.Second)))
	q.Set("allowed_updates", `["message"]`)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.methodURL("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := t.do(req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *Telegram) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func (t *Telegram) do(req *http.Request, result any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram request failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram decode: %w", err)
	}
	if !envelope.OK {
		desc := strings.TrimSpace(envelope.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram request failed: %s", desc)
	}
	if result == nil || len(envelope.Result) == 0 {
		return nil
	}
	if _, isBool := result.(*bool); isBool {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}
