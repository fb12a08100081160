package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var errTelegramNotConfigured = errors.New("telegram relay not configured")

// TelegramRelay sends HTML messages through the Bot API. The bot is
// connected on first use.
type TelegramRelay struct {
	token      string
	endpoint   string
	httpClient *http.Client

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

type TelegramOption func(*TelegramRelay)

func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *TelegramRelay) { t.httpClient = c }
}

// WithBaseURL points the relay at another Bot API server.
func WithBaseURL(u string) TelegramOption {
	return func(t *TelegramRelay) { t.endpoint = strings.TrimRight(u, "/") + "/bot%s/%s" }
}

func NewTelegramRelay(token string, opts ...TelegramOption) *TelegramRelay {
	t := &TelegramRelay{
		token:      token,
		endpoint:   tgbotapi.APIEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Configured returns true if a bot token is set.
func (t *TelegramRelay) Configured() bool {
	return t.token != ""
}

func (t *TelegramRelay) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.httpClient)
	if err != nil {
		return nil, fmt.Errorf("connect bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// Send delivers text to chatID, which is a numeric chat id or an @channel
// username.
func (t *TelegramRelay) Send(ctx context.Context, chatID, text string) error {
	if !t.Configured() {
		return errTelegramNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.client()
	if err != nil {
		return err
	}

	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
