// Package telegram sends customer notifications and operator messages
// through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"slipdesk/internal/domain"
	logx "slipdesk/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token          string
	OperatorChatID int64
	// APIURL overrides the Bot API base URL (tests, self-hosted API servers).
	APIURL  string
	Timeout time.Duration
}

// Messenger is send-only: the bot never polls for updates.
type Messenger struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Messenger, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Messenger{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

func (m *Messenger) Name() string { return "telegram" }

// Send delivers text to the contact's chat id, split into API-sized chunks.
func (m *Messenger) Send(ctx context.Context, to domain.Contact, text string) error {
	dest := strings.TrimSpace(to.Destination())
	chatID, err := strconv.ParseInt(dest, 10, 64)
	if err != nil || chatID == 0 {
		return fmt.Errorf("telegram: contact %s has no chat id (got %q)", to.ID, dest)
	}
	return m.sendChat(ctx, chatID, text)
}

// SendOps posts to the operator chat. It satisfies logx.OpsSink.
func (m *Messenger) SendOps(ctx context.Context, text string) error {
	if m.cfg.OperatorChatID == 0 {
		return errors.New("telegram: operator_chat_id not set")
	}
	return m.sendChat(ctx, m.cfg.OperatorChatID, text)
}

func (m *Messenger) sendChat(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			if i > 0 {
				m.log.Warn("message partially delivered", logx.Int64("chat", chatID), logx.Int("chunk", i+1), logx.Err(err))
			}
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks at least a third full.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, len(rs)/limit+1)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
