// Package notify pushes task outcomes to Telegram. The notifier is an
// observer: it reads the bus and sends chat messages, and nothing here
// ever feeds back into engine state.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/config"
	"github.com/basket/sessiond/internal/safety"
)

// maxResultChars caps how much of a result or error lands in the chat.
const maxResultChars = 400

// Telegram forwards task completion and failure events to one chat.
type Telegram struct {
	cfg      config.TelegramConfig
	bus      *bus.Bus
	logger   *slog.Logger
	scrubber *safety.Scrubber

	bot  *tgbotapi.BotAPI
	send func(text string)
}

func NewTelegram(cfg config.TelegramConfig, b *bus.Bus, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{cfg: cfg, bus: b, logger: logger, scrubber: safety.NewScrubber()}
}

// Run connects the bot and forwards events until ctx is done. Connection
// failures retry with doubling backoff capped at 30s. Run never returns
// an error; a notifier that cannot connect only costs notifications.
func (t *Telegram) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
		if err == nil {
			t.bot = bot
			t.send = t.sendMessage
			t.logger.Info("telegram notifier connected", "user", bot.Self.UserName)
			break
		}
		t.logger.Warn("telegram connect failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	t.forward(ctx)
}

// forward is the bus loop, split from Run so tests can drive it with a
// fake send.
func (t *Telegram) forward(ctx context.Context) {
	sub := t.bus.Subscribe("task.")
	defer t.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			text := messageFor(ev)
			if text == "" {
				continue
			}
			// Task results can quote tool output; never relay a
			// secret to the chat.
			scrubbed, findings := t.scrubber.Scrub(text)
			if len(findings) > 0 {
				t.logger.Warn("masked secrets in outbound notification",
					"count", len(findings), "kind", findings[0].Kind)
			}
			t.send(scrubbed)
		}
	}
}

// messageFor renders one bus event as a chat message. Events that do not
// notify render as "".
func messageFor(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.TaskCompletedEvent:
		text := fmt.Sprintf("task %s completed", shortID(p.ExecutionID))
		if p.SessionID != "" {
			text += fmt.Sprintf(" (session %s)", shortID(p.SessionID))
		}
		if p.Result != "" {
			text += "\n" + clip(p.Result, maxResultChars)
		}
		return text
	case bus.TaskFailedEvent:
		errMsg := p.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
		text := fmt.Sprintf("task %s failed after %d attempt(s)", shortID(p.ExecutionID), p.Attempts)
		if p.SessionID != "" {
			text += fmt.Sprintf(" (session %s)", shortID(p.SessionID))
		}
		return text + "\n" + clip(errMsg, maxResultChars)
	}
	return ""
}

func (t *Telegram) sendMessage(text string) {
	msg := tgbotapi.NewMessage(t.cfg.ChatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
