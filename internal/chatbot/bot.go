// Package chatbot answers chat commands arriving from any transport.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ankibot/internal/broadcast"
	"ankibot/internal/storage"
	kit "ankibot/internal/transport"
	logx "ankibot/pkg/logx"
)

// TargetStore is the subset of storage the commands touch.
type TargetStore interface {
	RegisterTarget(ctx context.Context, t storage.Target) (storage.Target, error)
	UpdateSettings(ctx context.Context, ch storage.Channel, chatID string, s storage.Settings) (storage.Target, error)
}

type CardSender interface {
	SendCard(ctx context.Context, to kit.Recipient) error
}

// Command describes one entry of the bot menu.
type Command struct {
	Name        string
	Description string
}

// Commands lists the menu in display order.
func Commands() []Command {
	return []Command{
		{Name: "start", Description: "subscribe to daily flashcards"},
		{Name: "card", Description: "get a random flashcard now"},
		{Name: "daily", Description: "daily reminders on|off"},
		{Name: "stop", Description: "stop all notifications"},
		{Name: "help", Description: "show help"},
	}
}

const (
	welcomeText = "👋 Welcome! You will receive flashcards during the day.\n" +
		"Send /card for one right now, /stop to unsubscribe."
	stoppedText   = "🔕 Notifications are off. Send /start to turn them back on."
	noCardsText   = "📭 There are no flashcards yet. Try again later."
	cardErrorText = "⚠️ Could not send a flashcard right now."
	errorText     = "⚠️ Something went wrong, please try again."
)

type Bot struct {
	store   TargetStore
	cards   CardSender
	reply   kit.Dispatcher
	log     logx.Logger
	timeout time.Duration
}

func New(store TargetStore, cards CardSender, reply kit.Dispatcher, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{
		store:   store,
		cards:   cards,
		reply:   reply,
		log:     log.With(logx.String("comp", "chatbot")),
		timeout: 30 * time.Second,
	}
}

// Run handles updates until ctx is done or the channel is closed.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.Handle(ctx, up)
		}
	}
}

// Handle processes one update. Messenger users rarely type a slash, so a
// bare keyword is accepted as well.
func (b *Bot) Handle(ctx context.Context, up kit.Update) {
	if up.From.ChatID == "" {
		return
	}
	cmd, args, ok := up.Command()
	if !ok {
		fields := strings.Fields(strings.ToLower(up.Text))
		if len(fields) > 0 {
			cmd = fields[0]
			args = strings.Join(fields[1:], " ")
		}
	}

	hctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	log := b.log.With(logx.String("from", up.From.String()), logx.String("cmd", cmd))
	var err error
	switch cmd {
	case "start":
		err = b.start(hctx, up)
	case "card":
		err = b.card(hctx, up)
	case "stop":
		err = b.stop(hctx, up)
	case "daily":
		err = b.daily(hctx, up, args)
	default:
		err = b.send(hctx, up.From, helpText())
	}
	if err != nil {
		log.Warn("command failed", logx.Err(err))
		_ = b.send(hctx, up.From, errorText)
		return
	}
	log.Debug("command handled")
}

func (b *Bot) start(ctx context.Context, up kit.Update) error {
	_, err := b.store.RegisterTarget(ctx, storage.Target{
		Channel:  storage.Channel(up.From.Channel),
		ChatID:   up.From.ChatID,
		Name:     up.Name,
		Username: up.Username,
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return b.send(ctx, up.From, welcomeText)
}

func (b *Bot) card(ctx context.Context, up kit.Update) error {
	err := b.cards.SendCard(ctx, up.From)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, broadcast.ErrContentUnavailable):
		return b.send(ctx, up.From, noCardsText)
	default:
		b.log.Warn("send card failed", logx.String("to", up.From.String()), logx.Err(err))
		return b.send(ctx, up.From, cardErrorText)
	}
}

func (b *Bot) stop(ctx context.Context, up kit.Update) error {
	off := false
	_, err := b.store.UpdateSettings(ctx, storage.Channel(up.From.Channel), up.From.ChatID, storage.Settings{NotificationsEnabled: &off})
	if errors.Is(err, storage.ErrNotFound) {
		return b.send(ctx, up.From, stoppedText)
	}
	if err != nil {
		return fmt.Errorf("disable: %w", err)
	}
	return b.send(ctx, up.From, stoppedText)
}

func (b *Bot) daily(ctx context.Context, up kit.Update, args string) error {
	var on bool
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "on", "yes", "1":
		on = true
	case "off", "no", "0":
	default:
		return b.send(ctx, up.From, "Usage: /daily on|off")
	}
	_, err := b.store.UpdateSettings(ctx, storage.Channel(up.From.Channel), up.From.ChatID, storage.Settings{DailyReminder: &on})
	if errors.Is(err, storage.ErrNotFound) {
		return b.send(ctx, up.From, "Send /start first.")
	}
	if err != nil {
		return fmt.Errorf("daily: %w", err)
	}
	if on {
		return b.send(ctx, up.From, "⏰ Daily reminders are on.")
	}
	return b.send(ctx, up.From, "Daily reminders are off. /card still works.")
}

func (b *Bot) send(ctx context.Context, to kit.Recipient, text string) error {
	return b.reply.Send(ctx, to, kit.Message{Text: text})
}

func helpText() string {
	var sb strings.Builder
	sb.WriteString("📚 Flashcard bot commands:\n")
	for _, c := range Commands() {
		sb.WriteString("/")
		sb.WriteString(c.Name)
		sb.WriteString(" - ")
		sb.WriteString(c.Description)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
