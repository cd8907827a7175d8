package notificator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	tgModels "github.com/go-telegram/bot/models"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

// StatsProvider reports the payout queue lengths for /status.
type StatsProvider interface {
	Stats(ctx context.Context) (*models.QueueStats, error)
}

// TelegramNotificator posts alerts to the operator chat and answers /status there.
type TelegramNotificator struct {
	logger *logger.Logger
	bot    *bot.Bot

	chatID string
	stats  StatsProvider
}

func NewTelegramNotificator(logger *logger.Logger, token, chatID string, stats StatsProvider) (*TelegramNotificator, error) {
	provider := &TelegramNotificator{
		logger: logger,
		chatID: chatID,
		stats:  stats,
	}
	opts := []bot.Option{
		bot.WithDefaultHandler(provider.handler),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	provider.bot = b
	return provider, nil
}

// Start polls for updates until ctx is done.
func (t *TelegramNotificator) Start(ctx context.Context) {
	go t.bot.Start(ctx)
}

func (t *TelegramNotificator) SendNotification(ctx context.Context, message string) error {
	params := &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   message,
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramNotificator) handler(ctx context.Context, b *bot.Bot, update *tgModels.Update) {
	if update.Message == nil {
		return
	}
	reply := t.reply(ctx, update.Message.Chat.ID, update.Message.Text)
	if reply == "" {
		return
	}
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: update.Message.Chat.ID, Text: reply}); err != nil {
		t.logger.Error("Failed to answer telegram command", "error", err)
	}
}

// reply answers commands from the operator chat. Other chats are ignored.
func (t *TelegramNotificator) reply(ctx context.Context, chatID int64, text string) string {
	if strconv.FormatInt(chatID, 10) != t.chatID {
		t.logger.Debug("Ignoring telegram message from foreign chat", "chatId", chatID)
		return ""
	}
	switch strings.TrimSpace(strings.SplitN(text, "@", 2)[0]) {
	case "/status":
		stats, err := t.stats.Stats(ctx)
		if err != nil {
			t.logger.Error("Failed to read queue stats", "error", err)
			return "Queue stats unavailable: " + err.Error()
		}
		return fmt.Sprintf("Payout queue\npending: %d\nprocessing: %d\nfailed: %d", stats.Pending, stats.Processing, stats.Failed)
	case "/start", "/help":
		return "Operator alerts for payouts are posted here. Send /status for queue lengths."
	}
	return ""
}
