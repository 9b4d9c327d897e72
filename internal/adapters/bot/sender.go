package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/adapters/telegram"
	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/metrics"
)

// Sender выполняет задачи доставки через Bot API.
type Sender struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

var _ domain.Sender = (*Sender)(nil)

// NewSender создаёт отправителя.
func NewSender(bot *tgbotapi.BotAPI, log zerolog.Logger) *Sender {
	return &Sender{bot: bot, log: log}
}

// Send реализует domain.Sender.
func (s *Sender) Send(ctx context.Context, task domain.QueueTask) (domain.SendResult, error) {
	switch task.Kind {
	case domain.TaskText:
		return s.sendText(ctx, task.ChatID, task.Payload.Text)
	case domain.TaskImage:
		return s.sendImage(ctx, task.ChatID, task.Payload.ImageURL, task.Payload.Caption)
	case domain.TaskMixed:
		if _, err := s.sendImage(ctx, task.ChatID, task.Payload.ImageURL, task.Payload.Caption); err != nil {
			return domain.SendResult{}, err
		}
		return s.sendText(ctx, task.ChatID, task.Payload.Text)
	case domain.TaskMarkRead:
		// Bot API не умеет помечать сообщения прочитанными, задача считается
		// выполненной без побочного эффекта.
		s.log.Debug().Int64("chat_id", task.ChatID).Msg("sender: пометка прочитанным пропущена")
		return domain.SendResult{}, nil
	default:
		return domain.SendResult{}, fmt.Errorf("неизвестный тип задачи %q", task.Kind)
	}
}

func (s *Sender) sendText(ctx context.Context, chatID int64, text string) (domain.SendResult, error) {
	parts := telegram.SplitMessage(text)
	if len(parts) == 0 {
		return domain.SendResult{}, fmt.Errorf("пустой текст для отправки")
	}

	var last domain.SendResult
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return domain.SendResult{}, err
		}
		msg := tgbotapi.NewMessage(chatID, part)
		start := time.Now()
		sent, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
		if err != nil {
			return domain.SendResult{}, fmt.Errorf("отправка сообщения: %w", err)
		}
		last = domain.SendResult{MessageID: int64(sent.MessageID)}
	}
	return last, nil
}

func (s *Sender) sendImage(ctx context.Context, chatID int64, imageURL, caption string) (domain.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SendResult{}, err
	}
	if imageURL == "" {
		return domain.SendResult{}, fmt.Errorf("пустой адрес изображения")
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(imageURL))
	photo.Caption = caption
	start := time.Now()
	sent, err := s.bot.Send(photo)
	metrics.ObserveNetworkRequest("telegram", "send_photo", "bot_api", start, err)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("отправка изображения: %w", err)
	}
	return domain.SendResult{MessageID: int64(sent.MessageID)}, nil
}
