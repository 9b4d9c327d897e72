package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/usecase/rules"
)

// Handler обслуживает вебхук бота: нормализует апдейты и передаёт их движку
// правил.
type Handler struct {
	engine    *rules.Engine
	log       zerolog.Logger
	accountID int64
}

// NewHandler создаёт обработчик. accountID — аккаунт, чьи правила применяются
// к трафику этого бота.
func NewHandler(engine *rules.Engine, log zerolog.Logger, accountID int64) *Handler {
	return &Handler{engine: engine, log: log, accountID: accountID}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil {
		msg = upd.EditedMessage
	}
	if msg == nil {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	incoming := normalizeMessage(msg)
	result, err := h.engine.ProcessMessage(ctx, h.accountID, incoming)
	if err != nil {
		h.log.Error().Err(err).Int64("chat_id", incoming.ChatID).Msg("bot: обработка сообщения не удалась")
		return
	}
	h.log.Debug().
		Int64("chat_id", incoming.ChatID).
		Int("matched", result.MatchedCount).
		Int("actions", result.ActionsTriggered).
		Msg("bot: сообщение обработано")
}

func normalizeMessage(msg *tgbotapi.Message) domain.Message {
	kind := domain.ChatGroup
	if msg.Chat != nil && msg.Chat.IsPrivate() {
		kind = domain.ChatPrivate
	}

	incoming := domain.Message{
		ID:        int64(msg.MessageID),
		Text:      strings.TrimSpace(msg.Text),
		Kind:      kind,
		CreatedAt: msg.Time(),
	}
	if msg.Chat != nil {
		incoming.ChatID = msg.Chat.ID
	}
	if msg.From != nil {
		incoming.SenderID = msg.From.ID
		incoming.Meta = map[string]string{"username": msg.From.UserName}
	}
	return incoming
}
