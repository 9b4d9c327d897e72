package mtproto

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/usecase/rules"
)

// Listener слушает входящие сообщения аккаунта через MTProto и передаёт их
// движку правил. Требует уже авторизованную сессию: интерактивного входа нет,
// сессия готовится заранее (см. cmd/session-import).
type Listener struct {
	client    *telegram.Client
	engine    *rules.Engine
	log       zerolog.Logger
	accountID int64
}

// NewListener создаёт MTProto клиент с файловым хранилищем сессии.
func NewListener(apiID int, apiHash, sessionFile string, accountID int64, engine *rules.Engine, log zerolog.Logger) *Listener {
	l := &Listener{engine: engine, log: log, accountID: accountID}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewMessage(l.onNewMessage)

	l.client = telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: sessionFile},
		UpdateHandler:  dispatcher,
	})
	return l
}

// Run подключается и слушает апдейты до отмены контекста.
func (l *Listener) Run(ctx context.Context) error {
	return l.client.Run(ctx, func(ctx context.Context) error {
		status, err := l.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("проверка авторизации: %w", err)
		}
		if !status.Authorized {
			return fmt.Errorf("сессия не авторизована, выполните импорт сессии")
		}
		l.log.Info().Int64("account", l.accountID).Msg("mtproto: слушатель запущен")
		<-ctx.Done()
		return ctx.Err()
	})
}

func (l *Listener) onNewMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewMessage) error {
	msg, ok := update.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return nil
	}

	incoming, ok := normalizeUpdate(msg, text)
	if !ok {
		return nil
	}

	result, err := l.engine.ProcessMessage(ctx, l.accountID, incoming)
	if err != nil {
		l.log.Error().Err(err).Int64("chat_id", incoming.ChatID).Msg("mtproto: обработка сообщения не удалась")
		return nil
	}
	l.log.Debug().
		Int64("chat_id", incoming.ChatID).
		Int("matched", result.MatchedCount).
		Msg("mtproto: сообщение обработано")
	return nil
}

func normalizeUpdate(msg *tg.Message, text string) (domain.Message, bool) {
	incoming := domain.Message{
		ID:        int64(msg.ID),
		Text:      text,
		CreatedAt: time.Unix(int64(msg.Date), 0).UTC(),
	}

	switch peer := msg.PeerID.(type) {
	case *tg.PeerUser:
		incoming.Kind = domain.ChatPrivate
		incoming.ChatID = peer.UserID
		incoming.SenderID = peer.UserID
	case *tg.PeerChat:
		incoming.Kind = domain.ChatGroup
		incoming.ChatID = peer.ChatID
	case *tg.PeerChannel:
		incoming.Kind = domain.ChatGroup
		incoming.ChatID = peer.ChannelID
	default:
		return domain.Message{}, false
	}

	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		incoming.SenderID = from.UserID
	}
	return incoming, true
}
