package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/metrics"
)

// Enqueuer ставит задачу в очередь доставки.
type Enqueuer interface {
	Enqueue(ctx context.Context, draft domain.TaskDraft) (string, error)
}

// Builder превращает действия сработавших правил в задачи доставки и
// подавляет дубли: повторная доставка того же события источником не должна
// породить второй исходящий ответ.
type Builder struct {
	queue    Enqueuer
	dedup    domain.DedupStore
	notifier domain.Notifier
	log      zerolog.Logger
	ttl      time.Duration
}

// NewBuilder создаёт билдер действий.
func NewBuilder(queue Enqueuer, dedup domain.DedupStore, notifier domain.Notifier, log zerolog.Logger, ttl time.Duration) *Builder {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Builder{queue: queue, dedup: dedup, notifier: notifier, log: log, ttl: ttl}
}

// DispatchActions ставит в очередь по одной задаче на каждое включённое
// действие правила. Подавленный дублем экземпляр считается уже успешным и
// не является ошибкой.
func (b *Builder) DispatchActions(ctx context.Context, rule domain.Rule, msg domain.Message) (int, error) {
	enqueued := 0
	for _, action := range rule.Actions {
		if !action.Enabled {
			continue
		}

		draft, err := buildDraft(rule, msg, action)
		if err != nil {
			b.log.Warn().Err(err).Int64("rule", rule.ID).Msg("действия: действие пропущено")
			continue
		}

		key := dedupKey(rule.AccountID, msg.ChatID, msg.ID, action)
		first, err := b.dedup.MarkOnce(key, b.ttl)
		if err != nil {
			// Недоступность дедупа не должна останавливать доставку.
			b.log.Warn().Err(err).Msg("действия: дедуп недоступен")
			first = true
		}
		if !first {
			metrics.DedupSkips.Inc()
			b.notify(domain.PipelineEvent{
				Type:      domain.EventDedupSkipped,
				AccountID: rule.AccountID,
				ChatID:    msg.ChatID,
				RuleID:    rule.ID,
			})
			continue
		}

		if _, err := b.queue.Enqueue(ctx, draft); err != nil {
			return enqueued, fmt.Errorf("постановка действия %s: %w", action.Kind, err)
		}
		enqueued++
	}
	return enqueued, nil
}

func (b *Builder) notify(event domain.PipelineEvent) {
	if b.notifier == nil {
		return
	}
	event.At = time.Now().UTC()
	b.notifier.Notify(event)
}

// dedupKey — хэш идентичности исходящего действия. Ключ включает id
// триггерного сообщения, поэтому одинаковый ответ на два разных сообщения
// дублем не считается.
func dedupKey(accountID, chatID, messageID int64, action domain.Action) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%d|%s|%s", accountID, chatID, messageID, action.Kind, action.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func buildDraft(rule domain.Rule, msg domain.Message, action domain.Action) (domain.TaskDraft, error) {
	draft := domain.TaskDraft{
		AccountID: rule.AccountID,
		ChatID:    msg.ChatID,
		Priority:  rule.Priority,
		Delay:     time.Duration(action.DelaySeconds) * time.Second,
		Meta: domain.TaskMeta{
			RuleID:    rule.ID,
			MessageID: msg.ID,
			Origin:    "rule",
		},
	}
	switch action.Kind {
	case domain.ActionSendText:
		draft.Kind = domain.TaskText
		draft.Payload = domain.TaskPayload{Text: action.Payload}
	case domain.ActionSendImage:
		draft.Kind = domain.TaskImage
		draft.Payload = domain.TaskPayload{ImageURL: action.Payload}
	case domain.ActionMarkRead:
		draft.Kind = domain.TaskMarkRead
	default:
		return domain.TaskDraft{}, fmt.Errorf("неизвестный тип действия %q", action.Kind)
	}
	return draft, nil
}
