package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
)

type stubEnqueuer struct {
	drafts []domain.TaskDraft
	err    error
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, draft domain.TaskDraft) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.drafts = append(s.drafts, draft)
	return "task-id", nil
}

type stubDedup struct {
	seen map[string]bool
	err  error
}

func (s *stubDedup) MarkOnce(key string, ttl time.Duration) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

func testRule() domain.Rule {
	return domain.Rule{
		ID:        5,
		AccountID: 1,
		Priority:  7,
		Actions: []domain.Action{
			{Kind: domain.ActionSendText, Payload: "здравствуйте", Enabled: true, DelaySeconds: 3},
			{Kind: domain.ActionSendImage, Payload: "https://example.com/pic.png", Enabled: true},
			{Kind: domain.ActionMarkRead, Enabled: true},
			{Kind: domain.ActionSendText, Payload: "выключено", Enabled: false},
		},
	}
}

func TestDispatchActionsBuildsDrafts(t *testing.T) {
	queue := &stubEnqueuer{}
	b := NewBuilder(queue, &stubDedup{}, nil, zerolog.Nop(), time.Minute)

	msg := domain.Message{ID: 42, ChatID: 99, Text: "привет"}
	n, err := b.DispatchActions(context.Background(), testRule(), msg)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if n != 3 {
		t.Fatalf("поставлено %d задач, ожидали 3 включённых действия", n)
	}

	text := queue.drafts[0]
	if text.Kind != domain.TaskText || text.Payload.Text != "здравствуйте" {
		t.Fatalf("первая заявка %+v, ожидали текстовую задачу", text)
	}
	if text.Delay != 3*time.Second {
		t.Fatalf("задержка %v, ожидали 3s из действия", text.Delay)
	}
	if text.Priority != 7 || text.ChatID != 99 || text.AccountID != 1 {
		t.Fatalf("адресация заявки %+v не совпадает с правилом и сообщением", text)
	}
	if text.Meta.RuleID != 5 || text.Meta.MessageID != 42 || text.Meta.Origin != "rule" {
		t.Fatalf("метаданные %+v, ожидали происхождение от правила 5", text.Meta)
	}

	if queue.drafts[1].Kind != domain.TaskImage || queue.drafts[1].Payload.ImageURL == "" {
		t.Fatalf("вторая заявка %+v, ожидали задачу с изображением", queue.drafts[1])
	}
	if queue.drafts[2].Kind != domain.TaskMarkRead {
		t.Fatalf("третья заявка %+v, ожидали пометку прочитанным", queue.drafts[2])
	}
}

func TestDispatchActionsDeduplicates(t *testing.T) {
	queue := &stubEnqueuer{}
	b := NewBuilder(queue, &stubDedup{}, nil, zerolog.Nop(), time.Minute)

	msg := domain.Message{ID: 42, ChatID: 99}
	if _, err := b.DispatchActions(context.Background(), testRule(), msg); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Повторная доставка того же события не должна родить новые задачи.
	n, err := b.DispatchActions(context.Background(), testRule(), msg)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if n != 0 {
		t.Fatalf("повтор поставил %d задач, ожидали 0", n)
	}
	if len(queue.drafts) != 3 {
		t.Fatalf("в очереди %d заявок, ожидали 3", len(queue.drafts))
	}

	// То же действие на другое сообщение — не дубль.
	n, err = b.DispatchActions(context.Background(), testRule(), domain.Message{ID: 43, ChatID: 99})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if n != 3 {
		t.Fatalf("другое сообщение поставило %d задач, ожидали 3", n)
	}
}

func TestDispatchActionsDedupFailureIsOpen(t *testing.T) {
	queue := &stubEnqueuer{}
	b := NewBuilder(queue, &stubDedup{err: errors.New("redis недоступен")}, nil, zerolog.Nop(), time.Minute)

	n, err := b.DispatchActions(context.Background(), testRule(), domain.Message{ID: 1, ChatID: 2})
	if err != nil {
		t.Fatalf("недоступность дедупа не должна быть ошибкой: %v", err)
	}
	if n != 3 {
		t.Fatalf("поставлено %d задач, ожидали доставку при отказе дедупа", n)
	}
}

func TestDispatchActionsEnqueueError(t *testing.T) {
	queue := &stubEnqueuer{err: errors.New("хранилище недоступно")}
	b := NewBuilder(queue, &stubDedup{}, nil, zerolog.Nop(), time.Minute)

	if _, err := b.DispatchActions(context.Background(), testRule(), domain.Message{ID: 1, ChatID: 2}); err == nil {
		t.Fatal("ожидали ошибку постановки")
	}
}
