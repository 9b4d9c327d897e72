package domain

import (
	"context"
	"time"
)

// RuleRepo управляет правилами автоответа.
type RuleRepo interface {
	ListEnabledByAccount(accountID int64) ([]Rule, error)
	GetRule(id int64) (Rule, error)
	CreateRule(rule Rule) (Rule, error)
	UpdateRule(rule Rule) (Rule, error)
	DeleteRule(id int64) error
	SetRuleEnabled(id int64, enabled bool) error
	IncrementTriggerCount(id int64) error
}

// TaskRepo — граница долговечности очереди задач.
type TaskRepo interface {
	CreateTask(task QueueTask) error
	GetTask(id string) (QueueTask, error)
	// FindDue возвращает pending-задачи со scheduledAt <= now.
	FindDue(now time.Time, limit int) ([]QueueTask, error)
	FindByStatus(status TaskStatus, limit int) ([]QueueTask, error)
	MarkProcessing(id string, at time.Time) error
	MarkCompleted(id string, result string, at time.Time) error
	MarkFailed(id string, lastError string, at time.Time) error
	// CancelPending переводит задачу в failed, только если она всё ещё
	// pending. false означает, что задачу успел забрать диспатч.
	CancelPending(id string, lastError string, at time.Time) (bool, error)
	RescheduleTask(id string, retries int, scheduledAt time.Time, lastError string) error
	// ResetProcessing переводит зависшие processing-задачи обратно в pending
	// и возвращает их количество. Вызывается при старте очереди.
	ResetProcessing(scheduledAt time.Time) (int, error)
	CountByStatus() (map[TaskStatus]int, error)
	DeleteOldCompleted(olderThan time.Time) (int64, error)
}

// DeadLetterRepo хранит окончательно провалившиеся задачи. Только добавление,
// автоматической переобработки нет.
type DeadLetterRepo interface {
	SaveDeadLetter(task QueueTask, cause string) error
	CountDeadLetters() (int64, error)
	ListRecentDeadLetters(limit int) ([]DeadLetterEntry, error)
}

// Sender выполняет реальный побочный эффект задачи. Вызов обязан уважать
// таймаут контекста.
type Sender interface {
	Send(ctx context.Context, task QueueTask) (SendResult, error)
}

// DedupStore подавляет повторную постановку одинаковых действий.
type DedupStore interface {
	// MarkOnce возвращает true, если ключ встретился впервые в пределах ttl.
	MarkOnce(key string, ttl time.Duration) (bool, error)
}

// AdmissionController — взгляд очереди на ограничитель отправок.
type AdmissionController interface {
	// Allow сообщает, можно ли отправлять для пары (аккаунт, чат) сейчас.
	// Может задержать ответ на ограниченное случайное время, но задержка
	// никогда не превращает разрешение в отказ.
	Allow(ctx context.Context, accountID, chatID int64) (bool, error)
	// RecordSend фиксирует фактическую отправку в окнах ограничителя.
	RecordSend(accountID, chatID int64)
}

// Notifier получает события жизненного цикла конвейера. Ошибки получателя
// не должны влиять на конвейер, поэтому интерфейс их не возвращает.
type Notifier interface {
	Notify(event PipelineEvent)
}
