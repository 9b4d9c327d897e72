package domain

import "time"

// EventType описывает тип события конвейера.
type EventType string

const (
	// EventTaskEnqueued — задача поставлена в очередь.
	EventTaskEnqueued EventType = "task_enqueued"
	// EventTaskCompleted — задача выполнена.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRetried — задача отправлена на повтор после сбоя.
	EventTaskRetried EventType = "task_retried"
	// EventTaskFailed — задача провалена окончательно и ушла в dead-letter.
	EventTaskFailed EventType = "task_failed"
	// EventTaskDeferred — отправка отложена ограничителем (не ошибка).
	EventTaskDeferred EventType = "task_deferred"
	// EventTaskCanceled — задача отменена оператором.
	EventTaskCanceled EventType = "task_canceled"
	// EventDedupSkipped — постановка подавлена дедупликацией.
	EventDedupSkipped EventType = "dedup_skipped"
	// EventAdaptiveTriggered — ограничитель ужесточил порог области.
	EventAdaptiveTriggered EventType = "adaptive_triggered"
)

// PipelineEvent — событие жизненного цикла конвейера доставки.
type PipelineEvent struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	AccountID int64     `json:"account_id,omitempty"`
	ChatID    int64     `json:"chat_id,omitempty"`
	RuleID    int64     `json:"rule_id,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	Error     string    `json:"error,omitempty"`
	Retries   int       `json:"retries,omitempty"`
	At        time.Time `json:"at"`
}
