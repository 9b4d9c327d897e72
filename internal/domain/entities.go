package domain

import "time"

// ChatKind описывает тип чата.
type ChatKind string

const (
	// ChatPrivate — личный чат.
	ChatPrivate ChatKind = "private"
	// ChatGroup — групповой чат.
	ChatGroup ChatKind = "group"
)

// Message представляет нормализованное входящее сообщение.
// Ядро никогда его не изменяет.
type Message struct {
	ID         int64
	ChatID     int64
	SenderID   int64
	Text       string
	Kind       ChatKind
	IsOutgoing bool
	CreatedAt  time.Time
	Meta       map[string]string
}

// MatcherKind описывает способ сопоставления текста.
type MatcherKind string

const (
	MatchExact    MatcherKind = "exact"
	MatchContains MatcherKind = "contains"
	MatchPrefix   MatcherKind = "prefix"
	MatchSuffix   MatcherKind = "suffix"
	MatchRegex    MatcherKind = "regex"
)

// Matcher описывает одно текстовое условие правила.
type Matcher struct {
	Kind          MatcherKind `json:"kind"`
	Pattern       string      `json:"pattern"`
	CaseSensitive bool        `json:"case_sensitive,omitempty"`
	Flags         string      `json:"flags,omitempty"`
}

// ConditionKind описывает тип дополнительного условия правила.
type ConditionKind string

const (
	CondTimeWindow ConditionKind = "time_window"
	CondChatKind   ConditionKind = "chat_kind"
	CondSender     ConditionKind = "sender"
	CondTextLength ConditionKind = "text_length"
)

// TimeWindow задаёт окно времени суток с опциональным фильтром дней недели.
type TimeWindow struct {
	From     string         `json:"from"` // "15:04"
	To       string         `json:"to"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// Condition описывает условие применимости правила. Заполняются поля
// соответствующего Kind, остальные игнорируются.
type Condition struct {
	Kind      ConditionKind `json:"kind"`
	Windows   []TimeWindow  `json:"windows,omitempty"`
	ChatKinds []ChatKind    `json:"chat_kinds,omitempty"`
	Allow     []int64       `json:"allow,omitempty"`
	Deny      []int64       `json:"deny,omitempty"`
	MinLen    int           `json:"min_len,omitempty"`
	MaxLen    int           `json:"max_len,omitempty"`
}

// ActionKind описывает тип исходящего действия.
type ActionKind string

const (
	ActionSendText  ActionKind = "send_text"
	ActionSendImage ActionKind = "send_image"
	ActionMarkRead  ActionKind = "mark_read"
)

// Action описывает одно действие сработавшего правила.
type Action struct {
	Kind         ActionKind `json:"kind"`
	Payload      string     `json:"payload"`
	DelaySeconds int        `json:"delay_seconds,omitempty"`
	Enabled      bool       `json:"enabled"`
}

// StopPolicy определяет, продолжать ли оценку правил после полного совпадения.
type StopPolicy string

const (
	// StopFirst — остановиться после первого полностью совпавшего правила.
	StopFirst StopPolicy = "first"
	// StopAll — оценивать все правила.
	StopAll StopPolicy = "all"
)

// Rule описывает правило автоответа одного аккаунта.
type Rule struct {
	ID           int64
	AccountID    int64
	Name         string
	Priority     int
	Salience     int
	Enabled      bool
	Matchers     []Matcher
	Conditions   []Condition
	Actions      []Action
	StopPolicy   StopPolicy
	MaxTriggers  int // 0 — без бюджета срабатываний
	TriggerCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RuleTrace — запись объяснения по одному правилу.
type RuleTrace struct {
	RuleID  int64         `json:"rule_id"`
	Name    string        `json:"name"`
	Matched bool          `json:"matched"`
	Reason  string        `json:"reason"`
	Elapsed time.Duration `json:"elapsed"`
}

// ProcessResult — итог обработки сообщения движком правил.
type ProcessResult struct {
	Processed        bool        `json:"processed"`
	MatchedCount     int         `json:"matched_count"`
	ActionsTriggered int         `json:"actions_triggered"`
	Explain          []RuleTrace `json:"explain"`
}

// TaskStatus описывает состояние задачи очереди.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskKind описывает тип полезной нагрузки задачи.
type TaskKind string

const (
	TaskText     TaskKind = "text"
	TaskImage    TaskKind = "image"
	TaskMixed    TaskKind = "mixed"
	TaskMarkRead TaskKind = "mark_read"
)

// TaskPayload содержит данные для отправителя.
type TaskPayload struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// TaskMeta хранит происхождение задачи для дедупликации и аудита.
type TaskMeta struct {
	RuleID    int64     `json:"rule_id,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueTask — задача исходящей доставки.
//
// Переходы статусов монотонны: pending → processing → completed,
// либо processing → pending (повтор), либо processing → failed (терминально).
type QueueTask struct {
	ID          string
	AccountID   int64
	ChatID      int64
	Kind        TaskKind
	Priority    int
	Status      TaskStatus
	Payload     TaskPayload
	Meta        TaskMeta
	Retries     int
	MaxRetries  int
	ScheduledAt time.Time
	ProcessedAt *time.Time
	CompletedAt *time.Time
	LastError   string
	Result      string
}

// TaskDraft — заявка на постановку задачи в очередь.
type TaskDraft struct {
	AccountID  int64
	ChatID     int64
	Kind       TaskKind
	Priority   int
	Payload    TaskPayload
	Meta       TaskMeta
	Delay      time.Duration
	MaxRetries int // 0 — значение по умолчанию очереди
}

// DeadLetterEntry — запись об окончательно провалившейся задаче.
type DeadLetterEntry struct {
	ID        string
	TaskID    string
	AccountID int64
	ChatID    int64
	Kind      TaskKind
	Payload   TaskPayload
	Cause     string
	Retries   int
	CreatedAt time.Time
}

// SendResult — результат внешней отправки.
type SendResult struct {
	MessageID int64
}
