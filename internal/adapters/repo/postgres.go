package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/metrics"
)

// ErrNotFound возвращается, когда запрошенная запись отсутствует.
var ErrNotFound = errors.New("запись не найдена")

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.RuleRepo       = (*Postgres)(nil)
	_ domain.TaskRepo       = (*Postgres)(nil)
	_ domain.DeadLetterRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

const ruleColumns = `id, account_id, name, priority, salience, enabled, matchers, conditions, actions, stop_policy, max_triggers, trigger_count, created_at, updated_at`

func scanRule(row pgx.Row) (domain.Rule, error) {
	var (
		rule       domain.Rule
		matchers   []byte
		conditions []byte
		actions    []byte
	)
	err := row.Scan(&rule.ID, &rule.AccountID, &rule.Name, &rule.Priority, &rule.Salience, &rule.Enabled,
		&matchers, &conditions, &actions, &rule.StopPolicy, &rule.MaxTriggers, &rule.TriggerCount,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return domain.Rule{}, err
	}
	if err := json.Unmarshal(matchers, &rule.Matchers); err != nil {
		return domain.Rule{}, fmt.Errorf("разбор матчеров правила %d: %w", rule.ID, err)
	}
	if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
		return domain.Rule{}, fmt.Errorf("разбор условий правила %d: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return domain.Rule{}, fmt.Errorf("разбор действий правила %d: %w", rule.ID, err)
	}
	return rule, nil
}

func marshalRuleParts(rule domain.Rule) (matchers, conditions, actions []byte, err error) {
	if matchers, err = json.Marshal(rule.Matchers); err != nil {
		return nil, nil, nil, err
	}
	if conditions, err = json.Marshal(rule.Conditions); err != nil {
		return nil, nil, nil, err
	}
	if actions, err = json.Marshal(rule.Actions); err != nil {
		return nil, nil, nil, err
	}
	return matchers, conditions, actions, nil
}

// ListEnabledByAccount реализует domain.RuleRepo.
func (p *Postgres) ListEnabledByAccount(accountID int64) ([]domain.Rule, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+ruleColumns+`
FROM rules
WHERE account_id = $1 AND enabled
ORDER BY priority DESC, salience DESC, id
`, accountID)
	metrics.ObserveNetworkRequest("postgres", "rules_list", "rules", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, rule)
	}
	return list, rows.Err()
}

// GetRule реализует domain.RuleRepo.
func (p *Postgres) GetRule(id int64) (domain.Rule, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rule, err := scanRule(p.pool.QueryRow(ctx, `
SELECT `+ruleColumns+`
FROM rules
WHERE id = $1
`, id))
	metrics.ObserveNetworkRequest("postgres", "rules_get", "rules", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Rule{}, ErrNotFound
	}
	return rule, err
}

// CreateRule реализует domain.RuleRepo.
func (p *Postgres) CreateRule(rule domain.Rule) (domain.Rule, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	matchers, conditions, actions, err := marshalRuleParts(rule)
	if err != nil {
		return domain.Rule{}, err
	}
	if rule.StopPolicy == "" {
		rule.StopPolicy = domain.StopAll
	}

	start := time.Now()
	created, err := scanRule(p.pool.QueryRow(ctx, `
INSERT INTO rules (account_id, name, priority, salience, enabled, matchers, conditions, actions, stop_policy, max_triggers)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+ruleColumns+`
`, rule.AccountID, rule.Name, rule.Priority, rule.Salience, rule.Enabled, matchers, conditions, actions, rule.StopPolicy, rule.MaxTriggers))
	metrics.ObserveNetworkRequest("postgres", "rules_insert", "rules", start, err)
	return created, err
}

// UpdateRule реализует domain.RuleRepo. Счётчик срабатываний не трогает.
func (p *Postgres) UpdateRule(rule domain.Rule) (domain.Rule, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	matchers, conditions, actions, err := marshalRuleParts(rule)
	if err != nil {
		return domain.Rule{}, err
	}

	start := time.Now()
	updated, err := scanRule(p.pool.QueryRow(ctx, `
UPDATE rules
SET name = $2, priority = $3, salience = $4, enabled = $5, matchers = $6, conditions = $7, actions = $8, stop_policy = $9, max_triggers = $10, updated_at = now()
WHERE id = $1
RETURNING `+ruleColumns+`
`, rule.ID, rule.Name, rule.Priority, rule.Salience, rule.Enabled, matchers, conditions, actions, rule.StopPolicy, rule.MaxTriggers))
	metrics.ObserveNetworkRequest("postgres", "rules_update", "rules", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Rule{}, ErrNotFound
	}
	return updated, err
}

// DeleteRule реализует domain.RuleRepo.
func (p *Postgres) DeleteRule(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "rules_delete", "rules", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRuleEnabled реализует domain.RuleRepo.
func (p *Postgres) SetRuleEnabled(id int64, enabled bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE rules SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	metrics.ObserveNetworkRequest("postgres", "rules_set_enabled", "rules", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementTriggerCount реализует domain.RuleRepo.
func (p *Postgres) IncrementTriggerCount(id int64) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE rules SET trigger_count = trigger_count + 1, updated_at = now() WHERE id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "rules_inc_triggers", "rules", start, err)
	return err
}

const taskColumns = `id, account_id, chat_id, kind, priority, status, payload, meta, retries, max_retries, scheduled_at, processed_at, completed_at, last_error, result`

func scanTask(row pgx.Row) (domain.QueueTask, error) {
	var (
		task    domain.QueueTask
		payload []byte
		meta    []byte
	)
	err := row.Scan(&task.ID, &task.AccountID, &task.ChatID, &task.Kind, &task.Priority, &task.Status,
		&payload, &meta, &task.Retries, &task.MaxRetries, &task.ScheduledAt,
		&task.ProcessedAt, &task.CompletedAt, &task.LastError, &task.Result)
	if err != nil {
		return domain.QueueTask{}, err
	}
	if err := json.Unmarshal(payload, &task.Payload); err != nil {
		return domain.QueueTask{}, fmt.Errorf("разбор нагрузки задачи %s: %w", task.ID, err)
	}
	if err := json.Unmarshal(meta, &task.Meta); err != nil {
		return domain.QueueTask{}, fmt.Errorf("разбор метаданных задачи %s: %w", task.ID, err)
	}
	return task, nil
}

// CreateTask реализует domain.TaskRepo.
func (p *Postgres) CreateTask(task domain.QueueTask) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(task.Meta)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO tasks (id, account_id, chat_id, kind, priority, status, payload, meta, retries, max_retries, scheduled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, task.ID, task.AccountID, task.ChatID, task.Kind, task.Priority, task.Status, payload, meta, task.Retries, task.MaxRetries, task.ScheduledAt)
	metrics.ObserveNetworkRequest("postgres", "tasks_insert", "tasks", start, err)
	return err
}

// GetTask реализует domain.TaskRepo.
func (p *Postgres) GetTask(id string) (domain.QueueTask, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	task, err := scanTask(p.pool.QueryRow(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE id = $1
`, id))
	metrics.ObserveNetworkRequest("postgres", "tasks_get", "tasks", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QueueTask{}, ErrNotFound
	}
	return task, err
}

// FindDue реализует domain.TaskRepo.
func (p *Postgres) FindDue(now time.Time, limit int) ([]domain.QueueTask, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY priority DESC, scheduled_at
LIMIT $2
`, now, limit)
	metrics.ObserveNetworkRequest("postgres", "tasks_find_due", "tasks", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// FindByStatus реализует domain.TaskRepo.
func (p *Postgres) FindByStatus(status domain.TaskStatus, limit int) ([]domain.QueueTask, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status = $1
ORDER BY scheduled_at DESC
LIMIT $2
`, status, limit)
	metrics.ObserveNetworkRequest("postgres", "tasks_find_by_status", "tasks", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]domain.QueueTask, error) {
	var list []domain.QueueTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, task)
	}
	return list, rows.Err()
}

// MarkProcessing реализует domain.TaskRepo.
func (p *Postgres) MarkProcessing(id string, at time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET status = 'processing', processed_at = $2 WHERE id = $1 AND status = 'pending'
`, id, at)
	metrics.ObserveNetworkRequest("postgres", "tasks_mark_processing", "tasks", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted реализует domain.TaskRepo. Переход допустим только из
// processing: терминальные статусы не перезаписываются.
func (p *Postgres) MarkCompleted(id string, result string, at time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET status = 'completed', result = $2, completed_at = $3 WHERE id = $1 AND status = 'processing'
`, id, result, at)
	metrics.ObserveNetworkRequest("postgres", "tasks_mark_completed", "tasks", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed реализует domain.TaskRepo. Переход допустим только из
// processing: терминальные статусы не перезаписываются.
func (p *Postgres) MarkFailed(id string, lastError string, at time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET status = 'failed', last_error = $2, completed_at = $3 WHERE id = $1 AND status = 'processing'
`, id, lastError, at)
	metrics.ObserveNetworkRequest("postgres", "tasks_mark_failed", "tasks", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPending реализует domain.TaskRepo: условный перевод pending-задачи в
// failed. Диспатч, успевший забрать задачу между чтением и отменой, оставляет
// ноль затронутых строк, и терминальный статус не перетирается.
func (p *Postgres) CancelPending(id string, lastError string, at time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET status = 'failed', last_error = $2, completed_at = $3 WHERE id = $1 AND status = 'pending'
`, id, lastError, at)
	metrics.ObserveNetworkRequest("postgres", "tasks_cancel_pending", "tasks", start, err)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RescheduleTask реализует domain.TaskRepo: возвращает задачу в pending с
// новым сроком и счётчиком повторов.
func (p *Postgres) RescheduleTask(id string, retries int, scheduledAt time.Time, lastError string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE tasks SET status = 'pending', retries = $2, scheduled_at = $3, last_error = $4 WHERE id = $1
`, id, retries, scheduledAt, lastError)
	metrics.ObserveNetworkRequest("postgres", "tasks_reschedule", "tasks", start, err)
	return err
}

// ResetProcessing реализует domain.TaskRepo: восстановление после нечистого
// останова воркера.
func (p *Postgres) ResetProcessing(scheduledAt time.Time) (int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tasks SET status = 'pending', scheduled_at = $1 WHERE status = 'processing'
`, scheduledAt)
	metrics.ObserveNetworkRequest("postgres", "tasks_reset_processing", "tasks", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus реализует domain.TaskRepo.
func (p *Postgres) CountByStatus() (map[domain.TaskStatus]int, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	metrics.ObserveNetworkRequest("postgres", "tasks_count_by_status", "tasks", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var (
			status domain.TaskStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DeleteOldCompleted реализует domain.TaskRepo.
func (p *Postgres) DeleteOldCompleted(olderThan time.Time) (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM tasks WHERE status = 'completed' AND completed_at < $1
`, olderThan)
	metrics.ObserveNetworkRequest("postgres", "tasks_delete_completed", "tasks", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SaveDeadLetter реализует domain.DeadLetterRepo.
func (p *Postgres) SaveDeadLetter(task domain.QueueTask, cause string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO dead_letters (id, task_id, account_id, chat_id, kind, payload, cause, retries)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, uuid.NewString(), task.ID, task.AccountID, task.ChatID, task.Kind, payload, cause, task.Retries)
	metrics.ObserveNetworkRequest("postgres", "dead_letters_insert", "dead_letters", start, err)
	return err
}

// CountDeadLetters реализует domain.DeadLetterRepo.
func (p *Postgres) CountDeadLetters() (int64, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letters`).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "dead_letters_count", "dead_letters", start, err)
	return count, err
}

// ListRecentDeadLetters реализует domain.DeadLetterRepo.
func (p *Postgres) ListRecentDeadLetters(limit int) ([]domain.DeadLetterEntry, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, task_id, account_id, chat_id, kind, payload, cause, retries, created_at
FROM dead_letters
ORDER BY created_at DESC
LIMIT $1
`, limit)
	metrics.ObserveNetworkRequest("postgres", "dead_letters_list", "dead_letters", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.DeadLetterEntry
	for rows.Next() {
		var (
			entry   domain.DeadLetterEntry
			payload []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.AccountID, &entry.ChatID, &entry.Kind, &payload, &entry.Cause, &entry.Retries, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("разбор нагрузки dead-letter %s: %w", entry.ID, err)
		}
		list = append(list, entry)
	}
	return list, rows.Err()
}
