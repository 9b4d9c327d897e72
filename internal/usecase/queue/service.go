package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/metrics"
)

// ErrInvalidDraft возвращается при постановке некорректной заявки.
var ErrInvalidDraft = errors.New("некорректная заявка на задачу")

// Config задаёт параметры очереди доставки.
type Config struct {
	Tick            time.Duration
	BatchLimit      int
	MaxRetries      int
	RetryDelay      time.Duration
	RateLimitDelay  time.Duration
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RecoveryDelay — отсрочка для задач, восстановленных из processing
	// после нечистого останова.
	RecoveryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = 5 * time.Second
	}
	return c
}

// Stats — сводка очереди для операторской выдачи.
type Stats struct {
	ByStatus    map[domain.TaskStatus]int `json:"by_status"`
	InFlight    int                       `json:"in_flight"`
	DeadLetters int64                     `json:"dead_letters"`
}

// Service — долговечная очередь исходящих задач с приоритетами, повторами и
// dead-letter архивом. Хранилище задач — внешняя граница долговечности;
// сервис держит в памяти только множество задач в полёте, гарантирующее не
// более одной попытки исполнения на id.
type Service struct {
	cfg      Config
	tasks    domain.TaskRepo
	dlq      domain.DeadLetterRepo
	sender   domain.Sender
	limiter  domain.AdmissionController
	notifier domain.Notifier
	log      zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	inflight map[string]struct{}

	now func() time.Time
}

// NewService создаёт очередь.
func NewService(cfg Config, tasks domain.TaskRepo, dlq domain.DeadLetterRepo, sender domain.Sender, limiter domain.AdmissionController, notifier domain.Notifier, log zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		tasks:    tasks,
		dlq:      dlq,
		sender:   sender,
		limiter:  limiter,
		notifier: notifier,
		log:      log,
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}
}

// Start запускает цикл диспетчеризации. Повторный вызов не имеет эффекта.
// Зависшие в processing задачи предыдущего запуска возвращаются в pending с
// ближайшим scheduledAt: нечистый останов не означает ни успех, ни провал.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	n, err := s.tasks.ResetProcessing(s.now().Add(s.cfg.RecoveryDelay))
	if err != nil {
		s.log.Error().Err(err).Msg("очередь: восстановление processing-задач не удалось")
	} else if n > 0 {
		s.log.Info().Int("tasks", n).Msg("очередь: processing-задачи возвращены в pending")
	}

	go s.loop(stopCh, doneCh)
	s.log.Info().Dur("tick", s.cfg.Tick).Msg("очередь запущена")
}

// Stop останавливает очередь и ждёт завершения текущего тика не дольше
// ShutdownTimeout. Идемпотентен.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-doneCh:
		s.log.Info().Msg("очередь остановлена")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn().Msg("очередь: остановка по таймауту, задачи остались в полёте")
	}
}

func (s *Service) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick(context.Background(), stopCh)
		}
	}
}

// tick обрабатывает подошедшие задачи последовательно в порядке (приоритет
// по убыванию, scheduledAt по возрастанию). Параллелизм внутри тика
// сознательно не используется: темп задаёт внешний отправитель.
func (s *Service) tick(ctx context.Context, stopCh <-chan struct{}) {
	due, err := s.tasks.FindDue(s.now(), s.cfg.BatchLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("очередь: выборка задач не удалась")
		return
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})

	for _, task := range due {
		select {
		case <-stopCh:
			return
		default:
		}
		if !s.tryAcquire(task.ID) {
			continue
		}
		s.dispatch(ctx, task)
		s.release(task.ID)
	}
}

func (s *Service) dispatch(ctx context.Context, task domain.QueueTask) {
	allowed, err := s.limiter.Allow(ctx, task.AccountID, task.ChatID)
	if err != nil {
		s.log.Warn().Err(err).Str("task", task.ID).Msg("очередь: проверка лимита не удалась, считаем отказом")
		allowed = false
	}
	if !allowed {
		// Отсрочка по лимиту — не сбой: счётчик повторов не трогаем.
		next := s.now().Add(s.cfg.RateLimitDelay)
		if err := s.tasks.RescheduleTask(task.ID, task.Retries, next, task.LastError); err != nil {
			s.log.Error().Err(err).Str("task", task.ID).Msg("очередь: отсрочка не сохранена")
		}
		s.notify(domain.PipelineEvent{
			Type:      domain.EventTaskDeferred,
			TaskID:    task.ID,
			AccountID: task.AccountID,
			ChatID:    task.ChatID,
		})
		return
	}

	if err := s.tasks.MarkProcessing(task.ID, s.now()); err != nil {
		s.log.Error().Err(err).Str("task", task.ID).Msg("очередь: переход в processing не сохранён")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	start := time.Now()
	res, sendErr := s.sender.Send(sendCtx, task)
	cancel()
	metrics.TaskDispatchSeconds.Observe(time.Since(start).Seconds())

	if sendErr != nil {
		metrics.SendErrors.Inc()
		s.handleFailure(task, sendErr)
		return
	}

	result := ""
	if res.MessageID != 0 {
		result = strconv.FormatInt(res.MessageID, 10)
	}
	if err := s.tasks.MarkCompleted(task.ID, result, s.now()); err != nil {
		s.log.Error().Err(err).Str("task", task.ID).Msg("очередь: завершение не сохранено")
	}
	s.limiter.RecordSend(task.AccountID, task.ChatID)
	metrics.TasksCompleted.Inc()
	s.notify(domain.PipelineEvent{
		Type:      domain.EventTaskCompleted,
		TaskID:    task.ID,
		AccountID: task.AccountID,
		ChatID:    task.ChatID,
	})
}

// handleFailure ведёт задачу по пути повторов. Невосстановимые ошибки идут
// тем же путём: контракт различает только исчерпание повторов.
func (s *Service) handleFailure(task domain.QueueTask, sendErr error) {
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	retries := task.Retries + 1
	if retries < maxRetries {
		next := s.now().Add(time.Duration(retries) * s.cfg.RetryDelay)
		if err := s.tasks.RescheduleTask(task.ID, retries, next, sendErr.Error()); err != nil {
			s.log.Error().Err(err).Str("task", task.ID).Msg("очередь: повтор не сохранён")
		}
		metrics.TasksRetried.Inc()
		s.log.Warn().Err(sendErr).Str("task", task.ID).Int("retries", retries).Msg("очередь: отправка не удалась, повтор")
		s.notify(domain.PipelineEvent{
			Type:      domain.EventTaskRetried,
			TaskID:    task.ID,
			AccountID: task.AccountID,
			ChatID:    task.ChatID,
			Error:     sendErr.Error(),
			Retries:   retries,
		})
		return
	}

	if err := s.tasks.MarkFailed(task.ID, sendErr.Error(), s.now()); err != nil {
		s.log.Error().Err(err).Str("task", task.ID).Msg("очередь: терминальный провал не сохранён")
	}
	task.Retries = retries
	if err := s.dlq.SaveDeadLetter(task, sendErr.Error()); err != nil {
		s.log.Error().Err(err).Str("task", task.ID).Msg("очередь: dead-letter не записан")
	}
	metrics.TasksDeadLettered.Inc()
	s.log.Error().Err(sendErr).Str("task", task.ID).Int("retries", retries).Msg("очередь: задача провалена окончательно")
	s.notify(domain.PipelineEvent{
		Type:      domain.EventTaskFailed,
		TaskID:    task.ID,
		AccountID: task.AccountID,
		ChatID:    task.ChatID,
		Error:     sendErr.Error(),
		Retries:   retries,
	})
}

// Enqueue сохраняет заявку как pending-задачу и возвращает её id. Работает
// независимо от того, запущен ли цикл диспетчеризации.
func (s *Service) Enqueue(ctx context.Context, draft domain.TaskDraft) (string, error) {
	if draft.AccountID == 0 || draft.ChatID == 0 {
		return "", fmt.Errorf("%w: не заданы аккаунт или чат", ErrInvalidDraft)
	}
	switch draft.Kind {
	case domain.TaskText, domain.TaskImage, domain.TaskMixed, domain.TaskMarkRead:
	default:
		return "", fmt.Errorf("%w: неизвестный тип %q", ErrInvalidDraft, draft.Kind)
	}

	now := s.now()
	maxRetries := draft.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	meta := draft.Meta
	meta.CreatedAt = now

	task := domain.QueueTask{
		ID:          uuid.NewString(),
		AccountID:   draft.AccountID,
		ChatID:      draft.ChatID,
		Kind:        draft.Kind,
		Priority:    draft.Priority,
		Status:      domain.TaskPending,
		Payload:     draft.Payload,
		Meta:        meta,
		MaxRetries:  maxRetries,
		ScheduledAt: now.Add(draft.Delay),
	}
	if err := s.tasks.CreateTask(task); err != nil {
		return "", fmt.Errorf("сохранение задачи: %w", err)
	}
	metrics.TasksEnqueued.Inc()
	s.notify(domain.PipelineEvent{
		Type:      domain.EventTaskEnqueued,
		TaskID:    task.ID,
		AccountID: task.AccountID,
		ChatID:    task.ChatID,
		RuleID:    meta.RuleID,
	})
	return task.ID, nil
}

// CancelTask отменяет pending-задачу. Задачи в полёте и в терминальных
// статусах не отменяются; dead-letter запись при отмене не создаётся.
func (s *Service) CancelTask(id string) bool {
	s.mu.Lock()
	_, busy := s.inflight[id]
	s.mu.Unlock()
	if busy {
		return false
	}

	task, err := s.tasks.GetTask(id)
	if err != nil {
		return false
	}
	if task.Status != domain.TaskPending {
		return false
	}
	// Условная запись: диспатч, вклинившийся после чтения, оставляет отмену
	// без эффекта вместо перетирания терминального статуса.
	ok, err := s.tasks.CancelPending(id, "отменена оператором", s.now())
	if err != nil {
		s.log.Error().Err(err).Str("task", id).Msg("очередь: отмена не сохранена")
		return false
	}
	if !ok {
		return false
	}
	s.notify(domain.PipelineEvent{
		Type:      domain.EventTaskCanceled,
		TaskID:    id,
		AccountID: task.AccountID,
		ChatID:    task.ChatID,
	})
	return true
}

// Stats возвращает сводку очереди.
func (s *Service) Stats() (Stats, error) {
	counts, err := s.tasks.CountByStatus()
	if err != nil {
		return Stats{}, fmt.Errorf("подсчёт задач: %w", err)
	}
	dead, err := s.dlq.CountDeadLetters()
	if err != nil {
		return Stats{}, fmt.Errorf("подсчёт dead-letter: %w", err)
	}
	s.mu.Lock()
	inflight := len(s.inflight)
	s.mu.Unlock()
	return Stats{ByStatus: counts, InFlight: inflight, DeadLetters: dead}, nil
}

// PurgeCompleted удаляет завершённые задачи старше ttl.
func (s *Service) PurgeCompleted(ttl time.Duration) (int64, error) {
	return s.tasks.DeleteOldCompleted(s.now().Add(-ttl))
}

func (s *Service) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Service) notify(event domain.PipelineEvent) {
	if s.notifier == nil {
		return
	}
	event.At = time.Now().UTC()
	s.notifier.Notify(event)
}
