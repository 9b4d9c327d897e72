package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
)

type memTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]domain.QueueTask
}

func newMemTaskRepo() *memTaskRepo {
	return &memTaskRepo{tasks: make(map[string]domain.QueueTask)}
}

func (r *memTaskRepo) CreateTask(task domain.QueueTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *memTaskRepo) GetTask(id string) (domain.QueueTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return domain.QueueTask{}, errors.New("задача не найдена")
	}
	return task, nil
}

func (r *memTaskRepo) FindDue(now time.Time, limit int) ([]domain.QueueTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.QueueTask
	for _, task := range r.tasks {
		if task.Status == domain.TaskPending && !task.ScheduledAt.After(now) {
			due = append(due, task)
			if len(due) >= limit {
				break
			}
		}
	}
	return due, nil
}

func (r *memTaskRepo) FindByStatus(status domain.TaskStatus, limit int) ([]domain.QueueTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.QueueTask
	for _, task := range r.tasks {
		if task.Status == status {
			out = append(out, task)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memTaskRepo) MarkProcessing(id string, at time.Time) error {
	return r.updateFrom(id, domain.TaskPending, func(t *domain.QueueTask) {
		t.Status = domain.TaskProcessing
		t.ProcessedAt = &at
	})
}

func (r *memTaskRepo) MarkCompleted(id string, result string, at time.Time) error {
	return r.updateFrom(id, domain.TaskProcessing, func(t *domain.QueueTask) {
		t.Status = domain.TaskCompleted
		t.Result = result
		t.CompletedAt = &at
	})
}

func (r *memTaskRepo) MarkFailed(id string, lastError string, at time.Time) error {
	return r.updateFrom(id, domain.TaskProcessing, func(t *domain.QueueTask) {
		t.Status = domain.TaskFailed
		t.LastError = lastError
		t.CompletedAt = &at
	})
}

func (r *memTaskRepo) CancelPending(id string, lastError string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok || task.Status != domain.TaskPending {
		return false, nil
	}
	task.Status = domain.TaskFailed
	task.LastError = lastError
	task.CompletedAt = &at
	r.tasks[id] = task
	return true, nil
}

func (r *memTaskRepo) RescheduleTask(id string, retries int, scheduledAt time.Time, lastError string) error {
	return r.update(id, func(t *domain.QueueTask) {
		t.Status = domain.TaskPending
		t.Retries = retries
		t.ScheduledAt = scheduledAt
		t.LastError = lastError
	})
}

func (r *memTaskRepo) ResetProcessing(scheduledAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, task := range r.tasks {
		if task.Status == domain.TaskProcessing {
			task.Status = domain.TaskPending
			task.ScheduledAt = scheduledAt
			r.tasks[id] = task
			n++
		}
	}
	return n, nil
}

func (r *memTaskRepo) CountByStatus() (map[domain.TaskStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, task := range r.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (r *memTaskRepo) DeleteOldCompleted(olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, task := range r.tasks {
		if task.Status == domain.TaskCompleted && task.CompletedAt != nil && task.CompletedAt.Before(olderThan) {
			delete(r.tasks, id)
			n++
		}
	}
	return n, nil
}

// updateFrom повторяет условные UPDATE-ы хранилища: переход выполняется
// только из ожидаемого статуса.
func (r *memTaskRepo) updateFrom(id string, from domain.TaskStatus, fn func(*domain.QueueTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return errors.New("задача не найдена")
	}
	if task.Status != from {
		return errors.New("недопустимый переход статуса")
	}
	fn(&task)
	r.tasks[id] = task
	return nil
}

func (r *memTaskRepo) update(id string, fn func(*domain.QueueTask)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return errors.New("задача не найдена")
	}
	fn(&task)
	r.tasks[id] = task
	return nil
}

type memDLQ struct {
	mu      sync.Mutex
	entries []domain.DeadLetterEntry
}

func (d *memDLQ) SaveDeadLetter(task domain.QueueTask, cause string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, domain.DeadLetterEntry{
		TaskID:  task.ID,
		Cause:   cause,
		Retries: task.Retries,
	})
	return nil
}

func (d *memDLQ) CountDeadLetters() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.entries)), nil
}

func (d *memDLQ) ListRecentDeadLetters(limit int) ([]domain.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries, nil
}

type stubSender struct {
	mu    sync.Mutex
	sent  []string // id задач в порядке отправки
	fails map[string]int
}

func (s *stubSender) Send(ctx context.Context, task domain.QueueTask) (domain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, task.ID)
	if s.fails != nil && s.fails[task.ID] > 0 {
		s.fails[task.ID]--
		return domain.SendResult{}, errors.New("телеграм недоступен")
	}
	return domain.SendResult{MessageID: int64(len(s.sent))}, nil
}

type stubLimiter struct {
	allow   bool
	err     error
	records int
}

func (s *stubLimiter) Allow(ctx context.Context, accountID, chatID int64) (bool, error) {
	return s.allow, s.err
}

func (s *stubLimiter) RecordSend(accountID, chatID int64) { s.records++ }

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.PipelineEvent
}

func (n *recordingNotifier) Notify(event domain.PipelineEvent) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) count(typ domain.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == typ {
			c++
		}
	}
	return c
}

type fixture struct {
	svc      *Service
	repo     *memTaskRepo
	dlq      *memDLQ
	sender   *stubSender
	limiter  *stubLimiter
	notifier *recordingNotifier
	now      *time.Time
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		repo:     newMemTaskRepo(),
		dlq:      &memDLQ{},
		sender:   &stubSender{},
		limiter:  &stubLimiter{allow: true},
		notifier: &recordingNotifier{},
	}
	f.svc = NewService(cfg, f.repo, f.dlq, f.sender, f.limiter, f.notifier, zerolog.Nop())
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	f.now = &now
	f.svc.now = func() time.Time { return now }
	return f
}

func (f *fixture) enqueue(t *testing.T, draft domain.TaskDraft) string {
	t.Helper()
	id, err := f.svc.Enqueue(context.Background(), draft)
	if err != nil {
		t.Fatalf("не ожидали ошибку постановки: %v", err)
	}
	return id
}

func (f *fixture) tick() {
	f.svc.tick(context.Background(), make(chan struct{}))
}

func draft(priority int) domain.TaskDraft {
	return domain.TaskDraft{
		AccountID: 1,
		ChatID:    10,
		Kind:      domain.TaskText,
		Priority:  priority,
		Payload:   domain.TaskPayload{Text: "привет"},
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(Config{})

	if _, err := f.svc.Enqueue(context.Background(), domain.TaskDraft{Kind: domain.TaskText}); !errors.Is(err, ErrInvalidDraft) {
		t.Fatalf("ожидали ErrInvalidDraft без адресата, получили %v", err)
	}
	if _, err := f.svc.Enqueue(context.Background(), domain.TaskDraft{AccountID: 1, ChatID: 2, Kind: "voice"}); !errors.Is(err, ErrInvalidDraft) {
		t.Fatalf("ожидали ErrInvalidDraft для неизвестного типа, получили %v", err)
	}

	id := f.enqueue(t, draft(1))
	task, err := f.repo.GetTask(id)
	if err != nil {
		t.Fatalf("задача не сохранена: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Fatalf("статус %s, ожидали pending", task.Status)
	}
	if task.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, ожидали значение очереди по умолчанию", task.MaxRetries)
	}
	if f.notifier.count(domain.EventTaskEnqueued) != 1 {
		t.Fatal("ожидали событие о постановке")
	}
}

func TestEnqueueDelay(t *testing.T) {
	f := newFixture(Config{})
	d := draft(1)
	d.Delay = 5 * time.Second
	id := f.enqueue(t, d)

	f.tick()
	if len(f.sender.sent) != 0 {
		t.Fatal("отложенная задача не должна отправляться до срока")
	}

	*f.now = f.now.Add(6 * time.Second)
	f.tick()
	if len(f.sender.sent) != 1 || f.sender.sent[0] != id {
		t.Fatalf("отправлено %v, ожидали задачу после срока", f.sender.sent)
	}
}

func TestTickDispatchOrder(t *testing.T) {
	f := newFixture(Config{})
	low := f.enqueue(t, draft(1))
	high := f.enqueue(t, draft(9))
	mid := f.enqueue(t, draft(5))

	f.tick()

	want := []string{high, mid, low}
	if len(f.sender.sent) != 3 {
		t.Fatalf("отправлено %d задач, ожидали 3", len(f.sender.sent))
	}
	for i, id := range want {
		if f.sender.sent[i] != id {
			t.Fatalf("порядок отправки %v, ожидали приоритет по убыванию", f.sender.sent)
		}
	}

	task, _ := f.repo.GetTask(high)
	if task.Status != domain.TaskCompleted || task.Result == "" {
		t.Fatalf("задача %+v, ожидали completed с результатом", task)
	}
	if f.limiter.records != 3 {
		t.Fatalf("отправок в лимитере %d, ожидали 3", f.limiter.records)
	}
}

func TestTickEqualPriorityOldestFirst(t *testing.T) {
	f := newFixture(Config{})
	first := f.enqueue(t, draft(5))
	*f.now = f.now.Add(time.Second)
	second := f.enqueue(t, draft(5))
	*f.now = f.now.Add(time.Second)

	f.tick()
	if f.sender.sent[0] != first || f.sender.sent[1] != second {
		t.Fatalf("порядок %v, ожидали ранний scheduledAt первым", f.sender.sent)
	}
}

func TestRetriesThenDeadLetter(t *testing.T) {
	f := newFixture(Config{MaxRetries: 3, RetryDelay: time.Second})
	id := f.enqueue(t, draft(1))
	f.sender.fails = map[string]int{id: 100} // отправитель не оживает

	for i := 0; i < 6; i++ {
		f.tick()
		*f.now = f.now.Add(10 * time.Second)
	}

	if got := len(f.sender.sent); got != 3 {
		t.Fatalf("попыток отправки %d, ожидали ровно maxRetries=3", got)
	}

	task, _ := f.repo.GetTask(id)
	if task.Status != domain.TaskFailed {
		t.Fatalf("статус %s, ожидали терминальный failed", task.Status)
	}
	if task.LastError == "" {
		t.Fatal("терминальная задача должна хранить последнюю ошибку")
	}

	if len(f.dlq.entries) != 1 {
		t.Fatalf("dead-letter записей %d, ожидали ровно одну", len(f.dlq.entries))
	}
	if f.dlq.entries[0].Retries != 3 {
		t.Fatalf("в dead-letter %d повторов, ожидали 3", f.dlq.entries[0].Retries)
	}
	if f.notifier.count(domain.EventTaskRetried) != 2 {
		t.Fatalf("событий повтора %d, ожидали 2", f.notifier.count(domain.EventTaskRetried))
	}
	if f.notifier.count(domain.EventTaskFailed) != 1 {
		t.Fatal("ожидали одно событие терминального провала")
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	f := newFixture(Config{MaxRetries: 3, RetryDelay: 30 * time.Second})
	id := f.enqueue(t, draft(1))
	f.sender.fails = map[string]int{id: 100}

	start := *f.now
	f.tick()
	task, _ := f.repo.GetTask(id)
	if got := task.ScheduledAt.Sub(start); got != 30*time.Second {
		t.Fatalf("первая отсрочка %v, ожидали 1×30s", got)
	}

	*f.now = start.Add(31 * time.Second)
	f.tick()
	task, _ = f.repo.GetTask(id)
	if got := task.ScheduledAt.Sub(*f.now); got != 60*time.Second {
		t.Fatalf("вторая отсрочка %v, ожидали 2×30s", got)
	}
}

func TestRateLimitDeferralKeepsRetries(t *testing.T) {
	f := newFixture(Config{RateLimitDelay: time.Minute})
	f.limiter.allow = false
	id := f.enqueue(t, draft(1))

	start := *f.now
	f.tick()

	if len(f.sender.sent) != 0 {
		t.Fatal("запрещённая лимитером задача не должна отправляться")
	}
	task, _ := f.repo.GetTask(id)
	if task.Status != domain.TaskPending {
		t.Fatalf("статус %s, ожидали возврат в pending", task.Status)
	}
	if task.Retries != 0 {
		t.Fatalf("Retries = %d, отсрочка по лимиту не тратит повторы", task.Retries)
	}
	if got := task.ScheduledAt.Sub(start); got != time.Minute {
		t.Fatalf("отсрочка %v, ожидали RateLimitDelay", got)
	}
	if f.notifier.count(domain.EventTaskDeferred) != 1 {
		t.Fatal("ожидали событие отсрочки")
	}

	// Лимитер ожил — задача уходит без потерь.
	f.limiter.allow = true
	*f.now = f.now.Add(2 * time.Minute)
	f.tick()
	if len(f.sender.sent) != 1 {
		t.Fatal("после отсрочки задача должна отправиться")
	}
}

func TestLimiterErrorDefers(t *testing.T) {
	f := newFixture(Config{RateLimitDelay: time.Minute})
	f.limiter.allow = true
	f.limiter.err = errors.New("лимитер недоступен")
	id := f.enqueue(t, draft(1))

	f.tick()
	if len(f.sender.sent) != 0 {
		t.Fatal("при ошибке лимитера задача должна быть отложена")
	}
	task, _ := f.repo.GetTask(id)
	if task.Status != domain.TaskPending || task.Retries != 0 {
		t.Fatalf("задача %+v, ожидали отсрочку без траты повторов", task)
	}
}

func TestStartRecoversProcessing(t *testing.T) {
	f := newFixture(Config{Tick: time.Hour})
	id := f.enqueue(t, draft(1))
	if err := f.repo.MarkProcessing(id, *f.now); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	f.svc.Start()
	defer f.svc.Stop()

	task, _ := f.repo.GetTask(id)
	if task.Status != domain.TaskPending {
		t.Fatalf("статус %s, ожидали возврат зависшей задачи в pending", task.Status)
	}
	if !task.ScheduledAt.After(*f.now) {
		t.Fatal("восстановленная задача должна получить отсрочку")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(Config{Tick: time.Hour})
	f.svc.Start()
	f.svc.Start()
	f.svc.Stop()
	f.svc.Stop()
}

func TestCancelTask(t *testing.T) {
	f := newFixture(Config{})
	id := f.enqueue(t, draft(1))

	if !f.svc.CancelTask(id) {
		t.Fatal("pending-задача должна отменяться")
	}
	task, _ := f.repo.GetTask(id)
	if task.Status != domain.TaskFailed {
		t.Fatalf("статус %s, ожидали failed после отмены", task.Status)
	}
	if len(f.dlq.entries) != 0 {
		t.Fatal("отмена не должна создавать dead-letter запись")
	}

	// Завершённые и находящиеся в полёте задачи не отменяются.
	done := f.enqueue(t, draft(1))
	f.tick()
	if f.svc.CancelTask(done) {
		t.Fatal("завершённая задача не должна отменяться")
	}

	busy := f.enqueue(t, draft(1))
	f.svc.tryAcquire(busy)
	if f.svc.CancelTask(busy) {
		t.Fatal("задача в полёте не должна отменяться")
	}
	if f.svc.CancelTask("нет такой") {
		t.Fatal("неизвестная задача не должна отменяться")
	}
}

// staleReadRepo отдаёт устаревший pending-снимок задачи, как при гонке отмены
// с диспатчем другого процесса.
type staleReadRepo struct {
	*memTaskRepo
	stale domain.QueueTask
}

func (r *staleReadRepo) GetTask(id string) (domain.QueueTask, error) {
	return r.stale, nil
}

func TestCancelKeepsTerminalStatus(t *testing.T) {
	f := newFixture(Config{})
	id := f.enqueue(t, draft(1))
	stale, _ := f.repo.GetTask(id)
	f.tick()

	race := &staleReadRepo{memTaskRepo: f.repo, stale: stale}
	svc := NewService(Config{}, race, f.dlq, f.sender, f.limiter, f.notifier, zerolog.Nop())
	if svc.CancelTask(id) {
		t.Fatal("отмена по устаревшему снимку не должна объявляться успешной")
	}

	task, _ := f.repo.GetTask(id)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("статус %s, завершённая задача не должна перетираться отменой", task.Status)
	}
	if f.notifier.count(domain.EventTaskCanceled) != 0 {
		t.Fatal("при проигранной гонке событие отмены не публикуется")
	}
}

func TestStats(t *testing.T) {
	f := newFixture(Config{MaxRetries: 1})
	f.enqueue(t, draft(1))
	failed := f.enqueue(t, draft(2))
	f.sender.fails = map[string]int{failed: 100}
	f.tick()

	stats, err := f.svc.Stats()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if stats.ByStatus[domain.TaskCompleted] != 1 {
		t.Fatalf("completed = %d, ожидали 1", stats.ByStatus[domain.TaskCompleted])
	}
	if stats.ByStatus[domain.TaskFailed] != 1 {
		t.Fatalf("failed = %d, ожидали 1 при MaxRetries=1", stats.ByStatus[domain.TaskFailed])
	}
	if stats.DeadLetters != 1 {
		t.Fatalf("dead-letter = %d, ожидали 1", stats.DeadLetters)
	}
}

func TestPurgeCompleted(t *testing.T) {
	f := newFixture(Config{})
	f.enqueue(t, draft(1))
	f.tick()

	*f.now = f.now.Add(73 * time.Hour)
	n, err := f.svc.PurgeCompleted(72 * time.Hour)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if n != 1 {
		t.Fatalf("удалено %d задач, ожидали 1", n)
	}
}
