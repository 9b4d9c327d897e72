package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/metrics"
)

// ErrEngineStopped возвращается при обработке сообщения остановленным движком.
var ErrEngineStopped = errors.New("движок правил не запущен")

// Dispatcher превращает действия сработавшего правила в задачи доставки и
// возвращает количество поставленных задач.
type Dispatcher interface {
	DispatchActions(ctx context.Context, rule domain.Rule, msg domain.Message) (int, error)
}

// cacheTTL ограничивает время жизни набора правил аккаунта: правки правил из
// другого процесса подхватываются не позже чем через это время.
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	rules    []*CompiledRule
	loadedAt time.Time
}

// Engine оценивает входящие сообщения по правилам аккаунтов.
//
// Набор правил аккаунта кэшируется целиком и заменяется атомарно
// (copy-on-write), поэтому идущая оценка никогда не видит набор в середине
// изменения.
type Engine struct {
	rules      domain.RuleRepo
	dispatcher Dispatcher
	log        zerolog.Logger
	regexps    *regexCache

	mu      sync.RWMutex
	running bool
	cache   map[int64]cacheEntry

	now func() time.Time
}

// NewEngine создаёт движок правил.
func NewEngine(rules domain.RuleRepo, dispatcher Dispatcher, log zerolog.Logger) *Engine {
	return &Engine{
		rules:      rules,
		dispatcher: dispatcher,
		log:        log,
		regexps:    newRegexCache(256),
		cache:      make(map[int64]cacheEntry),
		now:        time.Now,
	}
}

// Start запускает движок. Повторный вызов не имеет эффекта.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
}

// Stop останавливает движок. Идемпотентен.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// InvalidateAccount сбрасывает кэш правил аккаунта. Вызывается при любой
// мутации правила.
func (e *Engine) InvalidateAccount(accountID int64) {
	e.mu.Lock()
	delete(e.cache, accountID)
	e.mu.Unlock()
}

// InvalidateAll сбрасывает кэш всех аккаунтов.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[int64]cacheEntry)
	e.mu.Unlock()
}

// ProcessMessage оценивает сообщение по правилам аккаунта. На остановленном
// движке возвращает пустой результат и ErrEngineStopped, никогда не паникует.
func (e *Engine) ProcessMessage(ctx context.Context, accountID int64, msg domain.Message) (domain.ProcessResult, error) {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()
	if !running {
		return domain.ProcessResult{}, ErrEngineStopped
	}

	compiled, err := e.loadRules(accountID)
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("загрузка правил аккаунта %d: %w", accountID, err)
	}

	start := e.now()
	result := domain.ProcessResult{Processed: true, Explain: make([]domain.RuleTrace, 0, len(compiled))}

	for _, cr := range compiled {
		rule := cr.Rule
		if cr.budgetExhausted() {
			result.Explain = append(result.Explain, domain.RuleTrace{
				RuleID: rule.ID, Name: rule.Name, Matched: false,
				Reason: "бюджет срабатываний исчерпан",
			})
			continue
		}

		evalStart := e.now()
		matched, reason := cr.Eval(msg, evalStart)
		trace := domain.RuleTrace{
			RuleID:  rule.ID,
			Name:    rule.Name,
			Matched: matched,
			Reason:  reason,
			Elapsed: e.now().Sub(evalStart),
		}
		result.Explain = append(result.Explain, trace)
		if !matched {
			continue
		}

		result.MatchedCount++
		cr.noteTrigger()
		metrics.RulesMatched.Inc()
		metrics.IncRuleTrigger(rule.ID)
		if err := e.rules.IncrementTriggerCount(rule.ID); err != nil {
			e.log.Warn().Err(err).Int64("rule", rule.ID).Msg("правила: счётчик срабатываний не сохранён")
		}

		n, err := e.dispatcher.DispatchActions(ctx, rule, msg)
		result.ActionsTriggered += n
		if err != nil {
			e.log.Error().Err(err).Int64("rule", rule.ID).Msg("правила: постановка действий не удалась")
		}

		if rule.StopPolicy == domain.StopFirst {
			break
		}
	}

	metrics.MessagesProcessed.Inc()
	metrics.RuleEvalSeconds.Observe(e.now().Sub(start).Seconds())
	return result, nil
}

// loadRules возвращает скомпилированный набор правил аккаунта, загружая и
// компилируя его при промахе кэша. Порядок детерминирован: приоритет по
// убыванию, затем salience по убыванию, затем id.
func (e *Engine) loadRules(accountID int64) ([]*CompiledRule, error) {
	e.mu.RLock()
	entry, ok := e.cache[accountID]
	e.mu.RUnlock()
	if ok && e.now().Sub(entry.loadedAt) < cacheTTL {
		return entry.rules, nil
	}

	list, err := e.rules.ListEnabledByAccount(accountID)
	if err != nil {
		return nil, err
	}

	compiled := make([]*CompiledRule, 0, len(list))
	for _, rule := range list {
		cr, err := Compile(rule, e.regexps)
		if err != nil {
			// Сломанное правило не должно выключать весь аккаунт.
			e.log.Warn().Err(err).Int64("rule", rule.ID).Msg("правила: правило пропущено")
			continue
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		a, b := compiled[i].Rule, compiled[j].Rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Salience != b.Salience {
			return a.Salience > b.Salience
		}
		return a.ID < b.ID
	})

	e.mu.Lock()
	e.cache[accountID] = cacheEntry{rules: compiled, loadedAt: e.now()}
	e.mu.Unlock()
	return compiled, nil
}
