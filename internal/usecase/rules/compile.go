package rules

import (
	"fmt"
	"sync/atomic"
	"time"

	"tg-autoreply-bot/internal/domain"
)

// CompiledRule — правило с заранее построенными матчерами и условиями.
// Кэшируется по id правила; инвалидируется при изменении правила или
// перезагрузке набора.
type CompiledRule struct {
	Rule       domain.Rule
	matchers   []textMatcher
	conditions []condition

	// triggers — локальный счётчик срабатываний поверх сохранённого
	// значения; атомарный, так как ProcessMessage бежит конкурентно.
	triggers atomic.Int64
}

// Compile строит исполняемую форму правила.
func Compile(rule domain.Rule, cache *regexCache) (*CompiledRule, error) {
	cr := &CompiledRule{Rule: rule}
	cr.triggers.Store(int64(rule.TriggerCount))
	for _, m := range rule.Matchers {
		matcher, err := compileMatcher(m, cache)
		if err != nil {
			return nil, fmt.Errorf("правило %d: %w", rule.ID, err)
		}
		cr.matchers = append(cr.matchers, matcher)
	}
	for _, c := range rule.Conditions {
		cond, err := compileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("правило %d: %w", rule.ID, err)
		}
		cr.conditions = append(cr.conditions, cond)
	}
	return cr, nil
}

// Eval проверяет условия, затем матчеры. Условия обрываются на первом
// невыполненном; текстовое совпадение достаточно по любому из матчеров.
func (r *CompiledRule) Eval(msg domain.Message, now time.Time) (bool, string) {
	for _, cond := range r.conditions {
		if ok, reason := cond.Met(msg, now); !ok {
			return false, reason
		}
	}
	if len(r.matchers) == 0 {
		return false, "у правила нет матчеров"
	}
	for _, m := range r.matchers {
		if m.Match(msg.Text) {
			return true, ""
		}
	}
	return false, "матчеры не совпали"
}

// EvalRule компилирует правило и оценивает сообщение без побочных эффектов.
// Используется операторской проверкой правил.
func EvalRule(rule domain.Rule, msg domain.Message, now time.Time) (domain.RuleTrace, error) {
	cr, err := Compile(rule, newRegexCache(0))
	if err != nil {
		return domain.RuleTrace{}, err
	}
	start := time.Now()
	matched, reason := cr.Eval(msg, now)
	return domain.RuleTrace{
		RuleID:  rule.ID,
		Name:    rule.Name,
		Matched: matched,
		Reason:  reason,
		Elapsed: time.Since(start),
	}, nil
}

// budgetExhausted сообщает, исчерпан ли бюджет срабатываний правила.
func (r *CompiledRule) budgetExhausted() bool {
	return r.Rule.MaxTriggers > 0 && r.triggers.Load() >= int64(r.Rule.MaxTriggers)
}

// noteTrigger фиксирует срабатывание в локальном счётчике.
func (r *CompiledRule) noteTrigger() {
	r.triggers.Add(1)
}
