package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/metrics"
)

const (
	multiplierFloor   = 0.5
	multiplierCeil    = 1.0
	tightenFactor     = 0.8
	relaxFactor       = 1.2
	retentionWindow   = 24 * time.Hour
	jitterExtraChance = 12 // примерно раз на дюжину разрешений пауза длиннее
)

// Config задаёт пороги ограничителя. Нулевой порог означает «не ограничено».
type Config struct {
	GlobalPerMinute  int
	GlobalPerHour    int
	GlobalPerDay     int
	AccountPerMinute int
	ChatPerMinute    int
	ChatPerHour      int
	BurstLimit       int
	BurstWindow      time.Duration
	Cooldown         time.Duration
	JitterMin        time.Duration
	JitterMax        time.Duration
}

// DefaultConfig возвращает пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		GlobalPerMinute:  20,
		GlobalPerHour:    300,
		GlobalPerDay:     2000,
		AccountPerMinute: 10,
		ChatPerMinute:    4,
		ChatPerHour:      30,
		BurstLimit:       3,
		BurstWindow:      5 * time.Second,
		Cooldown:         5 * time.Minute,
		JitterMin:        100 * time.Millisecond,
		JitterMax:        600 * time.Millisecond,
	}
}

// ConfigPatch — частичное обновление конфигурации; nil-поля не меняются.
type ConfigPatch struct {
	GlobalPerMinute  *int           `json:"global_per_minute,omitempty"`
	GlobalPerHour    *int           `json:"global_per_hour,omitempty"`
	GlobalPerDay     *int           `json:"global_per_day,omitempty"`
	AccountPerMinute *int           `json:"account_per_minute,omitempty"`
	ChatPerMinute    *int           `json:"chat_per_minute,omitempty"`
	ChatPerHour      *int           `json:"chat_per_hour,omitempty"`
	BurstLimit       *int           `json:"burst_limit,omitempty"`
	BurstWindow      *time.Duration `json:"burst_window,omitempty"`
	Cooldown         *time.Duration `json:"cooldown,omitempty"`
}

type scopeState struct {
	stamps        []time.Time
	multiplier    float64
	cooldownUntil time.Time
}

// ScopeSnapshot — срез состояния области для операторской выдачи.
type ScopeSnapshot struct {
	Scope         string    `json:"scope"`
	Recent        int       `json:"recent"`
	Multiplier    float64   `json:"multiplier"`
	InCooldown    bool      `json:"in_cooldown"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

type windowCap struct {
	limit  int
	window time.Duration
}

// Limiter — многоуровневый контроль допуска на скользящих окнах меток
// отправки. Области проверяются в порядке burst → chat → account → global с
// обрывом на первом отказе; эффективный порог каждой области равен
// настроенному порогу, умноженному на её adaptiveMultiplier ∈ [0.5, 1].
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	scopes map[string]*scopeState

	log      zerolog.Logger
	notifier domain.Notifier

	now   func() time.Time
	rand  *rand.Rand
	sleep func(ctx context.Context, d time.Duration)
}

// New создаёт ограничитель.
func New(cfg Config, log zerolog.Logger, notifier domain.Notifier) *Limiter {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 5 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	return &Limiter{
		cfg:      cfg,
		scopes:   make(map[string]*scopeState),
		log:      log,
		notifier: notifier,
		now:      time.Now,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
}

var _ domain.AdmissionController = (*Limiter)(nil)

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func globalKey() string                   { return "global" }
func accountKey(accountID int64) string   { return fmt.Sprintf("account:%d", accountID) }
func chatKey(accountID, chatID int64) string {
	return fmt.Sprintf("chat:%d:%d", accountID, chatID)
}
func burstKey(accountID, chatID int64) string {
	return fmt.Sprintf("burst:%d:%d", accountID, chatID)
}

func (l *Limiter) scope(key string) *scopeState {
	st, ok := l.scopes[key]
	if !ok {
		st = &scopeState{multiplier: multiplierCeil}
		l.scopes[key] = st
	}
	return st
}

// Allow сообщает, можно ли отправлять для пары (аккаунт, чат) сейчас.
// Разрешение может быть выдано с ограниченной случайной паузой под
// человеческий темп; пауза никогда не превращается в отказ.
func (l *Limiter) Allow(ctx context.Context, accountID, chatID int64) (bool, error) {
	now := l.now()
	cfg := l.config()

	checks := []struct {
		label string
		key   string
		caps  []windowCap
	}{
		{"burst", burstKey(accountID, chatID), []windowCap{{cfg.BurstLimit, cfg.BurstWindow}}},
		{"chat", chatKey(accountID, chatID), []windowCap{
			{cfg.ChatPerMinute, time.Minute},
			{cfg.ChatPerHour, time.Hour},
		}},
		{"account", accountKey(accountID), []windowCap{{cfg.AccountPerMinute, time.Minute}}},
		{"global", globalKey(), []windowCap{
			{cfg.GlobalPerMinute, time.Minute},
			{cfg.GlobalPerHour, time.Hour},
			{cfg.GlobalPerDay, 24 * time.Hour},
		}},
	}

	l.mu.Lock()
	var recentChat int
	for _, check := range checks {
		st := l.scope(check.key)
		if st.cooldownUntil.After(now) {
			l.mu.Unlock()
			metrics.IncRateLimitDenial(check.label)
			return false, nil
		}
		for _, c := range check.caps {
			if c.limit <= 0 {
				continue
			}
			effective := int(math.Floor(float64(c.limit) * st.multiplier))
			if effective < 1 {
				effective = 1
			}
			count := countSince(st.stamps, now.Add(-c.window))
			if count >= effective {
				l.tightenLocked(st, now, cfg)
				l.mu.Unlock()
				metrics.IncRateLimitDenial(check.label)
				l.log.Debug().
					Str("scope", check.key).
					Int("count", count).
					Int("effective", effective).
					Msg("лимитер: отказ")
				l.notify(domain.PipelineEvent{
					Type:      domain.EventAdaptiveTriggered,
					AccountID: accountID,
					ChatID:    chatID,
					Scope:     check.key,
				})
				return false, nil
			}
		}
		if check.label == "chat" {
			recentChat = countSince(st.stamps, now.Add(-time.Minute))
		}
	}
	l.mu.Unlock()

	// Пауза под человеческий темп — только при заметном свежем трафике чата.
	if recentChat > 0 {
		if d := l.jitter(); d > 0 {
			l.sleep(ctx, d)
		}
	}
	return true, nil
}

// RecordSend фиксирует фактическую отправку во всех областях пары.
func (l *Limiter) RecordSend(accountID, chatID int64) {
	now := l.now()
	l.mu.Lock()
	for _, key := range []string{
		burstKey(accountID, chatID),
		chatKey(accountID, chatID),
		accountKey(accountID),
		globalKey(),
	} {
		st := l.scope(key)
		st.stamps = append(st.stamps, now)
	}
	l.mu.Unlock()
}

// Cleanup выполняет один проход уборки: отбрасывает метки старше 24 часов,
// снимает истёкшие cooldown-ы и ослабляет множитель каждой области вне
// cooldown на 20% за проход, пока он не вернётся к 1.
func (l *Limiter) Cleanup() {
	now := l.now()
	l.mu.Lock()
	for key, st := range l.scopes {
		st.stamps = pruneBefore(st.stamps, now.Add(-retentionWindow))
		if !st.cooldownUntil.IsZero() && !st.cooldownUntil.After(now) {
			st.cooldownUntil = time.Time{}
		}
		if st.cooldownUntil.IsZero() && st.multiplier < multiplierCeil {
			st.multiplier = math.Min(multiplierCeil, st.multiplier*relaxFactor)
		}
		if len(st.stamps) == 0 && st.multiplier >= multiplierCeil && st.cooldownUntil.IsZero() {
			delete(l.scopes, key)
		}
	}
	l.mu.Unlock()
}

// StartSweeper запускает периодическую уборку до отмены контекста.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// UpdateConfig применяет частичное обновление порогов.
func (l *Limiter) UpdateConfig(patch ConfigPatch) {
	l.mu.Lock()
	if patch.GlobalPerMinute != nil {
		l.cfg.GlobalPerMinute = *patch.GlobalPerMinute
	}
	if patch.GlobalPerHour != nil {
		l.cfg.GlobalPerHour = *patch.GlobalPerHour
	}
	if patch.GlobalPerDay != nil {
		l.cfg.GlobalPerDay = *patch.GlobalPerDay
	}
	if patch.AccountPerMinute != nil {
		l.cfg.AccountPerMinute = *patch.AccountPerMinute
	}
	if patch.ChatPerMinute != nil {
		l.cfg.ChatPerMinute = *patch.ChatPerMinute
	}
	if patch.ChatPerHour != nil {
		l.cfg.ChatPerHour = *patch.ChatPerHour
	}
	if patch.BurstLimit != nil {
		l.cfg.BurstLimit = *patch.BurstLimit
	}
	if patch.BurstWindow != nil {
		l.cfg.BurstWindow = *patch.BurstWindow
	}
	if patch.Cooldown != nil {
		l.cfg.Cooldown = *patch.Cooldown
	}
	l.mu.Unlock()
}

// Reset сбрасывает все области: окна, множители и cooldown-ы.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.scopes = make(map[string]*scopeState)
	l.mu.Unlock()
}

// Snapshot возвращает срез состояния всех областей.
func (l *Limiter) Snapshot() []ScopeSnapshot {
	now := l.now()
	l.mu.Lock()
	out := make([]ScopeSnapshot, 0, len(l.scopes))
	for key, st := range l.scopes {
		out = append(out, ScopeSnapshot{
			Scope:         key,
			Recent:        countSince(st.stamps, now.Add(-time.Minute)),
			Multiplier:    st.multiplier,
			InCooldown:    st.cooldownUntil.After(now),
			CooldownUntil: st.cooldownUntil,
		})
	}
	l.mu.Unlock()
	return out
}

func (l *Limiter) config() Config {
	l.mu.Lock()
	cfg := l.cfg
	l.mu.Unlock()
	return cfg
}

// tightenLocked ужесточает область после нарушения: множитель падает на 20%
// (пол 0.5) и открывается cooldown, в течение которого область отказывает
// безусловно.
func (l *Limiter) tightenLocked(st *scopeState, now time.Time, cfg Config) {
	st.multiplier = math.Max(multiplierFloor, st.multiplier*tightenFactor)
	st.cooldownUntil = now.Add(cfg.Cooldown)
}

func (l *Limiter) jitter() time.Duration {
	cfg := l.config()
	if cfg.JitterMax <= 0 {
		return 0
	}
	l.mu.Lock()
	base := cfg.JitterMin
	if cfg.JitterMax > cfg.JitterMin {
		base += time.Duration(l.rand.Int63n(int64(cfg.JitterMax - cfg.JitterMin)))
	}
	long := l.rand.Intn(jitterExtraChance) == 0
	if long {
		base += time.Duration(l.rand.Int63n(int64(time.Second)))
	}
	l.mu.Unlock()
	return base
}

func (l *Limiter) notify(event domain.PipelineEvent) {
	if l.notifier == nil {
		return
	}
	event.At = time.Now().UTC()
	l.notifier.Notify(event)
}

func countSince(stamps []time.Time, since time.Time) int {
	n := 0
	for _, ts := range stamps {
		if ts.After(since) {
			n++
		}
	}
	return n
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
