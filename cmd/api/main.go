package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-autoreply-bot/internal/adapters/repo"
	"tg-autoreply-bot/internal/domain"
	"tg-autoreply-bot/internal/infra/config"
	"tg-autoreply-bot/internal/infra/db"
	httpinfra "tg-autoreply-bot/internal/infra/http"
	"tg-autoreply-bot/internal/infra/log"
	"tg-autoreply-bot/internal/infra/metrics"
	events "tg-autoreply-bot/internal/infra/queue"
	"tg-autoreply-bot/internal/usecase/queue"
	"tg-autoreply-bot/internal/usecase/ratelimit"
	"tg-autoreply-bot/internal/usecase/rules"
)

// api — операторская панель: CRUD правил, проверка правила на примере
// сообщения, сводка очереди и управление порогами ограничителя.
func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	var notifier domain.Notifier
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		notifier = events.NewRedisEventStream(redisClient, cfg.Events.StreamKey, cfg.Events.MaxLen, logger)
	}

	limiter := ratelimit.New(ratelimit.Config{
		GlobalPerMinute:  cfg.Limits.GlobalPerMinute,
		GlobalPerHour:    cfg.Limits.GlobalPerHour,
		GlobalPerDay:     cfg.Limits.GlobalPerDay,
		AccountPerMinute: cfg.Limits.AccountPerMinute,
		ChatPerMinute:    cfg.Limits.ChatPerMinute,
		ChatPerHour:      cfg.Limits.ChatPerHour,
		BurstLimit:       cfg.Limits.BurstLimit,
		BurstWindow:      cfg.Limits.BurstWindow,
		Cooldown:         cfg.Limits.Cooldown,
	}, logger.With().Str("component", "ratelimit").Logger(), notifier)

	queueSvc := queue.NewService(queue.Config{
		MaxRetries: cfg.Queue.MaxRetries,
	}, repoAdapter, repoAdapter, nil, limiter, notifier, logger.With().Str("component", "queue").Logger())

	server := httpinfra.NewServer(logger)
	server.Router.Route("/api/v1", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", listRules(repoAdapter))
			r.Post("/", createRule(repoAdapter))
			r.Get("/{id}", getRule(repoAdapter))
			r.Put("/{id}", updateRule(repoAdapter))
			r.Delete("/{id}", deleteRule(repoAdapter))
			r.Post("/{id}/enable", setRuleEnabled(repoAdapter, true))
			r.Post("/{id}/disable", setRuleEnabled(repoAdapter, false))
			r.Post("/{id}/test", testRule(repoAdapter))
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/stats", taskStats(queueSvc))
			r.Get("/", listTasks(repoAdapter))
			r.Post("/{id}/cancel", cancelTask(queueSvc))
		})
		r.Get("/deadletters", listDeadLetters(repoAdapter))
		r.Route("/limits", func(r chi.Router) {
			r.Get("/", getLimits(limiter))
			r.Patch("/", patchLimits(limiter))
			r.Post("/reset", resetLimits(limiter))
		})
	})

	go func() {
		if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	logger.Info().Msg("api: старт")

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func listRules(rulesRepo domain.RuleRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "account_id обязателен")
			return
		}
		list, err := rulesRepo.ListEnabledByAccount(accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось получить правила")
			return
		}
		writeJSON(w, rulesResponse(list))
	}
}

func createRule(rulesRepo domain.RuleRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ruleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		rule := req.toRule()
		if err := validateRule(rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := rulesRepo.CreateRule(rule)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось создать правило")
			return
		}
		writeJSON(w, ruleResponse(created))
	}
}

func getRule(rulesRepo domain.RuleRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleID(w, r)
		if !ok {
			return
		}
		rule, err := rulesRepo.GetRule(id)
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "правило не найдено")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось получить правило")
			return
		}
		writeJSON(w, ruleResponse(rule))
	}
}

func updateRule(rulesRepo domain.RuleRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleID(w, r)
		if !ok {
			return
		}
		var req ruleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		rule := req.toRule()
		rule.ID = id
		if err := validateRule(rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := rulesRepo.UpdateRule(rule)
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "правило не найдено")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось обновить правило")
			return
		}
		writeJSON(w, ruleResponse(updated))
	}
}

func deleteRule(rulesRepo domain.RuleRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleID(w, r)
		if !ok {
			return
		}
		err := rulesRepo.DeleteRule(id)
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "правило не найдено")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось удалить правило")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func setRuleEnabled(rulesRepo domain.RuleRepo, enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleID(w, r)
		if !ok {
			return
		}
		err := rulesRepo.SetRuleEnabled(id, enabled)
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "правило не найдено")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось переключить правило")
			return
		}
		writeJSON(w, map[string]any{"id": id, "enabled": enabled})
	}
}

// testRule — сухой прогон: оценивает правило на примере сообщения без
// постановки задач и без изменения счётчиков.
func testRule(rulesRepo domain.RuleRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleID(w, r)
		if !ok {
			return
		}
		var req testMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		rule, err := rulesRepo.GetRule(id)
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "правило не найдено")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось получить правило")
			return
		}

		now := time.Now()
		if req.At != "" {
			parsed, err := time.Parse(time.RFC3339, req.At)
			if err != nil {
				writeError(w, http.StatusBadRequest, "поле at должно быть в формате RFC3339")
				return
			}
			now = parsed
		}

		trace, err := rules.EvalRule(rule, req.toMessage(), now)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, trace)
	}
}

func taskStats(queueSvc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := queueSvc.Stats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось получить сводку очереди")
			return
		}
		writeJSON(w, stats)
	}
}

func listTasks(tasks domain.TaskRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := domain.TaskStatus(r.URL.Query().Get("status"))
		if status == "" {
			status = domain.TaskPending
		}
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 || limit > 500 {
			limit = 50
		}
		list, err := tasks.FindByStatus(status, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось получить задачи")
			return
		}
		writeJSON(w, map[string]any{"tasks": list})
	}
}

func cancelTask(queueSvc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !queueSvc.CancelTask(id) {
			writeError(w, http.StatusConflict, "задача не может быть отменена")
			return
		}
		writeJSON(w, map[string]any{"id": id, "canceled": true})
	}
}

func listDeadLetters(dlq domain.DeadLetterRepo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
		if err != nil || limit <= 0 || limit > 500 {
			limit = 50
		}
		list, err := dlq.ListRecentDeadLetters(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "не удалось получить dead-letter записи")
			return
		}
		writeJSON(w, map[string]any{"dead_letters": list})
	}
}

func getLimits(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"scopes": limiter.Snapshot()})
	}
}

func patchLimits(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch ratelimit.ConfigPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "некорректное тело запроса")
			return
		}
		limiter.UpdateConfig(patch)
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func resetLimits(limiter *ratelimit.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limiter.Reset()
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id правила")
		return 0, false
	}
	return id, true
}

func validateRule(rule domain.Rule) error {
	if rule.AccountID == 0 {
		return errors.New("account_id обязателен")
	}
	if rule.Name == "" {
		return errors.New("name обязателен")
	}
	if len(rule.Matchers) == 0 {
		return errors.New("нужен хотя бы один матчер")
	}
	if len(rule.Actions) == 0 {
		return errors.New("нужно хотя бы одно действие")
	}
	return nil
}

type ruleRequest struct {
	AccountID   int64              `json:"account_id"`
	Name        string             `json:"name"`
	Priority    int                `json:"priority"`
	Salience    int                `json:"salience"`
	Enabled     *bool              `json:"enabled"`
	Matchers    []domain.Matcher   `json:"matchers"`
	Conditions  []domain.Condition `json:"conditions"`
	Actions     []domain.Action    `json:"actions"`
	StopPolicy  domain.StopPolicy  `json:"stop_policy"`
	MaxTriggers int                `json:"max_triggers"`
}

func (r ruleRequest) toRule() domain.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return domain.Rule{
		AccountID:   r.AccountID,
		Name:        r.Name,
		Priority:    r.Priority,
		Salience:    r.Salience,
		Enabled:     enabled,
		Matchers:    r.Matchers,
		Conditions:  r.Conditions,
		Actions:     r.Actions,
		StopPolicy:  r.StopPolicy,
		MaxTriggers: r.MaxTriggers,
	}
}

type testMessageRequest struct {
	ChatID   int64  `json:"chat_id"`
	SenderID int64  `json:"sender_id"`
	Text     string `json:"text"`
	Kind     string `json:"kind"`
	At       string `json:"at,omitempty"`
}

func (r testMessageRequest) toMessage() domain.Message {
	kind := domain.ChatKind(r.Kind)
	if kind == "" {
		kind = domain.ChatPrivate
	}
	return domain.Message{
		ChatID:    r.ChatID,
		SenderID:  r.SenderID,
		Text:      r.Text,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
}

type ruleView struct {
	ID           int64              `json:"id"`
	AccountID    int64              `json:"account_id"`
	Name         string             `json:"name"`
	Priority     int                `json:"priority"`
	Salience     int                `json:"salience"`
	Enabled      bool               `json:"enabled"`
	Matchers     []domain.Matcher   `json:"matchers"`
	Conditions   []domain.Condition `json:"conditions"`
	Actions      []domain.Action    `json:"actions"`
	StopPolicy   domain.StopPolicy  `json:"stop_policy"`
	MaxTriggers  int                `json:"max_triggers"`
	TriggerCount int                `json:"trigger_count"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func ruleResponse(rule domain.Rule) ruleView {
	return ruleView{
		ID:           rule.ID,
		AccountID:    rule.AccountID,
		Name:         rule.Name,
		Priority:     rule.Priority,
		Salience:     rule.Salience,
		Enabled:      rule.Enabled,
		Matchers:     rule.Matchers,
		Conditions:   rule.Conditions,
		Actions:      rule.Actions,
		StopPolicy:   rule.StopPolicy,
		MaxTriggers:  rule.MaxTriggers,
		TriggerCount: rule.TriggerCount,
		CreatedAt:    rule.CreatedAt,
		UpdatedAt:    rule.UpdatedAt,
	}
}

func rulesResponse(list []domain.Rule) map[string]any {
	views := make([]ruleView, 0, len(list))
	for _, rule := range list {
		views = append(views, ruleResponse(rule))
	}
	return map[string]any{"rules": views}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
