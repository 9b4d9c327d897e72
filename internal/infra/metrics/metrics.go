package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	MessagesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_messages_processed_total",
		Help: "Обработанные движком правил сообщения",
	})
	RulesMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_rules_matched_total",
		Help: "Полные совпадения правил",
	})
	RuleEvalSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoreply_rule_eval_seconds",
		Help:    "Время оценки сообщения по всем правилам аккаунта",
		Buckets: prometheus.DefBuckets,
	})
	TasksEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_tasks_enqueued_total",
		Help: "Задачи, поставленные в очередь доставки",
	})
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_tasks_completed_total",
		Help: "Успешно выполненные задачи",
	})
	TasksRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_tasks_retried_total",
		Help: "Повторы задач после сбоя отправки",
	})
	TasksDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_tasks_dead_lettered_total",
		Help: "Задачи, ушедшие в dead-letter",
	})
	DedupSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_dedup_skips_total",
		Help: "Постановки, подавленные дедупликацией",
	})
	RateLimitDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_rate_limit_denials_total",
		Help: "Отказы ограничителя по областям",
	}, []string{"scope"})
	TaskDispatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autoreply_task_dispatch_seconds",
		Help:    "Длительность внешней отправки задачи",
		Buckets: prometheus.DefBuckets,
	})
	SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "autoreply_send_errors_total",
		Help: "Ошибки внешней отправки",
	})
	TriggersByRule = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autoreply_triggers_by_rule_total",
		Help: "Срабатывания по правилам",
	}, []string{"rule_id"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		MessagesProcessed,
		RulesMatched,
		RuleEvalSeconds,
		TasksEnqueued,
		TasksCompleted,
		TasksRetried,
		TasksDeadLettered,
		DedupSkips,
		RateLimitDenials,
		TaskDispatchSeconds,
		SendErrors,
		TriggersByRule,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncRateLimitDenial увеличивает счётчик отказов для области.
func IncRateLimitDenial(scope string) {
	RateLimitDenials.WithLabelValues(scope).Inc()
}

// IncRuleTrigger увеличивает счётчик срабатываний правила.
func IncRuleTrigger(ruleID int64) {
	TriggersByRule.WithLabelValues(strconv.FormatInt(ruleID, 10)).Inc()
}
