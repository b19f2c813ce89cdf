package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики carrot.
var (
	// Deliveries — сообщения, полученные consumer'ом, по исходу обработчика.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrot_deliveries_total",
		Help: "Messages delivered to consumers, by queue and handler outcome",
	}, []string{"queue", "outcome"})

	// Publishes — попытки публикации по исходу.
	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrot_publishes_total",
		Help: "Publish attempts, by exchange and outcome",
	}, []string{"exchange", "outcome"})

	// Reconnects — переподключения к RabbitMQ.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrot_reconnects_total",
		Help: "Broker reconnect attempts, by role",
	}, []string{"role"})

	// Executions — выполнения tasks по итоговому статусу.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carrot_task_executions_total",
		Help: "Task executions, by queue and final status",
	}, []string{"queue", "status"})

	// ExecutionDuration — длительность выполнения callable.
	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carrot_task_duration_seconds",
		Help:    "Task callable execution time",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
	}, []string{"queue"})

	// WorkersRunning — количество запущенных воркеров у супервизора.
	WorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carrot_workers_running",
		Help: "Worker processes currently alive under the supervisor",
	})
)

// Исходы для меток outcome.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeRetried = "retried"
)

// ServeMetrics поднимает HTTP-сервер с /healthz и /metrics до отмены ctx.
// Пустой addr — ничего не делает.
func ServeMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
}
