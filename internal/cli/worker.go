package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/carrot/internal/config"
	"github.com/shaiso/carrot/internal/dispatch"
	"github.com/shaiso/carrot/internal/mq"
	"github.com/shaiso/carrot/internal/repo"
	"github.com/shaiso/carrot/internal/scheduler"
	"github.com/shaiso/carrot/internal/service"
	"github.com/shaiso/carrot/internal/telemetry"
	"github.com/shaiso/carrot/internal/worker"
)

// workerConfig собирает worker.Config из настроек процесса.
func (a *App) workerConfig(s config.Settings, routing *config.Routing, logger *slog.Logger, declare bool) worker.Config {
	staleLevel := slog.LevelInfo
	if s.StaleDeliveryLevel == "error" {
		staleLevel = slog.LevelError
	}

	return worker.Config{
		Routing:            routing,
		Connection:         mq.ParamsFromSettings(s),
		OpenStore:          repo.OpenerFor(s.DatabaseURL),
		Registry:           a.registry(),
		SetupTopology:      declare,
		Durability:         mq.DurabilityFromSettings(s),
		Prefetch:           s.Prefetch,
		ReconnectWait:      s.ReconnectWait,
		TaskTimeout:        s.TaskTimeout,
		StaleDeliveryLevel: staleLevel,
		Logger:             logger,
	}
}

func (a *App) newWorkerCmd() *cobra.Command {
	var (
		queue       string
		noDeclare   bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker bound to one queue",
		Long: `Run a single worker bound to one queue.

The supervisor (carrot run) starts one such process per unit of queue
concurrency. The worker stops on SIGINT/SIGTERM after the current task.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Сигналы перехватываются до открытия Store: SIGTERM от
			// супервизора во время старта не должен убивать процесс
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			settings, routing, err := a.settings()
			if err != nil {
				return err
			}
			logger, err := a.log()
			if err != nil {
				return err
			}

			w, err := worker.New(queue, a.workerConfig(settings, routing, logger, !noDeclare))
			if err != nil {
				return err
			}

			logger.Info("starting carrot worker", "queue", queue, "pid", os.Getpid())

			// metrics_addr из конфига занимает супервизор, воркер слушает только свой адрес
			telemetry.ServeMetrics(ctx, metricsAddr, logger)

			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&queue, "queue", config.DefaultQueueID, "Queue id to consume from")
	cmd.Flags().BoolVar(&noDeclare, "no-declare", false, "Do not declare exchange and queue before consuming")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	return cmd
}

func (a *App) newRunCmd() *cobra.Command {
	var (
		inProcess bool
		pidFile   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start workers for every configured queue and supervise them",
		Long: `Start workers for every configured queue and supervise them.

Each queue gets as many workers as its concurrency. By default every
worker is a separate "carrot worker" process; --in-process runs them as
goroutines of the supervisor. SIGINT/SIGTERM stop all workers gracefully.

When metrics_addr is set, the supervisor serves it and every worker
process serves its own /metrics on the following ports, in queue order
(":9100" gives workers ":9101", ":9102", ...).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, routing, err := a.settings()
			if err != nil {
				return err
			}
			logger, err := a.log()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting carrot supervisor",
				"workers", routing.TotalConcurrency(),
				"in_process", inProcess,
			)
			logger.Debug("topology\n" + mq.TopologyInfo(routing))

			telemetry.ServeMetrics(ctx, settings.MetricsAddr, logger)

			runners, err := a.runners(settings, routing, logger, inProcess)
			if err != nil {
				return err
			}

			svcCfg := service.Config{PIDFile: pidFile, Logger: logger}

			if settings.RequeueCron != "" {
				sweeper, closeSweeper, err := a.sweeper(ctx, settings, routing, logger)
				if err != nil {
					return err
				}
				defer closeSweeper()
				svcCfg.Background = append(svcCfg.Background, sweeper)
			}

			return service.New(runners, svcCfg).Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&inProcess, "in-process", false, "Run workers as goroutines instead of child processes")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "Write supervisor pid to file")

	return cmd
}

// runners создаёт по Runner'у на каждую единицу concurrency.
func (a *App) runners(s config.Settings, routing *config.Routing, logger *slog.Logger, inProcess bool) ([]service.Runner, error) {
	if inProcess {
		cfg := a.workerConfig(s, routing, logger, true)
		return service.RunnersFor(routing, func(q config.Queue, i int) (service.Runner, error) {
			w, err := worker.New(q.ID, cfg)
			if err != nil {
				return nil, err
			}
			return service.NewFuncRunner(service.RunnerName(q, i), w.Run), nil
		})
	}

	// Дочерние процессы наследуют глобальные флаги
	var parentArgs []string
	if a.configPath != "" {
		parentArgs = append(parentArgs, "--config", a.configPath)
	}
	if a.logFile != "" {
		parentArgs = append(parentArgs, "--log-file", a.logFile)
	}

	n := 0
	return service.RunnersFor(routing, func(q config.Queue, i int) (service.Runner, error) {
		n++
		var workerArgs []string
		if s.MetricsAddr != "" {
			addr, err := workerMetricsAddr(s.MetricsAddr, n)
			if err != nil {
				return nil, err
			}
			workerArgs = []string{"--metrics-addr", addr}
		}
		return service.NewProcessRunner(service.RunnerName(q, i), q.ID, service.ProcessConfig{
			Args:       parentArgs,
			WorkerArgs: workerArgs,
			Logger:     logger,
		})
	})
}

// workerMetricsAddr — адрес метрик n-го дочернего воркера: порт
// супервизора плюс n.
func workerMetricsAddr(base string, n int) (string, error) {
	host, port, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("metrics_addr %q: %w", base, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return "", fmt.Errorf("metrics_addr %q: port must be a positive number", base)
	}
	if p+n > 65535 {
		return "", fmt.Errorf("metrics_addr %q: no free port for worker %d", base, n)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+n)), nil
}

// sweeper создаёт scheduler.Sweeper со своими Store и Publisher.
func (a *App) sweeper(ctx context.Context, s config.Settings, routing *config.Routing, logger *slog.Logger) (*scheduler.Sweeper, func(), error) {
	store, err := openStore(ctx, s)
	if err != nil {
		return nil, nil, err
	}
	pub := a.newPublisher(s, logger)

	client := dispatch.New(dispatch.Config{
		Store:     store,
		Publisher: pub,
		Routing:   routing,
		Logger:    logger,
	})

	sweeper, err := scheduler.New(scheduler.Config{
		Store:        store,
		Requeuer:     client,
		Schedule:     s.RequeueCron,
		RequeueAfter: s.RequeueAfter,
		Logger:       logger,
	})
	if err != nil {
		pub.Close()
		store.Close()
		return nil, nil, fmt.Errorf("requeue_cron: %w", err)
	}

	return sweeper, func() {
		pub.Close()
		store.Close()
	}, nil
}
