package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/carrot/internal/telemetry"
)

// ErrNoRunners — WorkerService запущен без воркеров.
var ErrNoRunners = errors.New("no workers to run")

// Background — фоновая задача супервизора (например, scheduler.Sweeper).
// Живёт, пока живы воркеры.
type Background interface {
	Start(ctx context.Context) error
}

// WorkerService — супервизор: запускает все Runner'ы, ждёт их завершения
// и пересылает им сигнал остановки. Перезапуска упавших воркеров нет.
type WorkerService struct {
	runners    []Runner
	background []Background
	pidFile    string
	signals    []os.Signal
	logger     *slog.Logger
}

// Config — конфигурация WorkerService.
type Config struct {
	// PIDFile — путь к pid-файлу. Пустой — не писать.
	PIDFile string

	// Background — задачи, работающие параллельно с воркерами.
	Background []Background

	// Signals — сигналы остановки (default: SIGINT, SIGTERM).
	Signals []os.Signal

	Logger *slog.Logger
}

// New создаёт WorkerService.
func New(runners []Runner, cfg Config) *WorkerService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	signals := cfg.Signals
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	return &WorkerService{
		runners:    runners,
		background: cfg.Background,
		pidFile:    cfg.PIDFile,
		signals:    signals,
		logger:     logger.With("component", "supervisor"),
	}
}

// Runners возвращает список воркеров.
func (s *WorkerService) Runners() []Runner {
	return append([]Runner(nil), s.runners...)
}

// Run запускает воркеров и блокируется, пока все они не завершатся.
//
// По SIGINT/SIGTERM или отмене ctx всем ещё работающим воркерам
// отправляется запрос на остановку. Возвращает nil, если все воркеры
// завершились без ошибок, иначе объединённую ошибку упавших воркеров.
func (s *WorkerService) Run(ctx context.Context) error {
	if len(s.runners) == 0 {
		return ErrNoRunners
	}

	if s.pidFile != "" {
		if err := writePIDFile(s.pidFile); err != nil {
			return err
		}
		defer s.removePIDFile()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, s.signals...)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info("received signal, stopping workers", "signal", sig.String())
			cancel()
		case <-runCtx.Done():
		}
	}()

	// Фоновые задачи останавливаются, когда завершились все воркеры
	bgCtx, stopBackground := context.WithCancel(runCtx)
	defer stopBackground()

	var bg errgroup.Group
	for _, b := range s.background {
		b := b
		bg.Go(func() error {
			if err := b.Start(bgCtx); err != nil {
				s.logger.Error("background task failed", "error", err)
			}
			return nil
		})
	}

	s.logger.Info("starting workers", "count", len(s.runners))

	var (
		mu     sync.Mutex
		failed []error
		g      errgroup.Group
	)
	for _, r := range s.runners {
		r := r
		g.Go(func() error {
			telemetry.WorkersRunning.Inc()
			defer telemetry.WorkersRunning.Dec()

			if err := r.Run(runCtx); err != nil {
				s.logger.Error("worker exited with error", "worker", r.Name(), "error", err)
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
				return nil
			}
			s.logger.Info("worker exited", "worker", r.Name())
			return nil
		})
	}

	_ = g.Wait()
	stopBackground()
	_ = bg.Wait()

	if len(failed) > 0 {
		s.logger.Error("workers failed", "failed", len(failed), "total", len(s.runners))
		return fmt.Errorf("%d of %d workers failed: %w", len(failed), len(s.runners), errors.Join(failed...))
	}

	s.logger.Info("all workers stopped")
	return nil
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (s *WorkerService) removePIDFile() {
	if err := os.Remove(s.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove pid file", "path", s.pidFile, "error", err)
	}
}

// ReadPIDFile читает pid из файла.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}
