package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/shaiso/carrot/internal/config"
)

// Runner — один экземпляр Worker под управлением WorkerService.
//
// Run блокируется до завершения воркера. Отмена ctx — запрос на
// кооперативную остановку: воркер дорабатывает текущий task и выходит.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

// --- FuncRunner ---

// FuncRunner запускает воркер в текущем процессе (горутина).
type FuncRunner struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFuncRunner создаёт FuncRunner.
func NewFuncRunner(name string, fn func(ctx context.Context) error) *FuncRunner {
	return &FuncRunner{name: name, fn: fn}
}

// Name возвращает имя runner'а.
func (r *FuncRunner) Name() string { return r.name }

// Run вызывает fn. Паника внутри fn превращается в ошибку.
func (r *FuncRunner) Run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker %s panicked: %v", r.name, rec)
		}
	}()
	return r.fn(ctx)
}

// --- ProcessRunner ---

// ProcessRunner запускает воркер отдельным процессом:
//
//	<binary> [args...] worker --queue <id>
//
// На Linux дочерний процесс получает SIGTERM при смерти родителя.
type ProcessRunner struct {
	name   string
	path   string
	args   []string
	env    []string
	logger *slog.Logger
}

// ProcessConfig — параметры ProcessRunner.
type ProcessConfig struct {
	// Path — исполняемый файл (default: os.Executable()).
	Path string

	// Args — аргументы перед подкомандой (например, --config).
	Args []string

	// WorkerArgs — аргументы после "worker --queue <id>".
	WorkerArgs []string

	// Env — дополнительные переменные окружения для дочернего процесса.
	Env []string

	Logger *slog.Logger
}

// NewProcessRunner создаёт runner для очереди queueID.
func NewProcessRunner(name, queueID string, cfg ProcessConfig) (*ProcessRunner, error) {
	path := cfg.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := append([]string(nil), cfg.Args...)
	args = append(args, "worker", "--queue", queueID)
	args = append(args, cfg.WorkerArgs...)

	return &ProcessRunner{
		name:   name,
		path:   path,
		args:   args,
		env:    cfg.Env,
		logger: logger,
	}, nil
}

// Name возвращает имя runner'а.
func (r *ProcessRunner) Name() string { return r.name }

// Args возвращает аргументы командной строки дочернего процесса.
func (r *ProcessRunner) Args() []string {
	return append([]string(nil), r.args...)
}

// Run запускает процесс и ждёт его завершения.
// При отмене ctx процессу отправляется SIGTERM.
func (r *ProcessRunner) Run(ctx context.Context) error {
	cmd := exec.Command(r.path, r.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), r.env...)
	cmd.SysProcAttr = childProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.name, err)
	}

	logger := r.logger.With("worker", r.name, "pid", cmd.Process.Pid)
	logger.Info("worker process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		logger.Info("forwarding SIGTERM to worker process")
		if sigErr := cmd.Process.Signal(terminateSignal); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			logger.Warn("failed to signal worker process", "error", sigErr)
		}
		err = <-done
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("worker %s exited with code %s", r.name, exitCodeString(exitErr))
		}
		return fmt.Errorf("worker %s: %w", r.name, err)
	}

	logger.Info("worker process exited")
	return nil
}

func exitCodeString(err *exec.ExitError) string {
	if code := err.ExitCode(); code >= 0 {
		return strconv.Itoa(code)
	}
	return err.String()
}

// --- Helpers ---

// Factory создаёт Runner для index-го экземпляра очереди q.
type Factory func(q config.Queue, index int) (Runner, error)

// RunnersFor создаёт по одному Runner'у на единицу concurrency каждой очереди.
func RunnersFor(routing *config.Routing, factory Factory) ([]Runner, error) {
	runners := make([]Runner, 0, routing.TotalConcurrency())
	for _, q := range routing.Queues() {
		for i := 0; i < q.Concurrency; i++ {
			r, err := factory(q, i)
			if err != nil {
				return nil, fmt.Errorf("create runner for queue %s: %w", q.ID, err)
			}
			runners = append(runners, r)
		}
	}
	return runners, nil
}

// RunnerName — имя runner'а: "<queue>-<index>".
func RunnerName(q config.Queue, index int) string {
	return q.ID + "-" + strconv.Itoa(index)
}
