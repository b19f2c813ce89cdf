package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/carrot/internal/config"
	"github.com/shaiso/carrot/internal/dispatch"
	"github.com/shaiso/carrot/internal/mq"
	"github.com/shaiso/carrot/internal/repo"
	"github.com/shaiso/carrot/internal/tasks"
	"github.com/shaiso/carrot/internal/telemetry"
)

// Publisher — публикатор ID tasks с закрытием соединения.
type Publisher interface {
	dispatch.Publisher
	Close() error
}

// App — общее состояние команд: глобальные флаги и ленивые зависимости.
type App struct {
	version    string
	configPath string
	logFile    string
	jsonOutput bool

	stdout io.Writer
	stderr io.Writer

	logger    *slog.Logger
	logCloser io.Closer

	// Подменяются в тестах.
	newPublisher func(s config.Settings, logger *slog.Logger) Publisher
	registry     func() *tasks.Registry
}

// NewApp создаёт App с зависимостями по умолчанию.
func NewApp(version string) *App {
	return &App{
		version:      version,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		newPublisher: defaultPublisher,
		registry:     tasks.Default,
	}
}

func defaultPublisher(s config.Settings, logger *slog.Logger) Publisher {
	conn := mq.NewConnection(mq.ParamsFromSettings(s), logger)
	return mq.NewPublisher(conn, logger, mq.PublisherConfig{DurableMessages: s.DurableMessages})
}

// NewRootCmd создаёт корневую команду carrot со всеми подкомандами.
func (a *App) NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "carrot",
		Short:         "carrot — RabbitMQ task queue",
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			a.closeLog()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CARROT_CONFIG"), "Path to YAML config file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&a.logFile, "log-file", "", "Write logs to file instead of stdout")

	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.AddCommand(
		a.newRunCmd(),
		a.newWorkerCmd(),
		a.newEnqueueCmd(),
		a.newRequeueCmd(),
		a.newShowCmd(),
		a.newSetupCmd(),
		a.newMigrateCmd(),
		a.newQueuesCmd(),
	)

	return root
}

// Execute выполняет команду и печатает ошибку в stderr.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.NewRootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err != nil {
		a.output().Error(err.Error())
	}
	a.closeLog()
	return err
}

func (a *App) output() *Output {
	return NewOutputTo(a.jsonOutput, a.stdout, a.stderr)
}

// settings загружает настройки: defaults → --config → CARROT_*.
func (a *App) settings() (config.Settings, *config.Routing, error) {
	s, err := config.Load(a.configPath)
	if err != nil {
		return config.Settings{}, nil, err
	}
	routing, err := s.Routing()
	if err != nil {
		return config.Settings{}, nil, err
	}
	return s, routing, nil
}

// log возвращает логгер процесса (stdout или --log-file).
func (a *App) log() (*slog.Logger, error) {
	if a.logger != nil {
		return a.logger, nil
	}

	if a.logFile == "" {
		a.logger = telemetry.SetupLogger()
		return a.logger, nil
	}

	f, err := telemetry.OpenLogFile(a.logFile)
	if err != nil {
		return nil, err
	}
	a.logCloser = f
	a.logger = telemetry.SetupLoggerTo(f)
	return a.logger, nil
}

// quietLog — логгер для клиентских команд: в stdout только при --log-file.
func (a *App) quietLog() (*slog.Logger, error) {
	if a.logFile == "" {
		return telemetry.Discard(), nil
	}
	return a.log()
}

func (a *App) closeLog() {
	if a.logCloser != nil {
		a.logCloser.Close()
		a.logCloser = nil
	}
}

// openStore открывает Store по database_url.
func openStore(ctx context.Context, s config.Settings) (repo.Store, error) {
	store, err := repo.Open(ctx, s.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
