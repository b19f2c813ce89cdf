package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/carrot/internal/config"
	"github.com/shaiso/carrot/internal/domain"
	"github.com/shaiso/carrot/internal/mq"
	"github.com/shaiso/carrot/internal/repo"
	"github.com/shaiso/carrot/internal/tasks"
	"github.com/shaiso/carrot/internal/telemetry"
)

// --- Helpers ---

// sharedStore — Store, который не закрывается воркером (общий для теста).
type sharedStore struct {
	repo.Store
	closed atomic.Int32
}

func (s *sharedStore) Close() error {
	s.closed.Add(1)
	return nil
}

// failingStore ломает запись финального статуса.
type failingStore struct {
	repo.Store
}

func (s failingStore) UpdateStatus(ctx context.Context, task *domain.Task, from domain.TaskStatus) error {
	if from == domain.TaskStatusRunning {
		return errors.New("database is locked")
	}
	return s.Store.UpdateStatus(ctx, task, from)
}

func testRouting(t *testing.T) *config.Routing {
	t.Helper()
	routing, err := config.NewRouting("carrot.direct", []config.Queue{
		{ID: "default", Name: "carrot.default", Concurrency: 2},
	})
	require.NoError(t, err)
	return routing
}

func newTestStore(t *testing.T) *sharedStore {
	t.Helper()

	store, err := repo.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()))
	return &sharedStore{Store: store}
}

func testRegistry() *tasks.Registry {
	r := tasks.Default()
	r.MustRegister("app.ok", func(_ context.Context, call tasks.Call) (string, error) {
		return "done", nil
	})
	r.MustRegister("app.raise", func(context.Context, tasks.Call) (string, error) {
		return "", errors.New("division by zero")
	})
	r.MustRegister("app.panic", func(context.Context, tasks.Call) (string, error) {
		panic("nil map write")
	})
	return r
}

func newTestWorker(t *testing.T, store repo.Store, cfg Config) *Worker {
	t.Helper()

	cfg.Routing = testRouting(t)
	cfg.OpenStore = func(context.Context) (repo.Store, error) { return store, nil }
	if cfg.Registry == nil {
		cfg.Registry = testRegistry()
	}
	cfg.Logger = telemetry.Discard()

	w, err := New("default", cfg)
	require.NoError(t, err)
	require.NoError(t, w.open(context.Background()))
	return w
}

func enqueue(t *testing.T, store repo.Store, callable string, args []any, kwargs map[string]any) *domain.Task {
	t.Helper()
	task := domain.NewTask(callable, "default", args, kwargs)
	require.NoError(t, store.Create(context.Background(), task))
	return task
}

func reload(t *testing.T, store repo.Store, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

// --- New ---

func TestNew_UnknownQueue(t *testing.T) {
	_, err := New("missing", Config{
		Routing:   testRouting(t),
		OpenStore: func(context.Context) (repo.Store, error) { return nil, nil },
	})
	assert.ErrorIs(t, err, config.ErrUnknownQueue)
}

func TestNew_RequiresRoutingAndStore(t *testing.T) {
	_, err := New("default", Config{OpenStore: func(context.Context) (repo.Store, error) { return nil, nil }})
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = New("default", Config{Routing: testRouting(t)})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestNew_BindsQueue(t *testing.T) {
	w := newTestWorker(t, newTestStore(t), Config{})
	assert.Equal(t, "carrot.default", w.Queue().Name)
	assert.Equal(t, 2, w.Queue().Concurrency)
}

// --- OnMessage ---

func TestOnMessage_Outcomes(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, Config{})
	ctx := context.Background()

	a := enqueue(t, store, "app.ok", nil, nil)
	b := enqueue(t, store, "app.raise", nil, nil)
	c := enqueue(t, store, "app.not_registered", nil, nil)

	for _, task := range []*domain.Task{a, b, c} {
		require.NoError(t, w.OnMessage(ctx, task.ID.String()))
	}

	gotA := reload(t, store, a.ID)
	assert.Equal(t, domain.TaskStatusCompleted, gotA.Status)
	require.NotNil(t, gotA.ExitCode)
	assert.Equal(t, 0, *gotA.ExitCode)
	assert.Equal(t, "done", gotA.Message)
	require.NotNil(t, gotA.StartedAt)
	require.NotNil(t, gotA.CompletedAt)
	assert.False(t, gotA.CompletedAt.Before(*gotA.StartedAt))

	gotB := reload(t, store, b.ID)
	assert.Equal(t, domain.TaskStatusFailed, gotB.Status)
	assert.Equal(t, 1, *gotB.ExitCode)
	assert.Contains(t, gotB.Message, "division by zero")

	gotC := reload(t, store, c.ID)
	assert.Equal(t, domain.TaskStatusFailed, gotC.Status)
	assert.Equal(t, 1, *gotC.ExitCode)
	assert.Contains(t, gotC.Message, "could not resolve callable")
	assert.Contains(t, gotC.Message, "app.not_registered")
}

func TestOnMessage_PassesArguments(t *testing.T) {
	store := newTestStore(t)

	var (
		got       tasks.Call
		ctxLogger *slog.Logger
	)
	registry := tasks.NewRegistry()
	registry.MustRegister("app.capture", func(ctx context.Context, call tasks.Call) (string, error) {
		got = call
		ctxLogger = telemetry.FromContext(ctx)
		return "", nil
	})

	w := newTestWorker(t, store, Config{Registry: registry})
	task := enqueue(t, store, "app.capture", []any{"a", 1.0}, map[string]any{"k": "v"})

	require.NoError(t, w.OnMessage(context.Background(), " "+task.ID.String()+"\n"))

	assert.Equal(t, task.ID, got.TaskID)
	assert.Equal(t, []any{"a", 1.0}, got.Args)
	assert.Equal(t, map[string]any{"k": "v"}, got.Kwargs)
	assert.Same(t, got.Logger, ctxLogger)
}

func TestOnMessage_ExitCode(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, Config{})

	task := enqueue(t, store, tasks.NameFail, nil, map[string]any{"message": "quota exceeded", "exit_code": 75.0})
	require.NoError(t, w.OnMessage(context.Background(), task.ID.String()))

	got := reload(t, store, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Equal(t, 75, *got.ExitCode)
	assert.Equal(t, "quota exceeded", got.Message)
}

func TestOnMessage_BinaryErrorTextIsStored(t *testing.T) {
	store := newTestStore(t)
	registry := testRegistry()
	registry.MustRegister("app.binary", func(context.Context, tasks.Call) (string, error) {
		return "", errors.New("ответ\xd0\x00 обрезан")
	})
	w := newTestWorker(t, store, Config{Registry: registry})

	task := enqueue(t, store, "app.binary", nil, nil)
	require.NoError(t, w.OnMessage(context.Background(), task.ID.String()))

	got := reload(t, store, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.True(t, utf8.ValidString(got.Message))
	assert.NotContains(t, got.Message, "\x00")
	assert.Equal(t, "ответ\uFFFD обрезан", got.Message)
}

func TestOnMessage_PanicIsContained(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, Config{})

	task := enqueue(t, store, "app.panic", nil, nil)
	require.NoError(t, w.OnMessage(context.Background(), task.ID.String()))

	got := reload(t, store, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Message, "panicked")
	assert.Contains(t, got.Message, "nil map write")
}

func TestOnMessage_TaskTimeout(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, Config{TaskTimeout: 20 * time.Millisecond})

	task := enqueue(t, store, tasks.NameSleep, []any{10.0}, nil)

	start := time.Now()
	require.NoError(t, w.OnMessage(context.Background(), task.ID.String()))
	assert.Less(t, time.Since(start), 5*time.Second)

	got := reload(t, store, task.ID)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)
	assert.Contains(t, got.Message, context.DeadlineExceeded.Error())
}

func TestOnMessage_StaleDeliveryIsDiscarded(t *testing.T) {
	store := newTestStore(t)

	var calls atomic.Int32
	registry := tasks.NewRegistry()
	registry.MustRegister("app.count", func(context.Context, tasks.Call) (string, error) {
		calls.Add(1)
		return "", nil
	})
	w := newTestWorker(t, store, Config{Registry: registry})

	task := enqueue(t, store, "app.count", nil, nil)
	require.NoError(t, w.OnMessage(context.Background(), task.ID.String()))
	first := reload(t, store, task.ID)

	// Повторная доставка того же сообщения
	require.NoError(t, w.OnMessage(context.Background(), task.ID.String()))

	assert.Equal(t, int32(1), calls.Load())
	second := reload(t, store, task.ID)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.CompletedAt.Equal(*second.CompletedAt))
}

func TestOnMessage_ConcurrentDuplicateRunsOnce(t *testing.T) {
	store := newTestStore(t)

	var calls atomic.Int32
	registry := tasks.NewRegistry()
	registry.MustRegister("app.count", func(context.Context, tasks.Call) (string, error) {
		calls.Add(1)
		return "", nil
	})

	task := enqueue(t, store, "app.count", nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		w := newTestWorker(t, store, Config{Registry: registry})
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.OnMessage(context.Background(), task.ID.String()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.TaskStatusCompleted, reload(t, store, task.ID).Status)
}

func TestOnMessage_DiscardsBadMessages(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store, Config{})

	assert.NoError(t, w.OnMessage(context.Background(), "not-a-uuid"))
	assert.NoError(t, w.OnMessage(context.Background(), uuid.NewString()))

	assert.ErrorIs(t, w.process(context.Background(), "not-a-uuid"), ErrInvalidMessage)
	assert.ErrorIs(t, w.process(context.Background(), uuid.NewString()), ErrTaskNotFound)
}

func TestOnMessage_PersistenceErrorIsReturned(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, failingStore{Store: store}, Config{})

	task := enqueue(t, store, "app.ok", nil, nil)
	err := w.OnMessage(context.Background(), task.ID.String())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "database is locked"))
}

func TestOnMessage_StoreNotOpen(t *testing.T) {
	w, err := New("default", Config{
		Routing:   testRouting(t),
		OpenStore: func(context.Context) (repo.Store, error) { return nil, errors.New("unused") },
		Logger:    telemetry.Discard(),
	})
	require.NoError(t, err)

	assert.Error(t, w.OnMessage(context.Background(), uuid.NewString()))
}

// --- Run ---

func TestRun_OpensStoreAndStopsOnCancel(t *testing.T) {
	store := newTestStore(t)

	var opened atomic.Int32
	w, err := New("default", Config{
		Routing: testRouting(t),
		Connection: mq.ConnectionParams{
			Dial: func(string, amqp.Config) (mq.Transport, error) {
				return nil, errors.New("connection refused")
			},
		},
		OpenStore: func(context.Context) (repo.Store, error) {
			opened.Add(1)
			return store, nil
		},
		SetupTopology: true,
		ReconnectWait: 10 * time.Millisecond,
		Logger:        telemetry.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, int32(1), opened.Load())
	assert.Equal(t, int32(1), store.closed.Load())
}

func TestRun_StoreOpenFailure(t *testing.T) {
	w, err := New("default", Config{
		Routing:   testRouting(t),
		OpenStore: func(context.Context) (repo.Store, error) { return nil, errors.New("no database") },
		Logger:    telemetry.Discard(),
	})
	require.NoError(t, err)

	err = w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open store")
}

func TestRun_StopDuringStartupIsClean(t *testing.T) {
	// остановка, пришедшая пока открывается Store, — штатный выход
	w, err := New("default", Config{
		Routing: testRouting(t),
		OpenStore: func(ctx context.Context) (repo.Store, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Logger: telemetry.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
