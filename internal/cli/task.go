package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/carrot/internal/dispatch"
)

// clientSession — dispatch.Client с открытыми Store и Publisher.
type clientSession struct {
	client *dispatch.Client
	close  func()
}

func (a *App) openClient(cmd *cobra.Command, withPublisher, checkCallable bool) (*clientSession, error) {
	settings, routing, err := a.settings()
	if err != nil {
		return nil, err
	}

	logger, err := a.quietLog()
	if err != nil {
		return nil, err
	}

	store, err := openStore(cmd.Context(), settings)
	if err != nil {
		return nil, err
	}

	var pub Publisher
	if withPublisher {
		pub = a.newPublisher(settings, logger)
	}

	cfg := dispatch.Config{
		Store:     store,
		Publisher: pub,
		Routing:   routing,
		Logger:    logger,
	}
	if checkCallable {
		cfg.Registry = a.registry()
	}
	client := dispatch.New(cfg)

	return &clientSession{
		client: client,
		close: func() {
			if pub != nil {
				pub.Close()
			}
			store.Close()
		},
	}, nil
}

func (a *App) newEnqueueCmd() *cobra.Command {
	var (
		queue       string
		args        []string
		kwargs      []string
		anyCallable bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue CALLABLE",
		Short: "Create a task and publish it to its queue",
		Example: `  carrot enqueue carrot.echo --arg hello --arg 42
  carrot enqueue http.request --kwarg url=https://example.com --kwarg timeout_sec=5 --queue reports`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, positional []string) error {
			kw, err := parseKwargs(kwargs)
			if err != nil {
				return err
			}

			session, err := a.openClient(cmd, true, !anyCallable)
			if err != nil {
				return err
			}
			defer session.close()

			task, err := session.client.Enqueue(cmd.Context(), dispatch.Request{
				Callable: positional[0],
				Args:     parseArgs(args),
				Kwargs:   kw,
				Queue:    queue,
			})
			if err != nil {
				return err
			}

			out := a.output()
			out.Success(fmt.Sprintf("Task enqueued: %s", task.ID))
			out.Task(task)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "", "Queue id (default queue if not specified)")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "Positional argument, JSON or plain string (repeatable)")
	cmd.Flags().StringArrayVar(&kwargs, "kwarg", nil, "Keyword argument as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&anyCallable, "any-callable", false, "Skip checking the callable against built-in registry")

	return cmd
}

func (a *App) newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue TASK_ID",
		Short: "Publish a pending task again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}

			session, err := a.openClient(cmd, true, false)
			if err != nil {
				return err
			}
			defer session.close()

			task, err := session.client.Requeue(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := a.output()
			out.Success(fmt.Sprintf("Task requeued: %s", task.ID))
			out.Task(task)
			return nil
		},
	}
}

func (a *App) newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show task status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid task id %q: %w", args[0], err)
			}

			session, err := a.openClient(cmd, false, false)
			if err != nil {
				return err
			}
			defer session.close()

			task, err := session.client.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			a.output().Task(task)
			return nil
		},
	}
}
