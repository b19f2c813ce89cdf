package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/carrot/internal/mq"
)

func (a *App) newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Declare the exchange and all configured queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, routing, err := a.settings()
			if err != nil {
				return err
			}
			logger, err := a.quietLog()
			if err != nil {
				return err
			}

			conn := mq.NewConnection(mq.ParamsFromSettings(settings), logger)
			defer conn.Close()

			if err := mq.SetupRouting(cmd.Context(), conn, routing, mq.DurabilityFromSettings(settings)); err != nil {
				return err
			}

			out := a.output()
			out.Success("Topology declared")
			if !a.jsonOutput {
				out.Text(mq.TopologyInfo(routing))
			}
			return nil
		},
	}
}

func (a *App) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the task table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, _, err := a.settings()
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}

			a.output().Success("Database migrated")
			return nil
		},
	}
}

func (a *App) newQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List configured queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, routing, err := a.settings()
			if err != nil {
				return err
			}

			queues := routing.Queues()
			rows := make([][]string, len(queues))
			for i, q := range queues {
				rows[i] = []string{q.ID, q.Name, routing.Exchange(), q.RoutingKey(), strconv.Itoa(q.Concurrency)}
			}

			a.output().Print(
				[]string{"ID", "QUEUE", "EXCHANGE", "ROUTING_KEY", "WORKERS"},
				rows,
				queues,
			)
			return nil
		},
	}
}
