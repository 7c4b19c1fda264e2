package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var maintainOnce bool

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Close stale episodes, decay and consolidate short-term memory",
	Long: `Run memory maintenance on the configured schedule (maintenance.schedule)
until interrupted, or a single pass with --once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if maintainOnce {
			r := telly.Maintenance.RunOnce(ctx)
			fmt.Fprintf(stdout, "stale episodes closed: %d\ndecayed items: %d\nconsolidated items: %d\nexpired sessions: %d\narchived threads: %d\ntook: %s\n",
				r.StaleEpisodes, r.DecayedItems, r.ConsolidatedItems, r.ExpiredSessions, r.ArchivedThreads, r.Duration)
			return nil
		}

		if err := telly.Maintenance.Start(ctx); err != nil {
			return err
		}
		log.Info().Str("schedule", cfg.Maintenance.Schedule).Msg("Maintenance running, press Ctrl+C to stop")
		<-ctx.Done()
		log.Info().Msg("Shutting down maintenance")
		return nil
	},
}

func init() {
	maintainCmd.Flags().BoolVar(&maintainOnce, "once", false, "run a single pass and exit")
}
