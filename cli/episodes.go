package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tayler-id/telly-chat/memory"
)

var (
	episodeType       string
	episodeMinSuccess float64
	episodeLimit      int
)

var episodesCmd = &cobra.Command{
	Use:     "episodes",
	Aliases: []string{"episode"},
	Short:   "Inspect conversation episodes",
}

var episodesSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search episodes by title, context and event content",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := memory.EpisodeFilter{MinSuccess: episodeMinSuccess, Limit: episodeLimit}
		if len(args) == 1 {
			f.Query = args[0]
		}
		if episodeType != "" {
			t, err := memory.ParseEpisodeType(episodeType)
			if err != nil {
				return err
			}
			f.Type = t
		}
		eps := telly.Episodes.SearchEpisodes(f)
		if len(eps) == 0 {
			fmt.Fprintln(stdout, "No episodes found.")
			return nil
		}
		for _, ep := range eps {
			printEpisodeLine(ep)
		}
		return nil
	},
}

var episodesSimilarCmd = &cobra.Command{
	Use:   "similar <episode-id>",
	Short: "List episodes similar to one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, s := range telly.Episodes.SimilarEpisodes(args[0], episodeLimit) {
			fmt.Fprintf(stdout, "%.2f  ", s.Score)
			printEpisodeLine(s.Episode)
		}
		return nil
	},
}

var episodesHistoryCmd = &cobra.Command{
	Use:   "history <episode-id>",
	Short: "Show the conversation turns of an episode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		turns, ok := telly.Episodes.ConversationHistory(args[0])
		if !ok {
			return fmt.Errorf("episode %q not found", args[0])
		}
		for _, t := range turns {
			fmt.Fprintf(stdout, "[%s] %s: %s\n", t.Timestamp.Format(time.TimeOnly), t.Role, t.Content)
		}
		return nil
	},
}

var episodesExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export every episode of a session (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		export, err := telly.Episodes.ExportSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(export)
	},
}

var episodesInsightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Show success rate, common topics and patterns (JSON)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printJSON(telly.Episodes.LearningInsights())
	},
}

func init() {
	episodesSearchCmd.Flags().StringVarP(&episodeType, "type", "t", "", "episode type (conversation, task_completion, learning, problem_solving, creative)")
	episodesSearchCmd.Flags().Float64Var(&episodeMinSuccess, "min-success", 0, "minimum success metric")
	episodesCmd.PersistentFlags().IntVarP(&episodeLimit, "limit", "n", 10, "max results")

	episodesCmd.AddCommand(episodesSearchCmd, episodesSimilarCmd, episodesHistoryCmd, episodesExportCmd, episodesInsightsCmd)
}

func printEpisodeLine(ep memory.Episode) {
	state := "active"
	if !ep.IsActive() {
		state = ep.Outcome
	}
	fmt.Fprintf(stdout, "%s  %s  %-15s %-12s %s\n", ep.StartTime.Format("2006-01-02 15:04"), ep.ID, ep.Type, state, ep.Title)
}
