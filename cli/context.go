package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tayler-id/telly-chat/memory"
)

var (
	contextSession        string
	contextMaxTranscripts int
	contextMaxEpisodes    int
	contextSummaryOnly    bool
)

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Show the context that would be added to a prompt",
	Long: `Assemble context for a query exactly as a chat turn would and print it.

Examples:
  telly context "morning routine"
  telly context "what did we decide about sleep" --session work --summary`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := memory.ContextRequest{
			Query:          args[0],
			SessionID:      contextSession,
			MaxTranscripts: contextMaxTranscripts,
			MaxEpisodes:    contextMaxEpisodes,
		}
		if contextSession != "" {
			if sess, ok := telly.Assistant.Sessions().Lookup(contextSession); ok {
				req.ShortTerm = sess.ShortTerm
			}
		}
		assembled := telly.Contexts.BuildContext(cmd.Context(), req)
		if contextSummaryOnly {
			fmt.Fprintf(stdout, "%s (%d tokens)\n", assembled.Summary, assembled.TotalTokens)
			return nil
		}
		if assembled.Empty() {
			fmt.Fprintln(stdout, "No relevant context.")
			return nil
		}
		fmt.Fprintln(stdout, memory.FormatForPrompt(assembled))
		fmt.Fprintf(stdout, "\n%s (%d tokens)\n", assembled.Summary, assembled.TotalTokens)
		return nil
	},
}

func init() {
	contextCmd.Flags().StringVarP(&contextSession, "session", "s", "", "include this session's episodes")
	contextCmd.Flags().IntVar(&contextMaxTranscripts, "max-transcripts", 5, "max transcripts")
	contextCmd.Flags().IntVar(&contextMaxEpisodes, "max-episodes", 10, "max recent episodes")
	contextCmd.Flags().BoolVar(&contextSummaryOnly, "summary", false, "print only the one-line summary")
}
