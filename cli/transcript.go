package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tayler-id/telly-chat/memory"
)

var (
	transcriptTitle      string
	transcriptFile       string
	transcriptActionPlan string
	transcriptSummary    string
	transcriptDuration   string
	transcriptLimit      int
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Save and look up YouTube transcripts",
}

var transcriptSaveCmd = &cobra.Command{
	Use:   "save <url>",
	Short: "Save a transcript (read from --file or stdin)",
	Long: `Save a transcript for a video URL. Saving the same URL again replaces
the stored transcript and its long-term memory.

Examples:
  telly transcript save https://youtu.be/abc --title "Deep work" --file transcript.txt
  cat transcript.txt | telly transcript save https://youtu.be/abc --title "Deep work"`,
	Args: cobra.ExactArgs(1),
	RunE: runTranscriptSave,
}

var transcriptGetCmd = &cobra.Command{
	Use:   "get <id-or-url>",
	Short: "Show a saved transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rec, ok := telly.Transcripts.Get(ctx, args[0])
		if !ok {
			rec, ok = telly.Transcripts.GetByURL(ctx, args[0])
		}
		if !ok {
			return fmt.Errorf("transcript %q not found", args[0])
		}
		return printJSON(rec)
	},
}

var transcriptSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search saved transcripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		matches := telly.Transcripts.Search(cmd.Context(), args[0], transcriptLimit)
		if len(matches) == 0 {
			fmt.Fprintln(stdout, "No transcripts found.")
			return nil
		}
		for i, m := range matches {
			fmt.Fprintf(stdout, "%d. %s (%.2f)\n   %s\n   id: %s\n\n", i+1, m.Record.Title, m.Score, m.Record.URL, m.Record.ID)
		}
		return nil
	},
}

var transcriptRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently saved transcripts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		recs, err := telly.Transcripts.Recent(cmd.Context(), transcriptLimit)
		if err != nil {
			return err
		}
		for _, r := range recs {
			fmt.Fprintf(stdout, "%s  %s  %s\n", r.SavedAt.Format("2006-01-02 15:04"), r.ID, r.Title)
		}
		return nil
	},
}

var transcriptRelatedCmd = &cobra.Command{
	Use:   "related <id>",
	Short: "List transcripts related to a saved one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, m := range telly.Transcripts.Related(cmd.Context(), args[0], transcriptLimit) {
			fmt.Fprintf(stdout, "%.2f  %s  %s\n", m.Score, m.Record.ID, m.Record.Title)
		}
		return nil
	},
}

var transcriptExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all transcripts as training examples (JSON)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		examples, err := telly.Transcripts.ExportForTraining(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(examples)
	},
}

func init() {
	transcriptSaveCmd.Flags().StringVarP(&transcriptTitle, "title", "t", "", "video title")
	transcriptSaveCmd.Flags().StringVarP(&transcriptFile, "file", "f", "", "transcript file (default: stdin)")
	transcriptSaveCmd.Flags().StringVar(&transcriptActionPlan, "action-plan", "", "action plan text")
	transcriptSaveCmd.Flags().StringVar(&transcriptSummary, "summary", "", "summary (default: transcript preview)")
	transcriptSaveCmd.Flags().StringVar(&transcriptDuration, "duration", "", "video duration")
	transcriptCmd.PersistentFlags().IntVarP(&transcriptLimit, "limit", "n", 5, "max results")

	transcriptCmd.AddCommand(transcriptSaveCmd, transcriptGetCmd, transcriptSearchCmd,
		transcriptRecentCmd, transcriptRelatedCmd, transcriptExportCmd)
}

func runTranscriptSave(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if transcriptFile != "" {
		f, err := os.Open(transcriptFile) //#nosec G304 -- user-supplied transcript path
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close() //nolint:errcheck // read-only
		r = f
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Errorf("transcript is empty")
	}

	title := transcriptTitle
	if title == "" {
		title = args[0]
	}
	id, err := telly.Transcripts.Save(cmd.Context(), memory.TranscriptInput{
		URL:        args[0],
		Title:      title,
		Transcript: text,
		ActionPlan: transcriptActionPlan,
		Summary:    transcriptSummary,
		Duration:   transcriptDuration,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}
