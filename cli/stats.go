package cli

import (
	"github.com/spf13/cobra"

	"github.com/tayler-id/telly-chat/memory"
)

type statsReport struct {
	LongTerm    memory.LongTermStats   `json:"long_term"`
	Episodes    memory.EpisodeStats    `json:"episodes"`
	Transcripts memory.TranscriptStats `json:"transcripts"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory statistics (JSON)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		transcripts, err := telly.Transcripts.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(statsReport{
			LongTerm:    telly.LongTerm.Statistics(),
			Episodes:    telly.Episodes.Statistics(),
			Transcripts: transcripts,
		})
	},
}
