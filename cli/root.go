// Package cli provides the telly command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tayler-id/telly-chat/app"
	"github.com/tayler-id/telly-chat/config"
	"github.com/tayler-id/telly-chat/logger"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	// Global flags
	configPath string
	logFile    string
	pretty     bool

	cfg    *config.Config
	log    zerolog.Logger
	telly  *app.App
	stdout io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "telly",
	Short: "Chat about YouTube transcripts with tiered memory",
	Long: `Telly keeps saved YouTube transcripts, past conversations and long-term
memories, and assembles them into context for every chat turn.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		if logFile != "" && pretty {
			return fmt.Errorf("--logfile and --pretty are mutually exclusive")
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if logFile == "" {
			logFile = cfg.Log.File
		}
		if !pretty && logFile == "" {
			pretty = cfg.Log.Pretty
		}
		log, err = logger.InitWithOptions(logFile, pretty)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		telly, err = app.New(cmd.Context(), cfg, log)
		if err != nil {
			return fmt.Errorf("initialize memory system: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if telly == nil {
			return
		}
		if err := telly.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close memory system")
		}
	},
}

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.GetConfigPath(), "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "logfile", "", "path to log file (JSON lines)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "pretty console logs (only valid when logfile is not set)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(transcriptCmd)
	rootCmd.AddCommand(episodesCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(maintainCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
