// =============================================================================
// ROOT COMMAND - CLI ENTRY POINT AND GLOBAL FLAGS
// =============================================================================
//
// GLOBAL FLAGS:
//   --config, -c    YAML config file (env: GOJOURNAL_CONFIG)
//   --log-level     debug, info, warn, error (overrides log_level)
//   --log-format    text or json (overrides log_format)
//
// The config is loaded and the default slog handler installed before any
// subcommand runs, so every component logger derived from slog.Default()
// inherits the level and format.
//
// =============================================================================

package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"gojournal/internal/config"
)

// =============================================================================
// GLOBAL STATE
// =============================================================================

var (
	configFlag    string
	logLevelFlag  string
	logFormatFlag string

	// cfg is loaded in PersistentPreRunE.
	cfg *config.Config
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "gojournal",
	Short: "Persistent message journal node",
	Long: `gojournal - a disk-backed message journal between inputs and processing.

  • Segmented append-only journal with size, age and committed retention
  • Committed read offset that survives restarts
  • Load balancer throttling when the journal fills up
  • Disk space check that takes the node out of rotation

Use "gojournal [command] --help" for more information about a command.`,
	PersistentPreRunE: initialize,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Config file (env: GOJOURNAL_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "",
		"Log format: text, json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

// initialize loads the configuration and sets up logging.
func initialize(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	path := configFlag
	if path == "" {
		path = os.Getenv("GOJOURNAL_CONFIG")
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	if logLevelFlag != "" {
		loaded.LogLevel = logLevelFlag
	}
	if logFormatFlag != "" {
		loaded.LogFormat = logFormatFlag
	}
	cfg = loaded

	setupLogging(cmd.ErrOrStderr(), cfg)
	return nil
}

func setupLogging(w io.Writer, c *config.Config) {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
