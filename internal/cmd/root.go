// Package cmd holds the forge command line: the API server, one-shot
// pipeline runs and schema migrations.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/config"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

var (
	cfgFile  string
	settings config.Settings
	logger   *zap.Logger

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "none", BuildDate: "unknown"}
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Multi-agent code generation pipeline",
	Long: `forge turns a prompt into verified code using a team of AI agents.

Examples:
  forge serve                         # Start the HTTP API
  forge run --project demo --language python --prompt "fizzbuzz"
  forge migrate up                    # Apply database migrations`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadSettings,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// no settings needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "forge %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); environment variables override it")
	rootCmd.AddCommand(versionCmd)
}

// SetVersionInfo records build metadata injected through ldflags
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings(cmd *cobra.Command, args []string) error {
	s, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	settings = s
	logging.Init(settings.Server.Environment, settings.Server.LogLevel)
	logger = logging.L()
	return nil
}
