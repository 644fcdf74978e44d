// Package cli implements the agentmesh command line: the coordinator and
// worker daemons plus client commands that talk to a running coordinator.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/syntor/agentmesh/pkg/config"
	"github.com/syntor/agentmesh/pkg/logging"
)

var (
	// Version information (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile    string
	envFile    string
	verbose    bool
	jsonOutput bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "agentmesh",
	Short: "agentmesh - coordination layer for agent fleets",
	Long: `agentmesh registers agents, tracks their health, routes and queues
messages between them and recovers from agent failures.

Run a coordinator:
  agentmesh serve --config agentmesh.yaml

Run a worker against it:
  agentmesh worker --id worker-1 --coordinator http://localhost:8700

Talk to the coordinator:
  agentmesh agents
  agentmesh send echo '{"hello":"world"}'
  agentmesh status`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(envFile)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(manifestCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "agentmesh %s\n", Version)
		fmt.Fprintf(out, "Build: %s\n", BuildTime)
		fmt.Fprintf(out, "Commit: %s\n", GitCommit)
	},
}

// loadEnv exports the dotenv file into the process environment so that
// AGENTMESH_* keys reach the config loader. A missing file is fine.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadConfig() (*config.SystemConfig, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(c config.LoggingConfig, name string) logging.Logger {
	level := logging.ParseLevel(c.Level)
	if verbose {
		level = logging.DebugLevel
	}
	return logging.NewZapLogger(logging.Config{
		Level:  level,
		Format: c.Format,
		Output: os.Stderr,
		Name:   name,
	})
}
