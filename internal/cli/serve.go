package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syntor/agentmesh/internal/coordinator"
	"github.com/syntor/agentmesh/pkg/logging"
)

var serveAddr string

// serveCmd runs a coordinator node
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a coordinator node",
	Long: `Run a coordinator: the registry, health monitor, load balancer,
fault-tolerance manager and message queues behind one A2A endpoint.

Configuration comes from --config, AGENTMESH_* environment variables and
the dotenv file, in that order of precedence from lowest to highest.

Examples:
  agentmesh serve
  agentmesh serve --config agentmesh.yaml --addr :9000
  AGENTMESH_REGISTRY_BACKEND=redis agentmesh serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		logger := newLogger(cfg.Logging, "coordinator")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		node, err := coordinator.New(ctx, *cfg, logger, coordinator.Options{})
		if err != nil {
			logger.Error("failed to start coordinator", logging.Err(err))
			return err
		}
		return node.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}
