package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syntor/agentmesh/internal/worker"
	"github.com/syntor/agentmesh/pkg/config"
)

var workerConfig = worker.DefaultConfig()

// workerCmd runs the reference worker agent
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent",
	Long: `Run a worker agent that serves the echo, sleep and fail methods,
registers with a coordinator and heartbeats its load.

The bearer token and encryption key may also come from
AGENTMESH_WORKER_TOKEN and AGENTMESH_WORKER_ENCRYPTION_KEY.

Examples:
  agentmesh worker --id worker-1
  agentmesh worker --id worker-2 --addr :8702 --endpoint http://localhost:8702
  agentmesh worker --id records-1 --sensitive --encryption --audit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := workerConfig
		if cfg.Token == "" {
			cfg.Token = os.Getenv("AGENTMESH_WORKER_TOKEN")
		}
		if cfg.EncryptionKey == "" {
			cfg.EncryptionKey = os.Getenv("AGENTMESH_WORKER_ENCRYPTION_KEY")
		}

		logger := newLogger(config.DefaultSystemConfig().Logging, "worker")

		w, err := worker.New(cfg, logger)
		if err != nil {
			return err
		}
		w.RegisterDefaults()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return w.Run(ctx)
	},
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerConfig.AgentID, "id", workerConfig.AgentID, "agent id")
	f.StringVar(&workerConfig.AgentType, "type", workerConfig.AgentType, "agent type")
	f.StringVar(&workerConfig.Addr, "addr", workerConfig.Addr, "listen address")
	f.StringVar(&workerConfig.Endpoint, "endpoint", workerConfig.Endpoint, "endpoint advertised to the coordinator")
	f.StringVar(&workerConfig.CoordinatorURL, "coordinator", workerConfig.CoordinatorURL, "coordinator URL")
	f.StringVar(&workerConfig.Token, "token", "", "bearer token for the coordinator")
	f.StringVar(&workerConfig.EncryptionKey, "encryption-key", "", "hex encoded 32 byte key for sensitive payloads")
	f.DurationVar(&workerConfig.HeartbeatInterval, "heartbeat", workerConfig.HeartbeatInterval, "heartbeat interval")
	f.DurationVar(&workerConfig.RequestTimeout, "timeout", workerConfig.RequestTimeout, "request timeout")
	f.IntVar(&workerConfig.MaxConcurrent, "max-concurrent", workerConfig.MaxConcurrent, "concurrent requests per capability")
	f.BoolVar(&workerConfig.Standby, "standby", false, "register as a standby agent")
	f.BoolVar(&workerConfig.Sensitive, "sensitive", false, "mark capabilities as handling sensitive data")
	f.BoolVar(&workerConfig.Compliance.EncryptionEnabled, "encryption", false, "declare encryption compliance")
	f.BoolVar(&workerConfig.Compliance.AuditEnabled, "audit", false, "declare audit compliance")
}
