package cli

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntor/agentmesh/internal/coordinator"
	"github.com/syntor/agentmesh/pkg/models"
	"github.com/syntor/agentmesh/pkg/protocol"
)

var (
	coordinatorURL string
	clientToken    string
	clientKey      string
	clientTimeout  time.Duration

	sendQueue      bool
	sendQueueName  string
	sendCapability string
	sendAgentType  string
	sendPriority   string
	sendAuthLevel  string
	sendDelay      string

	agentsCapability string
	agentsType       string
)

// sendCmd delivers one message through the mesh
var sendCmd = &cobra.Command{
	Use:   "send <method> [params-json]",
	Short: "Send a message through the mesh",
	Long: `Route a message to the best agent for it and print the result, or
enqueue it for asynchronous delivery with --queue.

Examples:
  agentmesh send echo '{"hello":"world"}'
  agentmesh send sleep '{"duration":"2s"}' --priority high
  agentmesh send echo --queue --delay 30s`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]interface{}{"method": args[0]}
		if len(args) == 2 {
			var inner map[string]interface{}
			if err := json.Unmarshal([]byte(args[1]), &inner); err != nil {
				return fmt.Errorf("params must be a JSON object: %w", err)
			}
			params["params"] = inner
		}
		if sendCapability != "" {
			params["capability"] = sendCapability
		}
		if sendAgentType != "" {
			params["agent_type"] = sendAgentType
		}

		priority, err := models.ParsePriority(sendPriority)
		if err != nil {
			return err
		}
		opts := protocol.RequestOptions{Priority: priority, AuthLevel: models.AuthLevel(sendAuthLevel)}

		method := coordinator.MethodRoute
		if sendQueue {
			method = coordinator.MethodEnqueue
			if sendQueueName != "" {
				params["queue"] = sendQueueName
			}
			if sendDelay != "" {
				params["delay"] = sendDelay
			}
		}

		result, err := call(cmd.Context(), method, params, opts)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), result)
	},
}

// agentsCmd lists registered agents
var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents known to the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(cmd.Context(), coordinator.MethodDiscover, map[string]interface{}{
			"capability": agentsCapability,
			"agent_type": agentsType,
		}, protocol.RequestOptions{})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), raw)
		}

		var out struct {
			Agents []models.AgentRegistration `json:"agents"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tLOAD\tCAPABILITIES\tENDPOINT")
		for _, a := range out.Agents {
			names := make([]string, 0, len(a.Capabilities))
			for _, c := range a.Capabilities {
				names = append(names, c.Name)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
				a.AgentID, a.AgentType, a.Status, a.LoadFactor, strings.Join(names, ","), a.Endpoint)
		}
		return tw.Flush()
	},
}

// statusCmd shows the coordinator's view of the mesh
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mesh status",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(cmd.Context(), coordinator.MethodStatus, nil, protocol.RequestOptions{})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

// modeCmd switches the system mode, e.g. for maintenance windows
var modeCmd = &cobra.Command{
	Use:   "mode <normal|degraded|emergency|maintenance|recovery> [reason]",
	Short: "Set the system mode",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]interface{}{"mode": args[0]}
		if len(args) == 2 {
			params["reason"] = args[1]
		}
		raw, err := call(cmd.Context(), coordinator.MethodSetMode, params, protocol.RequestOptions{})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

// replayCmd moves a dead-lettered message back onto its queue
var replayCmd = &cobra.Command{
	Use:   "replay <message-id>",
	Short: "Replay a dead-lettered message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := call(cmd.Context(), coordinator.MethodReplay, map[string]interface{}{"message_id": args[0]}, protocol.RequestOptions{})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{sendCmd, agentsCmd, statusCmd, modeCmd, replayCmd} {
		cmd.Flags().StringVar(&coordinatorURL, "coordinator", "http://localhost:8700", "coordinator URL")
		cmd.Flags().StringVar(&clientToken, "token", "", "bearer token (default $AGENTMESH_TOKEN)")
		cmd.Flags().StringVar(&clientKey, "encryption-key", "", "hex key for sensitive payloads (default $AGENTMESH_ENCRYPTION_KEY)")
		cmd.Flags().DurationVar(&clientTimeout, "timeout", 30*time.Second, "request timeout")
	}

	sendCmd.Flags().BoolVar(&sendQueue, "queue", false, "enqueue instead of routing synchronously")
	sendCmd.Flags().StringVar(&sendQueueName, "queue-name", "", "explicit queue (default: chosen by priority)")
	sendCmd.Flags().StringVar(&sendDelay, "delay", "", "delivery delay for queued messages")
	sendCmd.Flags().StringVar(&sendCapability, "capability", "", "required capability (default: the method)")
	sendCmd.Flags().StringVar(&sendAgentType, "agent-type", "", "required agent type")
	sendCmd.Flags().StringVarP(&sendPriority, "priority", "p", "normal", "critical, high, normal or low")
	sendCmd.Flags().StringVar(&sendAuthLevel, "auth-level", string(models.AuthAuthenticated), "public, authenticated, sensitive or emergency")

	agentsCmd.Flags().StringVar(&agentsCapability, "capability", "", "only agents with this capability")
	agentsCmd.Flags().StringVar(&agentsType, "type", "", "only agents of this type")
}

func call(ctx context.Context, method string, params map[string]interface{}, opts protocol.RequestOptions) (json.RawMessage, error) {
	token := clientToken
	if token == "" {
		token = os.Getenv("AGENTMESH_TOKEN")
	}
	key := clientKey
	if key == "" {
		key = os.Getenv("AGENTMESH_ENCRYPTION_KEY")
	}
	cfg := protocol.ClientConfig{AgentID: "agentmesh-cli", DefaultTimeout: clientTimeout}
	if key != "" {
		raw, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("encryption key: %w", err)
		}
		if cfg.Cipher, err = protocol.NewAEADCipher(raw); err != nil {
			return nil, err
		}
	}
	client := protocol.NewClient(protocol.NewHTTPTransport(&http.Client{Timeout: clientTimeout}, token), cfg)
	return client.SendRequest(ctx, coordinatorURL, method, params, opts)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
