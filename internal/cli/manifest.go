package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/syntor/agentmesh/pkg/manifest"
)

var (
	manifestDir        string
	manifestType       string
	manifestCapability string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect static agent manifests",
	Long: `Inspect the manifests a coordinator registers on behalf of agents
that cannot register themselves.

Commands:
  list   - List manifests in the manifest directory
  check  - Validate manifest files`,
}

var manifestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List static agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := manifestDir
		if dir == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Manifests.Dir
		}
		if dir == "" {
			return errors.New("no manifest directory: set manifests.dir or pass --dir")
		}
		catalog, err := manifest.OpenCatalog([]string{dir}, nil)
		if err != nil {
			return err
		}
		defer catalog.Close()

		found := catalog.Find(manifest.Filter{AgentType: manifestType, Capability: manifestCapability})
		return printManifests(cmd.OutOrStdout(), found)
	},
}

var manifestCheckCmd = &cobra.Command{
	Use:   "check <file>...",
	Short: "Validate manifest files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed int
		for _, path := range args {
			m, err := manifest.ReadManifest(path)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
				continue
			}
			if err := m.ToRegistration().Validate(); err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: agent %s ok\n", path, m.Metadata.Name)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d manifests invalid", failed, len(args))
		}
		return nil
	},
}

func init() {
	manifestListCmd.Flags().StringVar(&manifestDir, "dir", "", "manifest directory (default manifests.dir from config)")
	manifestListCmd.Flags().StringVar(&manifestType, "type", "", "only agents of this type")
	manifestListCmd.Flags().StringVar(&manifestCapability, "capability", "", "only agents offering this capability")

	manifestCmd.AddCommand(manifestListCmd)
	manifestCmd.AddCommand(manifestCheckCmd)
}

func printManifests(w io.Writer, ms []*manifest.AgentManifest) error {
	if jsonOutput {
		regs := make([]interface{}, len(ms))
		for i, m := range ms {
			regs[i] = m.ToRegistration()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(regs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTANDBY\tCAPABILITIES\tENDPOINT")
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n",
			m.Metadata.Name, m.Spec.Type, m.Spec.Standby, strings.Join(m.GetCapabilityNames(), ","), m.Spec.Endpoint)
	}
	return tw.Flush()
}
