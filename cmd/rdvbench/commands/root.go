package commands

import "github.com/spf13/cobra"

// NewRootCmd creates the rdvbench command tree.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rdvbench",
		Short: "Rendezvous protocol ping-pong benchmark",
		Long: `rdvbench measures large-message transfer latency and bandwidth for three
rendezvous protocols built on RDMA verbs semantics:

  read       receiver pulls the payload with an RDMA read, then sends FIN
  write      sender pushes with an RDMA write after RTR, then sends FIN
  write_imm  sender pushes with an RDMA write carrying an immediate tag

Settings come from flags, RDVBENCH_* environment variables and rdvbench.yaml.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewVariantsCmd())

	return rootCmd
}
