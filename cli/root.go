// Package cli wires the daemon and client commands.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	configFile string
	nodeId     int
)

// rootCmd is a root of all commands.
var rootCmd = &cobra.Command{
	Use:   "kvledgerd [command] [flags]",
	Short: "replicated key-value ledger with Merkle proofs",
	Run:   rootCmdRun,
}

func rootCmdRun(cmd *cobra.Command, args []string) {
	cmd.Help()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "cluster config file")
	rootCmd.PersistentFlags().IntVarP(&nodeId, "id", "i", 1, "node id to serve as or talk to")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(rootHashCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(joinCmd)
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}
