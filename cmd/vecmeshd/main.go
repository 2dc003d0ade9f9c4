// Command vecmeshd runs a vecmesh node and offers offline helpers for
// inspecting shard routing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vecmeshd",
	Short: "Distributed vector store node",
	Long: `vecmeshd runs one node of a vecmesh cluster: it serves peer traffic over
HTTP, owns and replicates its shard ranges, and persists replica snapshots
to the configured blob store.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, routeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
