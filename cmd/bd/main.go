// Command bd exposes the coordination core's read-only CLI surface: it
// reports the status of a running node. It deliberately does not
// administer the cluster; nodes are configured and started by the host
// process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bd",
	Short: "bd inspects a running coordination-core node",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
