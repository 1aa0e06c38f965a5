// Command forwardproxyd is a demo host: it loads one or more instance
// configs, wires them into a forwardproxy.Registry, and serves them behind
// a chi router, following the teacher's practice of a thin cmd/ wrapper
// around a cobra root command.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "forwardproxyd",
		Short: "Run a multi-tenant forwarding proxy host",
		Long: `forwardproxyd hosts one or more named forward-proxy instances behind a
single listener, dispatching requests by the /<instance_name> path prefix.
Instances are defined in a YAML or TOML config file that is read once at
startup; the file is not reloaded while the process runs.`,
	}
	root.AddCommand(newRunCommand())
	return root
}
