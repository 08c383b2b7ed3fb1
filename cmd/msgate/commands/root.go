package commands

import (
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X msgate/cmd/msgate/commands.version=...".
var version = "dev"

var cfgPath string

func Execute() error {
	return newRoot().Execute()
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "msgate",
		Short:        "Multi-session messaging gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./msgate.yaml", "path to config file (yaml or json)")

	root.AddCommand(serveCmd(), checkCmd(), normalizeCmd(), renderCmd(), versionCmd())
	return root
}
