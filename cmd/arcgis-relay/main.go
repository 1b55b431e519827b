// Command arcgis-relay runs the login.gov to ArcGIS Enterprise identity
// relay and its maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/geoplatform/arcgis-relay/pkg/identity"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "arcgis-relay",
		Short:        "Identity relay between login.gov and ArcGIS Enterprise",
		SilenceUsage: true,
	}
	root.AddCommand(
		newServeCommand(),
		newSyncGroupsCommand(),
		newSetAccessCommand("disallow-user", "Deny a user at their next login", identity.AccessDisallowed),
		newSetAccessCommand("allow-user", "Clear a user's disallowed flag", identity.AccessAllowed),
		newSetAccessStateCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
