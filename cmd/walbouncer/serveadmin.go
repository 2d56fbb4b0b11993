package main

import (
	"github.com/spf13/cobra"
)

// serveAdminCmd is the SUPPLEMENTED FEATURES "walbouncer serve-admin"
// variant (SPEC_FULL.md's ambient observability stack), grounded on
// cmd/pgmigrator/serve.go: it runs the same proxy as the bare root
// command but force-enables the admin HTTP+WebSocket status server
// even when the config file left admin.enabled = false, so an operator
// can point `walbouncer tui --api-addr` at it without editing config.
var serveAdminCmd = &cobra.Command{
	Use:   "serve-admin",
	Short: "Run the proxy with the admin status server forced on",
	Long: `serve-admin runs the filtering proxy exactly like the bare walbouncer
command, but always starts the admin HTTP+WebSocket status server,
regardless of the [admin] section in the configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveProxy(cmd.Context(), cfg, logger, true)
	},
}

func init() {
	rootCmd.AddCommand(serveAdminCmd)
}
