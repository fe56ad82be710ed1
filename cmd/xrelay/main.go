package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
	nodeName   string
)

func main() {
	root := &cobra.Command{
		Use:          "xrelay",
		Short:        "xrelay: request/response and broadcast relay over Redis Streams",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to xrelay.yaml (XRELAY_* environment variables override it)")
	root.PersistentFlags().StringVar(&nodeName, "node", "", "node name on the transport (overrides transport.redis.node)")

	root.AddCommand(serveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
