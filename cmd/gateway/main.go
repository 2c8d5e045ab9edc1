// Command gateway is the messaging gateway's entrypoint: cobra-driven,
// grounded on teranos-QNTX's cmd/qntx/main.go root-command shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymesh/gateway/cmd/gateway/commands"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Multi-tenant messaging gateway",
	Long: `gateway fronts a chat-network transport for many tenant sessions,
coordinating inbound message processing, auto-replies, rate-limited
broadcasts, directory scraping, and live event fan-out over HTTP/WebSocket.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().String("env", ".env", "path to the .env overlay file")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
