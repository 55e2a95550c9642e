package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags)
	version = "dev"
	commit  = "unknown"

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "chatstream",
	Short: "Streaming chat client with branching history",
	Long: `chatstream is a terminal client for packet-streaming chat backends.

It keeps every conversation as a branching message tree: regenerate an
answer and the old one stays reachable, resend after a failure and the
dead branch is pruned. Multiple sessions stream independently and
aborting one never disturbs another.

Quick start:
  chatstream chat                    # interactive chat
  chatstream sessions list           # list stored conversations
  chatstream sessions delete <id>    # delete one`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath(), "Configuration file")
	rootCmd.AddCommand(newChatCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chatstream %s (commit: %s)\n", version, commit)
		},
	})
}

func defaultConfigPath() string {
	if env := os.Getenv("CHATSTREAM_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatstream.yaml"
	}
	return home + "/.chatstream/config.yaml"
}
