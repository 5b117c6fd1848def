// Package cli holds the llamachat commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string
	rootCmd := &cobra.Command{
		Use:           "llamachat",
		Short:         "LLM chat service and terminal client",
		Long:          "Chat with hosted LLMs over HTTP (serve) or in the terminal (chat).",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $LLAMACHAT_CONFIG or ./config.json)")

	rootCmd.AddCommand(newServeCommand(&cfgFile))
	rootCmd.AddCommand(newChatCommand(&cfgFile))
	return rootCmd
}

func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
