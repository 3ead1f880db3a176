// Package cli implements the cowork command tree.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/coworkos/cowork/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   ____    __        __         _\n" +
		"  / ___|__ \\ \\      / /__  _ __| | __\n" +
		" | |   / _ \\\\ \\ /\\ / / _ \\| '__| |/ /\n" +
		" | |__| (_) |\\ V  V / (_) | |  |   <\n" +
		"  \\____\\___/  \\_/\\_/ \\___/|_|  |_|\\_\\\n"
)

var rootCmd = &cobra.Command{
	Use:   "cowork",
	Short: "CoWork - desktop agent runtime",
	Long:  color.CyanString(logo) + "\nA workspace-scoped agent runtime with policy-gated tools.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(workspaceCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("cowork %s\n", version)
	},
}
