package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information injected during build via ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "protosim",
	Short: "protosim is a protocol simulator for industrial and IoT endpoints",
	Long: `protosim runs device simulators that real client software can talk to:
TCP/UDP byte-stream endpoints (scene playback, Modbus TCP slaves, custom
framing rules) and MQTT brokers and proxies with a topic/payload rule
engine. Everything is managed at runtime through an admin REST API and
persisted to plain JSON files.`,
	SilenceUsage:  true,
	SilenceErrors: true, // errors are printed once, in Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("protosim %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
