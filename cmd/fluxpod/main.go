package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build).
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fluxpod",
	Short: "fluxpod - cross-cloud GPU pod and stream-consumer orchestrator",
	Long: `fluxpod provisions ephemeral GPU pods and autoscaled stream-consumer
processors across heterogeneous compute backends, tracking their
lifecycle via reconciling state machines.`,
	Version: Version,
}

var configPath string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fluxpod version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration overlay")
	rootCmd.AddCommand(serveCmd)
}
