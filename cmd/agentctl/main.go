// Command agentctl runs the Agent Lifecycle Orchestrator worker and
// provides operator subcommands for driving it without a full ingress API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/agentctl/internal/config"
	"github.com/cuemby/agentctl/internal/obslog"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "agentctl",
	Short:   "Agent lifecycle orchestration worker",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentctl %s (%s) built %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit JSON logs")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionResolveCmd)
}

func initLogging() {
	loadedCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: load config: %v\n", err)
		os.Exit(1)
	}
	cfg = loadedCfg

	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if level == "" || level == "info" {
		level = cfg.LogLevel
	}

	obslog.Init(obslog.Config{
		Level:      obslog.Level(level),
		JSONOutput: jsonOutput || cfg.LogJSON,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
