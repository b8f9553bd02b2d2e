// Package cli implements researchctl, a command line client that runs
// research tasks in-process and issues API tokens.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/research-orchestrator/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "researchctl",
	Short: "Multi-agent research orchestrator",
	Long: `researchctl runs research tasks through the Researcher, Analyst,
Critic and Synthesizer agents and prints the resulting report. It can also
mint API tokens for the HTTP service.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is $CONFIG_PATH or config/research.yaml)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
