package main

import (
	"os"

	"github.com/spf13/cobra"

	"paged-vllm-go/envconfig"
	"paged-vllm-go/logutil"
)

// NewCLI builds the pagedvllm command tree
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pagedvllm",
		Short: "LLM serving with continuous batching and a paged KV cache",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file")

	cobra.EnableCommandSorting = false

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the HTTP server",
		Args:    cobra.ExactArgs(0),
		RunE:    ServeHandler,
	}

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic offline workload and report throughput",
		Args:  cobra.ExactArgs(0),
		RunE:  BenchHandler,
	}
	benchCmd.Flags().Int("requests", 64, "Number of requests")
	benchCmd.Flags().Int("min-input", 16, "Shortest prompt in tokens")
	benchCmd.Flags().Int("max-input", 256, "Longest prompt in tokens")
	benchCmd.Flags().Int("min-output", 16, "Shortest completion in tokens")
	benchCmd.Flags().Int("max-output", 256, "Longest completion in tokens")
	benchCmd.Flags().Uint64("seed", 0, "Workload seed")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.ExactArgs(0),
		RunE:  ConfigHandler,
	}

	rootCmd.AddCommand(serveCmd, benchCmd, configCmd)
	return rootCmd
}

// loadSettings reads the config named by --config and sets up logging
func loadSettings(cmd *cobra.Command) (*envconfig.Settings, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	settings, err := envconfig.Load(path)
	if err != nil {
		return nil, err
	}

	if err := logutil.Setup(os.Stderr, settings.Logging.Level, settings.Logging.Format); err != nil {
		return nil, err
	}
	return settings, nil
}
