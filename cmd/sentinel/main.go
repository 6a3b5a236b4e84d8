// Package main is the CLI entry point for sentinel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/logsentinel/sentinel/internal/analyzer"
	"github.com/logsentinel/sentinel/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "LLM-based log analysis: plain-language summary, risk level, IoCs and an action plan",
		Long: `sentinel splits a log into overlapping segments, analyzes each one with an LLM,
and consolidates the partial analyses into a single report with a risk level,
indicators of compromise and a prioritized action plan.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to sentinel.toml (defaults + environment when empty)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newServeCmd(), newAnalyzeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig reads the --config flag and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// newProvider builds the LLM provider once for the process lifetime.
func newProvider(cfg *config.Config) (analyzer.Provider, error) {
	p, err := analyzer.NewProvider(analyzer.ProviderOptions{
		Name:        cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Endpoint:    cfg.LLM.Endpoint,
		Timeout:     cfg.LLM.CallTimeout(),
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return p, nil
}
