package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logsentinel/sentinel/internal/logging"
	"github.com/logsentinel/sentinel/internal/orchestrator"
	"github.com/logsentinel/sentinel/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis API over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	addr, _ := cmd.Flags().GetString("addr")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	log, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg, provider, orchestrator.Options{Logger: log})
	if err != nil {
		return err
	}

	srv, err := server.New(orch, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PreviewOrigins: cfg.Server.PreviewOrigins,
		MaxConns:       cfg.Server.MaxConns,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	log.Info("starting sentinel",
		zap.String("version", version),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", cfg.LLM.Model),
		zap.Int("chunk_size", cfg.Pipeline.ChunkSize),
		zap.Int("concurrency", cfg.Pipeline.Concurrency))
	return srv.ListenAndServe(cmd.Context(), cfg.Server.Addr)
}
