package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logsentinel/sentinel/internal/logging"
	"github.com/logsentinel/sentinel/internal/orchestrator"
	"github.com/logsentinel/sentinel/internal/reporter"
	"github.com/logsentinel/sentinel/internal/sigma"
)

func newAnalyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [file|-]",
		Short: "Analyze a log file (or stdin) and print the report",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAnalyze,
	}
	cmd.Flags().StringP("language", "l", "", "response language (default: pipeline.language)")
	cmd.Flags().Bool("json", false, "print the report as JSON")
	cmd.Flags().String("out", "", "also write a run package (<run_id>.zip) to this directory")
	cmd.Flags().Bool("no-color", false, "disable colored output")
	return cmd
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	language, _ := cmd.Flags().GetString("language")
	asJSON, _ := cmd.Flags().GetBool("json")
	outDir, _ := cmd.Flags().GetString("out")
	noColor, _ := cmd.Flags().GetBool("no-color")

	if noColor {
		color.NoColor = true
	}

	source := "-"
	if len(args) == 1 {
		source = args[0]
	}
	logText, err := readLog(cmd.InOrStdin(), source)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if language == "" {
		language = cfg.Pipeline.Language
	}

	log := zap.NewNop()
	if verbose {
		if log, err = logging.New(true); err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	opts := orchestrator.Options{Logger: log}
	var engine *sigma.Engine
	if cfg.Detection.Enabled {
		if engine, err = sigma.NewDefault(); err != nil {
			return fmt.Errorf("load detection rules: %w", err)
		}
		opts.Detector = engine
	}
	orch, err := orchestrator.New(cfg, provider, opts)
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	if !verbose {
		orch.SetProgress(func(segment, done, total int, elapsed time.Duration, err error) {
			status := color.GreenString("✓")
			if err != nil {
				status = color.RedString("✗")
			}
			width := len(fmt.Sprintf("%d", total))
			fmt.Fprintf(stderr, "  [%*d/%d] segment %-4d %s  %s\n",
				width, done, total, segment, status, elapsed.Round(time.Millisecond))
		})
	}

	runID := orchestrator.NewRunID()
	fmt.Fprintf(stderr, "[*] Analyzing %s with %s/%s (run %s)...\n", displayName(source), cfg.LLM.Provider, cfg.LLM.Model, runID)
	start := time.Now()

	rep, err := orch.Run(cmd.Context(), orchestrator.Request{ID: runID, Log: string(logText), Language: language})
	if err != nil {
		var perr *orchestrator.PipelineError
		if errors.As(err, &perr) {
			if verbose {
				log.Error("analysis failed", zap.Error(perr.Err))
			}
			return fmt.Errorf("%s (%s)", perr.Detail, perr.Kind)
		}
		return err
	}
	elapsed := time.Since(start)
	fmt.Fprintf(stderr, "[*] Analysis complete (%s)\n", elapsed.Round(time.Millisecond))

	out := cmd.OutOrStdout()
	if asJSON {
		if err := reporter.WriteJSON(out, rep); err != nil {
			return err
		}
	}

	data := reporter.ReportData{
		RunID:       runID,
		Source:      displayName(source),
		Language:    language,
		GeneratedAt: time.Now().UTC(),
		Duration:    elapsed.Round(time.Millisecond).String(),
		Report:      rep,
	}
	if engine != nil {
		data.Detections = engine.Match(cmd.Context(), string(logText))
	}

	if !asJSON {
		r, err := reporter.New()
		if err != nil {
			return fmt.Errorf("create reporter: %w", err)
		}
		if err := r.Render(out, data); err != nil {
			return err
		}
	}

	if outDir != "" {
		zipPath, err := reporter.ExportRun(outDir, data, logText, version)
		if err != nil {
			return fmt.Errorf("export run: %w", err)
		}
		fmt.Fprintf(stderr, "[*] Run package: %s\n", zipPath)
	}
	return nil
}

// readLog reads the log from path, or from stdin when path is "-".
func readLog(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return data, nil
}

func displayName(source string) string {
	if source == "-" {
		return "stdin"
	}
	return filepath.Base(source)
}
