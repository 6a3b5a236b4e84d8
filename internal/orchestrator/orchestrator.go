// Package orchestrator coordinates the Segment → Analyze → Synthesize pipeline.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/logsentinel/sentinel/internal/analyzer"
	"github.com/logsentinel/sentinel/internal/config"
	"github.com/logsentinel/sentinel/internal/logging"
	"github.com/logsentinel/sentinel/internal/segmenter"
	"github.com/logsentinel/sentinel/internal/sigma"
)

// MinLogLength is the shortest log, in characters, accepted for analysis.
const MinLogLength = 10

// Run states, as they appear in the "state" log field.
const (
	stateReceived         = "received"
	stateSegmented        = "segmented"
	statePartialsGathered = "partials_gathered"
	stateSynthesized      = "synthesized"
	stateFailed           = "failed"
)

// Request is one analysis request.
type Request struct {
	ID       string // run ID; generated when empty
	Log      string
	Language string // response language tag; empty = configured default
}

// Options holds optional collaborators.
type Options struct {
	Logger *zap.Logger
	// Detector overrides the Sigma pre-screen. When nil and detection is
	// enabled in config, the embedded rule set is loaded.
	Detector analyzer.Detector
}

// Orchestrator runs the pipeline once per request. It holds no per-run
// state and is safe for concurrent use.
type Orchestrator struct {
	seg      *segmenter.Segmenter
	analyzer *analyzer.Analyzer
	language string
	budget   time.Duration
	log      *zap.Logger
}

// New wires the pipeline around an already constructed provider, which is
// shared read-only across runs.
func New(cfg *config.Config, provider analyzer.Provider, opts Options) (*Orchestrator, error) {
	log := logging.OrNop(opts.Logger)

	seg, err := segmenter.New(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	detector := opts.Detector
	if detector == nil && cfg.Detection.Enabled {
		eng, err := sigma.NewDefault()
		if err != nil {
			return nil, fmt.Errorf("load detection rules: %w", err)
		}
		log.Info("detection rules loaded", zap.Int("rules", eng.Len()))
		detector = eng
	}

	a, err := analyzer.New(provider, analyzer.Options{
		Concurrency: cfg.Pipeline.Concurrency,
		Retries:     cfg.Pipeline.Retries,
		CallTimeout: cfg.LLM.CallTimeout(),
		Detector:    detector,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("create analyzer: %w", err)
	}

	return &Orchestrator{
		seg:      seg,
		analyzer: a,
		language: cfg.Pipeline.Language,
		budget:   cfg.Pipeline.RunBudget(),
		log:      log,
	}, nil
}

// SetProgress sets a callback invoked as each segment settles.
func (o *Orchestrator) SetProgress(fn analyzer.ProgressFunc) {
	o.analyzer.SetProgress(fn)
}

// Run analyzes one log. It returns either a complete report or a
// *PipelineError; partial results are never returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*analyzer.FinalReport, error) {
	if req.ID == "" {
		req.ID = NewRunID()
	}
	if req.Language == "" {
		req.Language = o.language
	}
	log := o.log.With(zap.String("run_id", req.ID), zap.String("language", req.Language))
	start := time.Now()

	chars := utf8.RuneCountInString(req.Log)
	log.Info("run state", zap.String("state", stateReceived), zap.Int("chars", chars))

	if chars < MinLogLength {
		return nil, o.fail(log, &PipelineError{Kind: InvalidInput, Detail: detailTooShort})
	}
	segs, err := o.seg.Split(req.Log)
	if err != nil {
		return nil, o.fail(log, &PipelineError{Kind: InvalidInput, Detail: detailEmpty, Err: err})
	}
	log.Info("run state", zap.String("state", stateSegmented), zap.Int("segments", len(segs)))

	if o.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.budget)
		defer cancel()
	}

	partials, failures := o.analyzer.AnalyzeSegments(ctx, req.Language, segs)
	if err := ctx.Err(); err != nil {
		return nil, o.fail(log, &PipelineError{Kind: Timeout, Detail: detailTimeout, Err: err})
	}
	if len(partials) == 0 {
		return nil, o.fail(log, &PipelineError{
			Kind:   AllSegmentsFailed,
			Detail: detailAllSegmentsFailed,
			Err:    joinFailures(failures),
		})
	}
	log.Info("run state", zap.String("state", statePartialsGathered),
		zap.Int("succeeded", len(partials)), zap.Int("failed", len(failures)))

	rep, err := o.analyzer.Synthesize(ctx, req.Language, partials)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.fail(log, &PipelineError{Kind: Timeout, Detail: detailTimeout, Err: err})
		}
		return nil, o.fail(log, &PipelineError{Kind: SynthesisFailed, Detail: detailSynthesisFailed, Err: err})
	}

	log.Info("run state", zap.String("state", stateSynthesized),
		zap.String("risk", string(rep.Risk)),
		zap.Int("iocs", len(rep.Indicators)),
		zap.Duration("elapsed", time.Since(start)))
	return rep, nil
}

func (o *Orchestrator) fail(log *zap.Logger, perr *PipelineError) error {
	log.Warn("run state", zap.String("state", stateFailed),
		zap.String("reason", perr.Kind.String()), zap.Error(perr.Err))
	return perr
}

func joinFailures(failures []analyzer.SegmentFailure) error {
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f.Err
	}
	return errors.Join(errs...)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRunID returns a new lexically sortable run identifier.
func NewRunID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
