package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logsentinel/sentinel/internal/logging"
	"github.com/logsentinel/sentinel/internal/segmenter"
)

// ErrNoPartials is returned by Synthesize when there is nothing to consolidate.
var ErrNoPartials = errors.New("no partial analyses to synthesize")

// Detector produces short, human-readable hints about a text unit that are
// passed to the model alongside it.
type Detector interface {
	Hints(ctx context.Context, text string) []string
}

// ProgressFunc is called after each segment settles. It may be called from
// several goroutines, but never concurrently.
type ProgressFunc func(segment, done, total int, elapsed time.Duration, err error)

// Options configures an Analyzer.
type Options struct {
	Concurrency int           // max simultaneous segment calls; <= 0 means 1
	Retries     int           // extra attempts per failed segment; synthesis is never retried
	CallTimeout time.Duration // per provider call
	Catalog     *Catalog      // nil = embedded catalog
	Detector    Detector      // optional
	Logger      *zap.Logger
}

// SegmentFailure records why one segment produced no partial record.
type SegmentFailure struct {
	Index int
	Err   error
}

// Analyzer runs the per-segment fan-out and the synthesis step. It holds
// no per-run state and can be shared across concurrent runs.
type Analyzer struct {
	extractor   *Extractor
	catalog     *Catalog
	detector    Detector
	concurrency int
	retries     int
	log         *zap.Logger

	progressMu sync.Mutex
	progress   ProgressFunc
}

// New creates an Analyzer around the given LLM provider.
func New(provider Provider, opts Options) (*Analyzer, error) {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	ex, err := NewExtractor(provider, catalog, opts.CallTimeout)
	if err != nil {
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	return &Analyzer{
		extractor:   ex,
		catalog:     catalog,
		detector:    opts.Detector,
		concurrency: concurrency,
		retries:     retries,
		log:         logging.OrNop(opts.Logger),
	}, nil
}

// SetProgress sets a callback invoked as each segment completes.
func (a *Analyzer) SetProgress(fn ProgressFunc) {
	a.progressMu.Lock()
	a.progress = fn
	a.progressMu.Unlock()
}

// AnalyzeSegments runs partial analysis for every segment with at most
// Concurrency calls in flight. A failing segment never cancels the others;
// the call returns once every segment has settled. Successful records come
// back in segment order.
func (a *Analyzer) AnalyzeSegments(ctx context.Context, lang string, segs []segmenter.Segment) ([]PartialRecord, []SegmentFailure) {
	type outcome struct {
		rec PartialRecord
		err error
	}
	outcomes := make([]outcome, len(segs))

	done := 0

	// A plain Group, not WithContext: one failure must not cancel siblings.
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, seg := range segs {
		g.Go(func() error {
			start := time.Now()
			rec, err := a.analyzeSegment(ctx, lang, seg)
			outcomes[i] = outcome{rec: rec, err: err}
			a.reportProgress(seg.Index, &done, len(segs), time.Since(start), err)
			return nil
		})
	}
	_ = g.Wait()

	var partials []PartialRecord
	var failures []SegmentFailure
	for i, o := range outcomes {
		if o.err != nil {
			failures = append(failures, SegmentFailure{Index: segs[i].Index, Err: o.err})
			continue
		}
		partials = append(partials, o.rec)
	}
	return partials, failures
}

func (a *Analyzer) analyzeSegment(ctx context.Context, lang string, seg segmenter.Segment) (PartialRecord, error) {
	log := a.log.With(zap.Int("segment", seg.Index))

	if err := ctx.Err(); err != nil {
		return PartialRecord{}, err
	}

	var hints []string
	if a.detector != nil {
		hints = a.detector.Hints(ctx, seg.Text)
		if len(hints) > 0 {
			log.Debug("detection hints attached", zap.Int("hints", len(hints)))
		}
	}

	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			log.Info("retrying segment", zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}
		rec, err := a.extractor.ExtractPartial(ctx, lang, seg.Text, hints)
		if err == nil {
			log.Debug("segment analyzed", zap.String("risk", string(rec.Risk)), zap.Int("iocs", len(rec.Indicators)))
			return rec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	log.Warn("segment analysis failed", zap.Error(lastErr))
	return PartialRecord{}, fmt.Errorf("segment %d: %w", seg.Index, lastErr)
}

// reportProgress bumps the run's settled counter and fires the callback
// under one lock, so done values arrive in increasing order.
func (a *Analyzer) reportProgress(segment int, done *int, total int, elapsed time.Duration, err error) {
	a.progressMu.Lock()
	defer a.progressMu.Unlock()
	*done++
	if a.progress != nil {
		a.progress(segment, *done, total, elapsed, err)
	}
}

// Synthesize consolidates the surviving partial records into one report.
// A single record is promoted directly without a model call; several are
// serialized in order and consolidated by one final extraction, which is
// not retried.
func (a *Analyzer) Synthesize(ctx context.Context, lang string, partials []PartialRecord) (*FinalReport, error) {
	switch len(partials) {
	case 0:
		return nil, ErrNoPartials
	case 1:
		l, _ := a.catalog.Lookup(lang)
		return SingleSegmentReport(partials[0], l), nil
	}

	payload, digest, err := EncodePartials(partials)
	if err != nil {
		return nil, fmt.Errorf("encode partials: %w", err)
	}
	log := a.log.With(zap.Int("partials", len(partials)), zap.String("payload_sha256", digest))
	log.Info("running synthesis")

	rep, err := a.extractor.ExtractFinal(ctx, lang, payload, len(partials))
	if err != nil {
		log.Error("synthesis failed", zap.Error(err))
		return nil, fmt.Errorf("synthesis: %w", err)
	}

	rep.Indicators = DedupeIndicators(rep.Indicators)

	risks := make([]RiskLevel, len(partials))
	for i, p := range partials {
		risks[i] = p.Risk
	}
	if top := MaxRisk(risks...); rep.Risk.Rank() < top.Rank() {
		log.Warn("synthesized risk is below the most severe partial",
			zap.String("risk", string(rep.Risk)), zap.String("max_partial_risk", string(top)))
	}
	return &rep, nil
}

// SingleSegmentReport builds the final report from the only partial record,
// using the language's fixed justification and recommendation.
func SingleSegmentReport(p PartialRecord, l Language) *FinalReport {
	return &FinalReport{
		Narrative:      p.Narrative,
		Risk:           p.Risk,
		Justification:  l.SingleJustification,
		Indicators:     DedupeIndicators(p.Indicators),
		Recommendation: Steps{l.SingleRecommendation},
	}
}

// EncodePartials serializes partial records in order as canonical JSON
// (RFC 8785) and returns it with its sha256 hex digest.
func EncodePartials(partials []PartialRecord) (string, string, error) {
	data, err := json.Marshal(partials)
	if err != nil {
		return "", "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return string(canonical), hex.EncodeToString(sum[:]), nil
}
