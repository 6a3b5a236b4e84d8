package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
)

// ErrExtractionFailed matches every *ExtractionError via errors.Is.
var ErrExtractionFailed = errors.New("extraction failed")

// ExtractionError reports a model call whose output could not be turned
// into a valid record. Raw holds the model's response when one was received.
type ExtractionError struct {
	Schema     string // "partial" or "final"
	Raw        string
	Diagnostic string
	Err        error // underlying transport or decode error, if any
}

func (e *ExtractionError) Error() string {
	if e.Raw == "" {
		return fmt.Sprintf("extract %s: %s", e.Schema, e.Diagnostic)
	}
	return fmt.Sprintf("extract %s: %s (raw: %s)", e.Schema, e.Diagnostic, truncate(e.Raw, 200))
}

// Is makes errors.Is(err, ErrExtractionFailed) true.
func (e *ExtractionError) Is(target error) bool { return target == ErrExtractionFailed }

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor turns a text unit plus a target schema into a validated record
// through one provider call. It never retries and never fills in missing
// or invalid fields.
type Extractor struct {
	provider    Provider
	catalog     *Catalog
	callTimeout time.Duration
	partial     *jsonschema.Schema
	final       *jsonschema.Schema
}

// NewExtractor compiles the output schemas. callTimeout bounds each
// provider call; zero leaves only the caller's context deadline.
func NewExtractor(provider Provider, catalog *Catalog, callTimeout time.Duration) (*Extractor, error) {
	if provider == nil {
		return nil, fmt.Errorf("extractor: provider is required")
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	partial, err := compileSchema(PartialSchema)
	if err != nil {
		return nil, fmt.Errorf("compile partial schema: %w", err)
	}
	final, err := compileSchema(finalValidationSchema)
	if err != nil {
		return nil, fmt.Errorf("compile final schema: %w", err)
	}
	return &Extractor{
		provider:    provider,
		catalog:     catalog,
		callTimeout: callTimeout,
		partial:     partial,
		final:       final,
	}, nil
}

func compileSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.NewCompiler().Compile(data)
}

// ExtractPartial analyzes one segment.
func (e *Extractor) ExtractPartial(ctx context.Context, lang, text string, hints []string) (PartialRecord, error) {
	l, _ := e.catalog.Lookup(lang)
	var rec PartialRecord
	if err := e.extract(ctx, "partial", e.partial, BuildPartialPrompt(l, lang, text, hints), &rec); err != nil {
		return PartialRecord{}, err
	}
	if rec.Indicators == nil {
		rec.Indicators = []Indicator{}
	}
	return rec, nil
}

// ExtractFinal consolidates count serialized partial analyses into one report.
func (e *Extractor) ExtractFinal(ctx context.Context, lang, partialsJSON string, count int) (FinalReport, error) {
	l, _ := e.catalog.Lookup(lang)
	var rep FinalReport
	if err := e.extract(ctx, "final", e.final, BuildSynthesisPrompt(l, lang, count, partialsJSON), &rep); err != nil {
		return FinalReport{}, err
	}
	if rep.Indicators == nil {
		rep.Indicators = []Indicator{}
	}
	return rep, nil
}

func (e *Extractor) extract(ctx context.Context, name string, schema *jsonschema.Schema, prompt Prompt, out interface{}) error {
	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	raw, err := e.provider.Complete(callCtx, prompt)
	if err != nil {
		return &ExtractionError{Schema: name, Diagnostic: err.Error(), Err: err}
	}

	cleaned := cleanJSONResponse(raw)
	if !json.Valid([]byte(cleaned)) {
		return &ExtractionError{Schema: name, Raw: raw, Diagnostic: "response is not valid JSON"}
	}

	result := schema.ValidateJSON([]byte(cleaned))
	if !result.IsValid() {
		return &ExtractionError{Schema: name, Raw: raw, Diagnostic: "schema validation failed: " + describeErrors(result.Errors)}
	}

	// Decoding and validate() enforce the same constraints a second time.
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return &ExtractionError{Schema: name, Raw: raw, Diagnostic: err.Error(), Err: err}
	}
	if v, ok := out.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return &ExtractionError{Schema: name, Raw: raw, Diagnostic: err.Error()}
		}
	}
	return nil
}

// describeErrors renders validation errors in a stable order.
func describeErrors(errs map[string]*jsonschema.EvaluationError) string {
	if len(errs) == 0 {
		return "invalid"
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, errs[k]))
	}
	return strings.Join(parts, "; ")
}
