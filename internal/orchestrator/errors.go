package orchestrator

import "fmt"

// Kind classifies why a run failed.
type Kind int

const (
	// InvalidInput means the log failed basic shape checks; no model call was made.
	InvalidInput Kind = iota + 1
	// AllSegmentsFailed means no segment produced a usable partial record.
	AllSegmentsFailed
	// SynthesisFailed means the consolidation call failed or returned an invalid report.
	SynthesisFailed
	// Timeout means the run exceeded its budget or was cancelled.
	Timeout
)

// String returns the machine-readable reason, e.g. "all_segments_failed".
func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case AllSegmentsFailed:
		return "all_segments_failed"
	case SynthesisFailed:
		return "synthesis_failed"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// User-facing details. They never carry internal diagnostics.
const (
	detailTooShort          = "O log deve ter pelo menos 10 caracteres."
	detailEmpty             = "O log está vazio."
	detailAllSegmentsFailed = "Todas as análises de chunks falharam."
	detailSynthesisFailed   = "Falha ao consolidar os resultados da análise."
	detailTimeout           = "A análise excedeu o tempo limite."

	// DetailInternal is the detail for failures outside the pipeline taxonomy.
	DetailInternal = "Falha ao analisar o log."
)

// PipelineError is the single failure outcome of a run. Detail is safe to
// show to callers; Err keeps the underlying cause for logs.
type PipelineError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *PipelineError) Unwrap() error { return e.Err }
