package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/logsentinel/sentinel/internal/analyzer"
	"github.com/logsentinel/sentinel/internal/config"
)

// mockProvider answers partial and synthesis calls with the given functions
// and counts both.
type mockProvider struct {
	partial func(ctx context.Context, user string) (string, error)
	final   func(ctx context.Context, user string) (string, error)

	partialCalls int32
	finalCalls   int32

	mu      sync.Mutex
	prompts []string
}

func (m *mockProvider) Complete(ctx context.Context, p analyzer.Prompt) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, p.User)
	m.mu.Unlock()

	props, _ := p.Schema["properties"].(map[string]interface{})
	if _, ok := props["justification"]; ok {
		atomic.AddInt32(&m.finalCalls, 1)
		return m.final(ctx, p.User)
	}
	atomic.AddInt32(&m.partialCalls, 1)
	return m.partial(ctx, p.User)
}

// echoFinal consolidates whatever partial records it is given, keeping
// duplicate indicators so the pipeline's own de-duplication is exercised.
func echoFinal(ctx context.Context, user string) (string, error) {
	// The serialized partials are the last line of the prompt.
	payload := user[strings.LastIndex(user, "\n")+1:]
	var partials []analyzer.PartialRecord
	if err := json.Unmarshal([]byte(payload), &partials); err != nil {
		return "", err
	}
	rep := analyzer.FinalReport{
		Risk:           analyzer.RiskInformational,
		Justification:  "consolidado",
		Recommendation: analyzer.Steps{"1. Revisar", "2. Monitorar"},
	}
	var narratives []string
	for _, p := range partials {
		narratives = append(narratives, p.Narrative)
		rep.Indicators = append(rep.Indicators, p.Indicators...)
		rep.Risk = analyzer.MaxRisk(rep.Risk, p.Risk)
	}
	rep.Narrative = strings.Join(narratives, " | ")
	if rep.Indicators == nil {
		rep.Indicators = []analyzer.Indicator{}
	}
	out, err := json.Marshal(rep)
	return string(out), err
}

func benignPartial(ctx context.Context, user string) (string, error) {
	return `{"translation":"Serviço iniciado normalmente","risk_assessment":"Informativo","iocs":[]}`, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.APIKey = "test-key"
	cfg.Detection.Enabled = false
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, p analyzer.Provider, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(cfg, p, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func pipelineKind(t *testing.T, err error) Kind {
	t.Helper()
	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PipelineError, got %T: %v", err, err)
	}
	return perr.Kind
}

func TestNew_LoadsDetectionRules(t *testing.T) {
	cfg := testConfig()
	cfg.Detection.Enabled = true
	if _, err := New(cfg, &mockProvider{}, Options{}); err != nil {
		t.Fatalf("New with embedded rules: %v", err)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := New(testConfig(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestRun_ShortBenignLog(t *testing.T) {
	mp := &mockProvider{partial: benignPartial}
	o := newTestOrchestrator(t, testConfig(), mp, Options{})

	logLine := "Oct 19 09:00:00 web01 systemd[1]: Started cron.service"
	rep, err := o.Run(context.Background(), Request{Log: logLine})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.partialCalls != 1 || mp.finalCalls != 0 {
		t.Errorf("calls = %d partial / %d final, want 1 / 0", mp.partialCalls, mp.finalCalls)
	}
	if rep.Risk != analyzer.RiskInformational {
		t.Errorf("risk = %q, want Informativo", rep.Risk)
	}
	if rep.Indicators == nil || len(rep.Indicators) != 0 {
		t.Errorf("indicators = %#v, want empty list", rep.Indicators)
	}
	if rep.Justification != "Análise de um único trecho de log." {
		t.Errorf("justification = %q", rep.Justification)
	}
	if len(rep.Recommendation) != 1 || rep.Recommendation[0] != "Verificar o log completo para mais contexto ou fornecer mais dados." {
		t.Errorf("recommendation = %v", rep.Recommendation)
	}
}

func TestRun_DefaultLanguage(t *testing.T) {
	mp := &mockProvider{partial: benignPartial}
	o := newTestOrchestrator(t, testConfig(), mp, Options{})

	if _, err := o.Run(context.Background(), Request{Log: "kernel: eth0 link up"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mp.prompts[0], "pt-BR") {
		t.Error("empty language should fall back to pt-BR")
	}
}

func TestRun_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		log  string
	}{
		{"empty", ""},
		{"too short", "short"},
		{"nine runes", "ããããããããã"},
		{"whitespace only", "            \n\n   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp := &mockProvider{partial: benignPartial}
			o := newTestOrchestrator(t, testConfig(), mp, Options{})

			rep, err := o.Run(context.Background(), Request{Log: tt.log})
			if rep != nil {
				t.Error("no report expected on failure")
			}
			if k := pipelineKind(t, err); k != InvalidInput {
				t.Errorf("kind = %s, want invalid_input", k)
			}
			if mp.partialCalls+mp.finalCalls != 0 {
				t.Error("invalid input must be rejected before any model call")
			}
		})
	}
}

// paragraphs builds a log whose paragraphs each start with a marker word.
func paragraphs(markers ...string) string {
	var parts []string
	for _, m := range markers {
		parts = append(parts, m+" "+strings.Repeat("app[42]: request served status=200 ", 8))
	}
	return strings.Join(parts, "\n\n")
}

func TestRun_PartialFailureTolerance(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.ChunkSize = 400
	cfg.Pipeline.ChunkOverlap = 40

	mp := &mockProvider{
		partial: func(ctx context.Context, user string) (string, error) {
			switch {
			case strings.Contains(user, "FAILME"):
				return "", errors.New("upstream 500")
			case strings.Contains(user, "ALPHA"):
				return `{"translation":"alpha","risk_assessment":"Baixo","iocs":[]}`, nil
			case strings.Contains(user, "GAMMA"):
				return `{"translation":"gamma","risk_assessment":"Médio","iocs":[]}`, nil
			}
			return `{"translation":"other","risk_assessment":"Informativo","iocs":[]}`, nil
		},
		final: echoFinal,
	}
	o := newTestOrchestrator(t, cfg, mp, Options{})

	rep, err := o.Run(context.Background(), Request{Log: paragraphs("ALPHA", "FAILME", "GAMMA")})
	if err != nil {
		t.Fatalf("run should survive one failed segment: %v", err)
	}
	if mp.partialCalls < 3 {
		t.Fatalf("expected at least 3 segments, got %d partial calls", mp.partialCalls)
	}
	if mp.finalCalls != 1 {
		t.Errorf("final calls = %d, want 1", mp.finalCalls)
	}
	a := strings.Index(rep.Narrative, "alpha")
	g := strings.Index(rep.Narrative, "gamma")
	if a < 0 || g < 0 || a > g {
		t.Errorf("survivors should be synthesized in segment order: %q", rep.Narrative)
	}
	if rep.Risk != analyzer.RiskMedium {
		t.Errorf("risk = %q, want Médio", rep.Risk)
	}
}

func TestRun_AllSegmentsFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.ChunkSize = 400
	cfg.Pipeline.ChunkOverlap = 40

	mp := &mockProvider{
		partial: func(ctx context.Context, user string) (string, error) {
			return `{"translation":"sem risco"}`, nil
		},
		final: echoFinal,
	}
	o := newTestOrchestrator(t, cfg, mp, Options{})

	_, err := o.Run(context.Background(), Request{Log: paragraphs("A", "B", "C")})
	if k := pipelineKind(t, err); k != AllSegmentsFailed {
		t.Fatalf("kind = %s, want all_segments_failed", k)
	}
	if mp.finalCalls != 0 {
		t.Errorf("no synthesis call expected, got %d", mp.finalCalls)
	}
	if !errors.Is(err, analyzer.ErrExtractionFailed) {
		t.Errorf("cause should keep the extraction failures: %v", err)
	}
	var perr *PipelineError
	errors.As(err, &perr)
	if perr.Detail != "Todas as análises de chunks falharam." {
		t.Errorf("detail = %q", perr.Detail)
	}
	if strings.Contains(perr.Detail, "sem risco") {
		t.Error("detail must not leak model output")
	}
}

func TestRun_SynthesisFailed(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.ChunkSize = 400
	cfg.Pipeline.ChunkOverlap = 40

	mp := &mockProvider{
		partial: benignPartial,
		final: func(ctx context.Context, user string) (string, error) {
			return `{"translation":"t","risk_assessment":"Baixo"}`, nil
		},
	}
	o := newTestOrchestrator(t, cfg, mp, Options{})

	rep, err := o.Run(context.Background(), Request{Log: paragraphs("A", "B")})
	if rep != nil {
		t.Error("partial results must not be returned")
	}
	if k := pipelineKind(t, err); k != SynthesisFailed {
		t.Fatalf("kind = %s, want synthesis_failed", k)
	}
	if mp.finalCalls != 1 {
		t.Errorf("synthesis must not be retried: %d calls", mp.finalCalls)
	}
}

func TestRun_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.ChunkSize = 400
	cfg.Pipeline.ChunkOverlap = 40

	mp := &mockProvider{
		partial: func(ctx context.Context, user string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		final: echoFinal,
	}
	o := newTestOrchestrator(t, cfg, mp, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := o.Run(ctx, Request{Log: paragraphs("A", "B", "C")})
	if k := pipelineKind(t, err); k != Timeout {
		t.Fatalf("kind = %s, want timeout (deadline beats all_segments_failed)", k)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cause should be the deadline: %v", err)
	}
	if mp.finalCalls != 0 {
		t.Error("no synthesis after timeout")
	}
}

func TestRun_TwoHalvesWithIPs(t *testing.T) {
	const ipA, ipB = "192.0.2.10", "198.51.100.20"

	var sb strings.Builder
	line := 0
	for sb.Len() < 9000 {
		switch line {
		case 20:
			fmt.Fprintf(&sb, "Oct 19 10:%02d:00 web01 sshd[77]: Failed password for admin from %s port 4022 ssh2\n", line%60, ipA)
		case 120:
			fmt.Fprintf(&sb, "Oct 19 11:%02d:00 web01 sshd[77]: Accepted password for admin from %s port 4022 ssh2\n", line%60, ipB)
		default:
			fmt.Fprintf(&sb, "Oct 19 10:%02d:00 web01 app[42]: request served status=200\n", line%60)
		}
		line++
	}
	logText := sb.String()
	if line <= 120 {
		t.Fatalf("fixture too short: %d lines", line)
	}

	mp := &mockProvider{
		partial: func(ctx context.Context, user string) (string, error) {
			var iocs []string
			for _, ip := range []string{ipA, ipB} {
				if strings.Contains(user, ip) {
					iocs = append(iocs, fmt.Sprintf(`{"type":"ip","value":%q}`, ip))
				}
			}
			risk := "Informativo"
			if len(iocs) > 0 {
				risk = "Alto"
			}
			return fmt.Sprintf(`{"translation":"trecho","risk_assessment":%q,"iocs":[%s]}`, risk, strings.Join(iocs, ",")), nil
		},
		final: echoFinal,
	}
	o := newTestOrchestrator(t, testConfig(), mp, Options{})

	rep, err := o.Run(context.Background(), Request{Log: logText, Language: "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.partialCalls < 2 {
		t.Errorf("expected >= 2 segments, got %d", mp.partialCalls)
	}
	if mp.finalCalls != 1 {
		t.Errorf("final calls = %d, want exactly 1", mp.finalCalls)
	}
	count := map[string]int{}
	for _, ind := range rep.Indicators {
		count[ind.Value]++
	}
	if count[ipA] != 1 || count[ipB] != 1 {
		t.Errorf("each IP should appear exactly once: %v", rep.Indicators)
	}
	if len(rep.Recommendation) == 0 {
		t.Error("recommendation should not be empty")
	}
}

type fixedDetector []string

func (d fixedDetector) Hints(ctx context.Context, text string) []string { return d }

func TestRun_DetectorHintsReachPrompt(t *testing.T) {
	mp := &mockProvider{partial: benignPartial}
	o := newTestOrchestrator(t, testConfig(), mp, Options{Detector: fixedDetector{"[high] SSH login as root: Accepted password for root"}})

	if _, err := o.Run(context.Background(), Request{Log: "sshd: Accepted password for root"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(mp.prompts[0], "[high] SSH login as root") {
		t.Error("detector hints should be passed to the extractor")
	}
}

func TestNewRunID(t *testing.T) {
	seen := map[string]bool{}
	prev := ""
	for i := 0; i < 100; i++ {
		id := NewRunID()
		if len(id) != 26 {
			t.Fatalf("id %q should be a 26-character ULID", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		if id <= prev {
			t.Errorf("ids should be monotonic: %q after %q", id, prev)
		}
		seen[id] = true
		prev = id
	}
}

func TestKind_String(t *testing.T) {
	want := map[Kind]string{
		InvalidInput:      "invalid_input",
		AllSegmentsFailed: "all_segments_failed",
		SynthesisFailed:   "synthesis_failed",
		Timeout:           "timeout",
		Kind(0):           "internal",
	}
	for k, s := range want {
		if k.String() != s {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), k.String(), s)
		}
	}
}
