package reporter

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/fatih/color"

	"github.com/logsentinel/sentinel/internal/analyzer"
	"github.com/logsentinel/sentinel/internal/sigma"
)

//go:embed templates/*.tmpl
var templates embed.FS

// ReportData is the complete data model passed to the templates.
type ReportData struct {
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	Language    string    `json:"language"`
	GeneratedAt time.Time `json:"generated_at"`
	Duration    string    `json:"duration"`

	Report *analyzer.FinalReport `json:"report"`

	// Sigma rule matches over the whole log (deterministic, pre-LLM)
	Detections []sigma.Match `json:"detections,omitempty"`
}

var (
	colorCritical = color.New(color.FgWhite, color.BgRed, color.Bold)
	colorHigh     = color.New(color.FgRed, color.Bold)
	colorMedium   = color.New(color.FgYellow, color.Bold)
	colorLow      = color.New(color.FgCyan)
	colorInfo     = color.New(color.FgGreen)
	colorHeading  = color.New(color.FgBlue, color.Bold)
	colorDim      = color.New(color.FgHiBlack)
)

// riskColor maps a risk level to its terminal style.
func riskColor(r analyzer.RiskLevel) *color.Color {
	switch r {
	case analyzer.RiskCritical:
		return colorCritical
	case analyzer.RiskHigh:
		return colorHigh
	case analyzer.RiskMedium:
		return colorMedium
	case analyzer.RiskLow:
		return colorLow
	default:
		return colorInfo
	}
}

func levelColor(level string) *color.Color {
	switch strings.ToLower(level) {
	case "critical":
		return colorCritical
	case "high":
		return colorHigh
	case "medium":
		return colorMedium
	case "low":
		return colorLow
	default:
		return colorDim
	}
}

// Reporter renders reports for the terminal.
type Reporter struct {
	tmpl *template.Template
}

// New creates a Reporter with the embedded text template.
func New() (*Reporter, error) {
	funcMap := template.FuncMap{
		"banner": func(r analyzer.RiskLevel) string {
			return riskColor(r).Sprintf(" RISCO: %s ", strings.ToUpper(string(r)))
		},
		"risk": func(r analyzer.RiskLevel) string {
			return riskColor(r).Sprint(string(r))
		},
		"level": func(level string) string {
			return levelColor(level).Sprintf("%-8s", level)
		},
		"heading": func(s string) string {
			return colorHeading.Sprint(s)
		},
		"dim": func(s string) string {
			return colorDim.Sprint(s)
		},
		"wrap":    wrap,
		"groups":  GroupIndicators,
		"summary": SummarizeDetections,
	}

	tmpl, err := template.New("report.txt.tmpl").Funcs(funcMap).ParseFS(templates, "templates/report.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	return &Reporter{tmpl: tmpl}, nil
}

// Render writes the terminal report.
func (r *Reporter) Render(w io.Writer, data ReportData) error {
	if data.Report == nil {
		return fmt.Errorf("render report: no report")
	}
	if err := r.tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// RenderString renders the terminal report to a string.
func (r *Reporter) RenderString(data ReportData) (string, error) {
	var buf strings.Builder
	if err := r.Render(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteJSON writes the bare FinalReport in its wire format.
func WriteJSON(w io.Writer, rep *analyzer.FinalReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(rep)
}

// wrap breaks s into lines of at most width runes, indenting each with indent spaces.
// Existing line breaks are kept.
func wrap(s string, width, indent int) string {
	pad := strings.Repeat(" ", indent)
	var out []string
	for _, para := range strings.Split(strings.TrimSpace(s), "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		line := pad + words[0]
		n := len([]rune(words[0]))
		for _, word := range words[1:] {
			wl := len([]rune(word))
			if n+1+wl > width {
				out = append(out, line)
				line, n = pad+word, wl
				continue
			}
			line += " " + word
			n += 1 + wl
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
