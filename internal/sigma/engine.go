// Package sigma evaluates Sigma detection rules against log text. Each
// non-empty line becomes one event of the form {"message": line}.
package sigma

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	sigmalib "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
)

// Category is the logsource.category a rule must declare (or leave empty)
// to be evaluated against log lines.
const Category = "log"

const (
	maxHints    = 10
	maxHintLine = 200
)

//go:embed rules
var embeddedRules embed.FS

// Engine evaluates Sigma rules against log text. It is safe for concurrent use.
type Engine struct {
	rules []evaluator.RuleEvaluator
}

// NewDefault creates an Engine loaded with the built-in embedded Sigma rules.
func NewDefault() (*Engine, error) {
	sub, err := fs.Sub(embeddedRules, "rules")
	if err != nil {
		return nil, err
	}
	return New(sub)
}

// New creates an Engine by loading Sigma rules from the given FS.
// All .yml/.yaml files are parsed as Sigma rules; rules scoped to another
// logsource category are skipped.
func New(rulesFS fs.FS) (*Engine, error) {
	var rules []evaluator.RuleEvaluator

	err := fs.WalkDir(rulesFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		data, err := fs.ReadFile(rulesFS, path)
		if err != nil {
			return err
		}
		rule, err := sigmalib.ParseRule(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if cat := rule.Logsource.Category; cat != "" && cat != Category {
			return nil
		}
		rules = append(rules, *evaluator.ForRule(rule))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Engine{rules: rules}, nil
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int { return len(e.rules) }

// Match evaluates every rule against each line of text. A rule is reported
// at most once, for the first line it matches; matches come back in rule
// load order.
func (e *Engine) Match(ctx context.Context, text string) []Match {
	type event struct {
		no   int
		line string
		data map[string]interface{}
	}
	var events []event
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		events = append(events, event{no: i + 1, line: line, data: map[string]interface{}{"message": line}})
	}
	if len(events) == 0 {
		return nil
	}

	var matches []Match
	for _, ev := range e.rules {
		if ctx.Err() != nil {
			break
		}
		for _, event := range events {
			res, err := ev.Matches(ctx, event.data)
			if err != nil || !res.Match {
				continue
			}
			matches = append(matches, Match{
				RuleTitle: ev.Rule.Title,
				RuleID:    ev.Rule.ID,
				Level:     ev.Rule.Level,
				Line:      event.line,
				LineNo:    event.no,
			})
			break // one match per rule per text is sufficient
		}
	}
	return matches
}

// Hints renders matches as short lines for the extraction instruction,
// e.g. "[high] SSH login as root: Accepted password for root from ...".
func (e *Engine) Hints(ctx context.Context, text string) []string {
	matches := e.Match(ctx, text)
	if len(matches) == 0 {
		return nil
	}
	if len(matches) > maxHints {
		matches = matches[:maxHints]
	}
	hints := make([]string, len(matches))
	for i, m := range matches {
		hints[i] = fmt.Sprintf("[%s] %s: %s", m.Level, m.RuleTitle, clip(m.Line, maxHintLine))
	}
	return hints
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
