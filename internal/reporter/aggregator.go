// Package reporter renders analysis results for the terminal, as JSON and
// as a portable run package.
package reporter

import (
	"sort"
	"strings"

	"github.com/logsentinel/sentinel/internal/analyzer"
	"github.com/logsentinel/sentinel/internal/sigma"
)

// IndicatorGroup lists the indicator values of one kind, in report order.
type IndicatorGroup struct {
	Kind   string   `json:"type"`
	Values []string `json:"values"`
}

// GroupIndicators groups indicators by kind. Kinds are compared
// case-insensitively and sorted; values keep their original order and
// spelling, with exact duplicates dropped.
func GroupIndicators(iocs []analyzer.Indicator) []IndicatorGroup {
	idx := make(map[string]int)
	var groups []IndicatorGroup

	for _, ioc := range analyzer.DedupeIndicators(iocs) {
		kind := strings.ToLower(strings.TrimSpace(ioc.Kind))
		if kind == "" {
			kind = "other"
		}
		i, ok := idx[kind]
		if !ok {
			i = len(groups)
			idx[kind] = i
			groups = append(groups, IndicatorGroup{Kind: kind})
		}
		groups[i].Values = append(groups[i].Values, ioc.Value)
	}

	sort.SliceStable(groups, func(a, b int) bool { return groups[a].Kind < groups[b].Kind })
	return groups
}

// DetectionSummary counts rule matches per Sigma level.
type DetectionSummary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Other    int `json:"other"`
}

// Total returns the number of matches.
func (d DetectionSummary) Total() int {
	return d.Critical + d.High + d.Medium + d.Low + d.Other
}

// SummarizeDetections counts matches by level.
func SummarizeDetections(matches []sigma.Match) DetectionSummary {
	var s DetectionSummary
	for _, m := range matches {
		switch strings.ToLower(m.Level) {
		case "critical":
			s.Critical++
		case "high":
			s.High++
		case "medium":
			s.Medium++
		case "low":
			s.Low++
		default:
			s.Other++
		}
	}
	return s
}
