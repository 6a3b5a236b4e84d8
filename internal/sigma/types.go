package sigma

// Match records a Sigma rule hit against one log line.
type Match struct {
	RuleTitle string `json:"rule_title"`
	RuleID    string `json:"rule_id,omitempty"`
	Level     string `json:"level"` // informational | low | medium | high | critical
	Line      string `json:"line"`  // matched line for evidence
	LineNo    int    `json:"line_no"`
}
