package analyzer

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var embeddedPrompts []byte

// Language holds the instruction text for one response language.
type Language struct {
	System               string `yaml:"system"`
	PartialTask          string `yaml:"partial_task"`
	SynthesisTask        string `yaml:"synthesis_task"`
	SchemaHeading        string `yaml:"schema_heading"`
	HintsHeading         string `yaml:"hints_heading"`
	LogHeading           string `yaml:"log_heading"`
	PartialsHeading      string `yaml:"partials_heading"`
	LanguageDirective    string `yaml:"language_directive"`
	SingleJustification  string `yaml:"single_justification"`
	SingleRecommendation string `yaml:"single_recommendation"`
}

// Catalog maps language tags to instruction text.
type Catalog struct {
	Default   string              `yaml:"default"`
	Languages map[string]Language `yaml:"languages"`

	once  sync.Once
	keys  []string
	match language.Matcher
}

var defaultCatalog *Catalog

func init() {
	c, err := ParseCatalog(embeddedPrompts)
	if err != nil {
		panic(fmt.Sprintf("analyzer: embedded prompts.yaml: %v", err))
	}
	defaultCatalog = c
}

// DefaultCatalog returns the catalog embedded in the binary.
func DefaultCatalog() *Catalog { return defaultCatalog }

// ParseCatalog decodes and checks a YAML instruction catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if _, ok := c.Languages[c.Default]; !ok {
		return nil, fmt.Errorf("default language %q is not defined", c.Default)
	}
	for tag, l := range c.Languages {
		if l.System == "" || l.PartialTask == "" || l.SynthesisTask == "" ||
			l.SingleJustification == "" || l.SingleRecommendation == "" {
			return nil, fmt.Errorf("language %q is incomplete", tag)
		}
	}
	return c, nil
}

// Lookup returns the instructions for tag using BCP 47 matching, so "pt",
// "PT-br" and "pt-PT" all find "pt-BR". Unknown or malformed tags get the
// default language and ok == false.
func (c *Catalog) Lookup(tag string) (Language, bool) {
	if l, ok := c.Languages[tag]; ok {
		return l, true
	}
	t, err := language.Parse(strings.TrimSpace(tag))
	if err != nil {
		return c.Languages[c.Default], false
	}
	_, idx, conf := c.matcher().Match(t)
	if conf == language.No {
		return c.Languages[c.Default], false
	}
	return c.Languages[c.keys[idx]], true
}

// matcher builds the tag matcher once; the default language comes first so
// it wins ties and is the fallback.
func (c *Catalog) matcher() language.Matcher {
	c.once.Do(func() {
		keys := []string{c.Default}
		for _, k := range sortedKeys(c.Languages) {
			if k != c.Default {
				keys = append(keys, k)
			}
		}
		tags := make([]language.Tag, len(keys))
		for i, k := range keys {
			tags[i] = language.Make(k)
		}
		c.keys = keys
		c.match = language.NewMatcher(tags)
	})
	return c.match
}

func sortedKeys(m map[string]Language) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildPartialPrompt builds the per-segment extraction instruction.
func BuildPartialPrompt(l Language, tag, text string, hints []string) Prompt {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(l.PartialTask))
	sb.WriteString("\n")
	writeLanguageDirective(&sb, l, tag)
	writeSchema(&sb, l, PartialSchema)

	if len(hints) > 0 {
		sb.WriteString("\n")
		sb.WriteString(l.HintsHeading)
		sb.WriteString("\n")
		for _, h := range hints {
			sb.WriteString("- ")
			sb.WriteString(h)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(l.LogHeading)
	sb.WriteString("\n")
	sb.WriteString(text)

	return Prompt{System: strings.TrimSpace(l.System), User: sb.String(), Schema: PartialSchema}
}

// BuildSynthesisPrompt builds the consolidation instruction over serialized partial analyses.
func BuildSynthesisPrompt(l Language, tag string, count int, partialsJSON string) Prompt {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(l.SynthesisTask))
	sb.WriteString("\n")
	writeLanguageDirective(&sb, l, tag)
	writeSchema(&sb, l, FinalSchema)

	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s (%d)\n", l.PartialsHeading, count))
	sb.WriteString(partialsJSON)

	return Prompt{System: strings.TrimSpace(l.System), User: sb.String(), Schema: FinalSchema}
}

func writeLanguageDirective(sb *strings.Builder, l Language, tag string) {
	if tag == "" || l.LanguageDirective == "" {
		return
	}
	sb.WriteString(fmt.Sprintf(l.LanguageDirective, tag))
	sb.WriteString("\n")
}

func writeSchema(sb *strings.Builder, l Language, schema map[string]interface{}) {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		// The schemas are static literals; marshal cannot fail for them.
		panic(fmt.Sprintf("analyzer: marshal schema: %v", err))
	}
	sb.WriteString("\n")
	sb.WriteString(l.SchemaHeading)
	sb.WriteString("\n")
	sb.Write(data)
	sb.WriteString("\n")
}
