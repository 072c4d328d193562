// Package mapping transforms a bibliographic record into target-repository
// metadata through a declarative, priority-ordered rule table. The transform
// is pure: no I/O, no state, and it never fails past its own boundary.
// Fields that cannot be mapped are simply absent from the output.
package mapping

import (
	"regexp"

	"biblio-integrator/internal/marc"
)

// ExistingHandleField is the output key carrying a previously recorded
// repository reference, extracted independently of the rule table. Callers
// use it to detect a record that is already linked.
const ExistingHandleField = "repository.handle"

// handleTag/handleCode locate the durable repository link in the record.
const (
	handleTag  = "856"
	handleCode = "u"
)

// tableDefaultKey selects the fallback entry of a value table.
const tableDefaultKey = "DEFAULT"

// Source locates one candidate value in the record.
type Source struct {
	Tag      string `yaml:"tag"`
	Subfield string `yaml:"subfield"`
}

// Rule maps one target field from one or more prioritized sources.
type Rule struct {
	TargetField string            `yaml:"field"`
	Sources     []Source          `yaml:"sources"`
	Multivalue  bool              `yaml:"multivalue"`
	Regex       string            `yaml:"regex"`
	ValueTable  map[string]string `yaml:"table"`

	re *regexp.Regexp
}

// Engine applies a compiled rule table.
type Engine struct {
	rules []Rule
}

// NewEngine compiles the rule table. A rule with an invalid regular
// expression is rejected here so that Map can stay total.
func NewEngine(rules []Rule) (*Engine, error) {
	compiled := make([]Rule, len(rules))
	copy(compiled, rules)
	for i := range compiled {
		if compiled[i].Regex == "" {
			continue
		}
		re, err := regexp.Compile(compiled[i].Regex)
		if err != nil {
			return nil, err
		}
		compiled[i].re = re
	}
	return &Engine{rules: compiled}, nil
}

// Map produces target metadata from the record. Single-valued rules take
// the first source that yields a non-empty value; multivalue rules collect
// every occurrence from every source, in source then declaration order.
func (e *Engine) Map(rec *marc.Record) map[string]any {
	out := make(map[string]any, len(e.rules)+1)
	if rec == nil {
		out[ExistingHandleField] = nil
		return out
	}
	for _, rule := range e.rules {
		values := gather(rec, rule)
		values = applyRegex(rule, values)
		values = applyTable(rule, values)
		if len(values) == 0 {
			continue
		}
		if rule.Multivalue {
			out[rule.TargetField] = values
		} else {
			out[rule.TargetField] = values[0]
		}
	}
	if h := rec.First(handleTag, handleCode); h != "" {
		out[ExistingHandleField] = h
	} else {
		out[ExistingHandleField] = nil
	}
	return out
}

// ExistingHandle extracts the already-linked repository reference from a
// mapped output, or "" when the record has none.
func ExistingHandle(mapped map[string]any) string {
	if v, ok := mapped[ExistingHandleField].(string); ok {
		return v
	}
	return ""
}

func gather(rec *marc.Record, rule Rule) []string {
	var values []string
	for _, src := range rule.Sources {
		if rule.Multivalue {
			values = append(values, rec.All(src.Tag, src.Subfield)...)
			continue
		}
		if v := rec.First(src.Tag, src.Subfield); v != "" {
			return []string{v}
		}
	}
	return values
}

// applyRegex keeps only values matching the pattern and reduces each match
// to its first capture group. Non-matching values are dropped, not passed
// through verbatim.
func applyRegex(rule Rule, values []string) []string {
	if rule.re == nil {
		return values
	}
	var out []string
	for _, v := range values {
		m := rule.re.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return out
}

// applyTable translates each value through the controlled vocabulary.
// Unknown inputs fall back to the table's DEFAULT entry, never to the
// original string.
func applyTable(rule Rule, values []string) []string {
	if len(rule.ValueTable) == 0 {
		return values
	}
	var out []string
	for _, v := range values {
		if mapped, ok := rule.ValueTable[v]; ok {
			out = append(out, mapped)
			continue
		}
		if def, ok := rule.ValueTable[tableDefaultKey]; ok {
			out = append(out, def)
		}
	}
	return out
}
