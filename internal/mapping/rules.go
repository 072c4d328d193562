package mapping

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultRules is the built-in MARC to Dublin Core rule table, used when no
// rules file is configured. Operators retarget the mapping by pointing
// MAPPING_RULES_PATH at a YAML file of the same shape.
func DefaultRules() []Rule {
	return []Rule{
		{
			TargetField: "dc.title",
			Sources:     []Source{{Tag: "245", Subfield: "a"}},
		},
		{
			TargetField: "dc.contributor.author",
			Sources:     []Source{{Tag: "100", Subfield: "a"}},
		},
		{
			TargetField: "dc.contributor.other",
			Sources:     []Source{{Tag: "700", Subfield: "a"}},
			Multivalue:  true,
		},
		{
			// Corporate author, kept apart from personal names.
			TargetField: "dc.contributor",
			Sources:     []Source{{Tag: "110", Subfield: "a"}},
		},
		{
			// RDA 264$c first, pre-RDA 260$c second; keep the year only.
			TargetField: "dc.date.issued",
			Sources: []Source{
				{Tag: "264", Subfield: "c"},
				{Tag: "260", Subfield: "c"},
			},
			Regex: `(\d{4})`,
		},
		{
			TargetField: "dc.type",
			Sources:     []Source{{Tag: "942", Subfield: "c"}},
			ValueTable: map[string]string{
				"BK":      "Book",
				"MP":      "Map",
				"DEFAULT": "Book",
			},
		},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule table from path; an empty path yields the
// built-in defaults.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mapping rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("mapping rules file %s contains no rules", path)
	}
	for _, r := range f.Rules {
		if r.TargetField == "" {
			return nil, fmt.Errorf("mapping rule without a target field in %s", path)
		}
		if len(r.Sources) == 0 {
			return nil, fmt.Errorf("mapping rule %s has no sources", r.TargetField)
		}
	}
	return f.Rules, nil
}
