package operators

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/pipemend-io/pipemend/internal/metadata"
)

// RuleKind names a validation rule family.
type RuleKind string

const (
	// RuleNotNull fails when the column holds nulls or empty strings.
	RuleNotNull RuleKind = "not_null"

	// RuleUnique fails when the column holds duplicate values.
	RuleUnique RuleKind = "unique"

	// RuleRange fails when a numeric column leaves [min, max].
	RuleRange RuleKind = "range"

	// RuleRegex fails when a string column misses the pattern.
	RuleRegex RuleKind = "regex"

	// RuleAllowedValues fails when the column holds values outside the
	// enumerated set.
	RuleAllowedValues RuleKind = "allowed_values"
)

// IsValid returns true for recognized rule kinds.
func (k RuleKind) IsValid() bool {
	switch k {
	case RuleNotNull, RuleUnique, RuleRange, RuleRegex, RuleAllowedValues:
		return true
	default:
		return false
	}
}

type (
	// Rule is one declarative quality check against a column.
	//nolint:tagliatelle // snake_case is intentional for YAML rule files
	Rule struct {
		RuleID  string   `yaml:"rule_id"`
		Kind    RuleKind `yaml:"kind"`
		Column  string   `yaml:"column"`
		Min     *float64 `yaml:"min,omitempty"`
		Max     *float64 `yaml:"max,omitempty"`
		Pattern string   `yaml:"pattern,omitempty"`
		Values  []string `yaml:"values,omitempty"`
	}

	// RuleSet is the parsed form of one rules file.
	RuleSet struct {
		Rules []Rule `yaml:"rules"`
	}
)

// LoadRuleSet reads and validates a YAML rules file. Unlike optional config,
// a named rules file that is missing or malformed is an error: the operator
// asked for exactly this validation.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the orchestrator DAG definition
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	return &set, nil
}

// Validate checks structural invariants over the rule set.
func (s *RuleSet) Validate() error {
	if len(s.Rules) == 0 {
		return fmt.Errorf("%w: at least one rule", ErrMissingArgument)
	}

	seen := make(map[string]bool, len(s.Rules))

	for i, rule := range s.Rules {
		if rule.RuleID == "" {
			return fmt.Errorf("%w: rule %d needs a rule_id", ErrMissingArgument, i)
		}

		if seen[rule.RuleID] {
			return fmt.Errorf("duplicate rule_id %q", rule.RuleID)
		}

		seen[rule.RuleID] = true

		if !rule.Kind.IsValid() {
			return fmt.Errorf("rule %s: unknown kind %q", rule.RuleID, rule.Kind)
		}

		if rule.Column == "" {
			return fmt.Errorf("%w: rule %s needs a column", ErrMissingArgument, rule.RuleID)
		}

		switch rule.Kind {
		case RuleRange:
			if rule.Min == nil && rule.Max == nil {
				return fmt.Errorf("rule %s: range needs min or max", rule.RuleID)
			}
		case RuleRegex:
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("rule %s: %w", rule.RuleID, err)
			}
		case RuleAllowedValues:
			if len(rule.Values) == 0 {
				return fmt.Errorf("rule %s: allowed_values needs values", rule.RuleID)
			}
		case RuleNotNull, RuleUnique:
		}
	}

	return nil
}

// Evaluate runs every rule over the sample and returns the pass ratio with
// per-rule outcomes. An empty sample passes vacuously: absence of data is a
// freshness concern, not a rule violation.
func (s *RuleSet) Evaluate(rows []map[string]any) (float64, []metadata.RuleResult) {
	results := make([]metadata.RuleResult, 0, len(s.Rules))
	passed := 0

	for _, rule := range s.Rules {
		result := rule.evaluate(rows)
		if result.Passed {
			passed++
		}

		results = append(results, result)
	}

	return float64(passed) / float64(len(s.Rules)), results
}

func (r *Rule) evaluate(rows []map[string]any) metadata.RuleResult {
	result := metadata.RuleResult{
		RuleID: r.RuleID,
		Kind:   string(r.Kind),
		Column: r.Column,
	}

	var violations int

	switch r.Kind {
	case RuleNotNull:
		violations = r.countViolations(rows, func(value any, _ bool) bool {
			return isNull(value)
		})
	case RuleUnique:
		violations = r.countDuplicates(rows)
	case RuleRange:
		violations = r.countViolations(rows, func(value any, _ bool) bool {
			number, ok := toFloat(value)
			if !ok {
				return !isNull(value)
			}

			return (r.Min != nil && number < *r.Min) || (r.Max != nil && number > *r.Max)
		})
	case RuleRegex:
		pattern := regexp.MustCompile(r.Pattern)
		violations = r.countViolations(rows, func(value any, _ bool) bool {
			text, ok := value.(string)
			if !ok {
				return !isNull(value)
			}

			return !pattern.MatchString(text)
		})
	case RuleAllowedValues:
		allowed := make(map[string]bool, len(r.Values))
		for _, v := range r.Values {
			allowed[v] = true
		}

		violations = r.countViolations(rows, func(value any, _ bool) bool {
			if isNull(value) {
				return false
			}

			return !allowed[fmt.Sprint(value)]
		})
	}

	result.Passed = violations == 0
	result.Details = map[string]any{
		"checked_rows": len(rows),
		"violations":   violations,
	}

	return result
}

// countViolations applies the predicate to the rule's column in every row.
func (r *Rule) countViolations(rows []map[string]any, violates func(value any, present bool) bool) int {
	count := 0

	for _, row := range rows {
		value, present := row[r.Column]
		if violates(value, present) {
			count++
		}
	}

	return count
}

// countDuplicates counts rows whose column value was already seen. Nulls do
// not participate in uniqueness.
func (r *Rule) countDuplicates(rows []map[string]any) int {
	seen := make(map[string]bool, len(rows))
	duplicates := 0

	for _, row := range rows {
		value := row[r.Column]
		if isNull(value) {
			continue
		}

		key := fmt.Sprint(value)
		if seen[key] {
			duplicates++

			continue
		}

		seen[key] = true
	}

	return duplicates
}

func isNull(value any) bool {
	if value == nil {
		return true
	}

	text, ok := value.(string)

	return ok && text == ""
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		number, err := strconv.ParseFloat(v, 64)

		return number, err == nil
	default:
		return 0, false
	}
}
