package retry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// BounceRule is one entry of a bounce classification rule file: Class is
// annotated onto any terminal response whose Content matches one of
// Patterns (case-insensitive substring or, if the entry looks like a regex
// delimited by "/", a compiled regular expression).
type BounceRule struct {
	Class    string   `json:"class" toml:"class"`
	Patterns []string `json:"patterns" toml:"patterns"`

	compiled []*regexp.Regexp
	literals []string
}

// BounceClassifier holds the merged, compiled rule set. Rules are tried in
// file-then-declaration order; the first match wins. Unmatched terminal
// responses get BounceClass "uncategorized".
type BounceClassifier struct {
	rules []BounceRule
}

const DefaultBounceClass = "uncategorized"

// LoadBounceRulesJSON parses one JSON rule file ({"rules": [...]}) and
// appends its entries.
func (c *BounceClassifier) LoadBounceRulesJSON(data []byte) error {
	var doc struct {
		Rules []BounceRule `json:"rules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("bounce rules (json): %w", err)
	}
	return c.merge(doc.Rules)
}

// LoadBounceRulesTOML parses one TOML rule file ([[rules]] tables) and
// appends its entries, per spec.md §4.6's "merged JSON/TOML rule files".
func (c *BounceClassifier) LoadBounceRulesTOML(data []byte) error {
	var doc struct {
		Rules []BounceRule `toml:"rules"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("bounce rules (toml): %w", err)
	}
	return c.merge(doc.Rules)
}

func (c *BounceClassifier) merge(rules []BounceRule) error {
	for i := range rules {
		r := rules[i]
		for _, p := range r.Patterns {
			if strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") && len(p) > 1 {
				re, err := regexp.Compile(`(?i)` + p[1:len(p)-1])
				if err != nil {
					return fmt.Errorf("bounce rule %q: %w", r.Class, err)
				}
				r.compiled = append(r.compiled, re)
			} else {
				r.literals = append(r.literals, strings.ToLower(p))
			}
		}
		c.rules = append(c.rules, r)
	}
	return nil
}

// Classify returns the BounceClass for a terminal response's content, or
// DefaultBounceClass if nothing matches.
func (c *BounceClassifier) Classify(content string) string {
	lower := strings.ToLower(content)
	for _, r := range c.rules {
		for _, lit := range r.literals {
			if strings.Contains(lower, lit) {
				return r.Class
			}
		}
		for _, re := range r.compiled {
			if re.MatchString(content) {
				return r.Class
			}
		}
	}
	return DefaultBounceClass
}
