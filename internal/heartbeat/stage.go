package heartbeat

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// StageRule maps an output pattern to a stage label. Rules are ordered: the
// first match wins.
type StageRule struct {
	re    *regexp.Regexp
	label string
}

// Classifier derives a best-effort stage label from recent agent output.
// It is advisory only and must never influence control decisions.
type Classifier struct {
	rules []StageRule
}

// defaultRules cover the common phases of coding-agent output.
var defaultRules = []struct{ pattern, label string }{
	{`(?i)Read|Glob|Grep|searching`, "exploring"},
	{`(?i)Write|Edit|creating file`, "writing"},
	{`(?i)pytest|npm test|jest|go test|make test`, "testing"},
	{`(?i)git commit|git push`, "committing"},
	{`(?i)thinking|planning|analyzing`, "planning"},
	{`(?i)pip install|npm install|go get|poetry`, "installing"},
}

// NewClassifier returns a classifier with the built-in rules.
func NewClassifier() *Classifier {
	c := &Classifier{}
	for _, r := range defaultRules {
		c.rules = append(c.rules, StageRule{re: regexp.MustCompile(r.pattern), label: r.label})
	}
	return c
}

// stageRulesFile is the on-disk format for custom stage rules.
type stageRulesFile struct {
	Stages []struct {
		Match string `yaml:"match"`
		Label string `yaml:"label"`
	} `yaml:"stages"`
}

// LoadClassifier reads stage rules from a YAML file, replacing the defaults.
func LoadClassifier(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage rules: %w", err)
	}

	var file stageRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal stage rules: %w", err)
	}
	if len(file.Stages) == 0 {
		return nil, fmt.Errorf("stage rules file %s defines no stages", path)
	}

	c := &Classifier{}
	for _, s := range file.Stages {
		re, err := regexp.Compile(s.Match)
		if err != nil {
			return nil, fmt.Errorf("compile stage pattern %q: %w", s.Match, err)
		}
		c.rules = append(c.rules, StageRule{re: re, label: s.Label})
	}
	return c, nil
}

// Classify returns the label of the first matching rule, or "" when nothing
// matches or there is no output yet.
func (c *Classifier) Classify(output string) string {
	if output == "" {
		return ""
	}
	for _, r := range c.rules {
		if r.re.MatchString(output) {
			return r.label
		}
	}
	return ""
}
