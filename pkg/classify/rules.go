// ABOUTME: YAML classification rules with mtime-based hot reload
// ABOUTME: Defines the rule schema and the reloading rule source

package classify

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Signal is one weighted text cue inside a rule. Location restricts
// where in the document the cue must appear.
type Signal struct {
	Text     string  `yaml:"text"`
	Location string  `yaml:"location"` // header, footer, first_pages, anywhere
	Weight   float64 `yaml:"weight"`
}

// Rule scores a document against one candidate type.
type Rule struct {
	Type      string   `yaml:"type"`
	Tags      []string `yaml:"tags"`
	Threshold float64  `yaml:"threshold"` // confidence below this routes to review
	Signals   []Signal `yaml:"signals"`
}

// DefaultThreshold applies when a rule doesn't set its own.
const DefaultThreshold = 0.7

// Unclassified is the type assigned when no rule scores above zero.
const Unclassified = "sin_clasificar"

// RuleSource loads rules from a YAML file and transparently reloads
// them when the file's mtime advances, so operators can tune rules
// without restarting the service.
type RuleSource struct {
	path string

	mu    sync.Mutex
	rules []Rule
	mtime time.Time
}

// NewRuleSource loads the rule file. A missing file is not an error:
// the source starts empty and picks the file up once it appears.
func NewRuleSource(path string) (*RuleSource, error) {
	rs := &RuleSource{path: path}
	if err := rs.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return rs, nil
}

// Rules returns the current rule set, reloading first if the file
// changed. Reload failures keep the previous rules in effect.
func (rs *RuleSource) Rules() []Rule {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if fi, err := os.Stat(rs.path); err == nil && fi.ModTime().After(rs.mtime) {
		_ = rs.load()
	}
	return rs.rules
}

// load reads and parses the rule file. Caller holds rs.mu, except in
// NewRuleSource before the source is shared.
func (rs *RuleSource) load() error {
	fi, err := os.Stat(rs.path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(rs.path)
	if err != nil {
		return err
	}

	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules %s: %w", rs.path, err)
	}
	for i := range rules {
		if rules[i].Threshold == 0 {
			rules[i].Threshold = DefaultThreshold
		}
		for j := range rules[i].Signals {
			if rules[i].Signals[j].Weight == 0 {
				rules[i].Signals[j].Weight = 0.1
			}
			if rules[i].Signals[j].Location == "" {
				rules[i].Signals[j].Location = "anywhere"
			}
		}
	}

	rs.rules = rules
	rs.mtime = fi.ModTime()
	return nil
}
