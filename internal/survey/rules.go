package survey

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

type RuleAction string

const (
	RuleMoveAfter RuleAction = "move_after"
	RuleHide      RuleAction = "hide"
)

// Rule is a survey-specific ordering or visibility adjustment.
type Rule struct {
	Action   RuleAction `yaml:"action"`
	Question string     `yaml:"question"`
	Anchor   string     `yaml:"anchor,omitempty"`
}

// Rules maps a survey ID to the rules applied to it, in order.
type Rules map[string][]Rule

type rulesFile struct {
	Surveys map[string][]Rule `yaml:"surveys"`
}

func LoadRules(path string) (Rules, error) {
	if path == "" {
		return Rules{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read survey rules: %w", err)
	}
	return ParseRules(b)
}

func ParseRules(b []byte) (Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse survey rules: %w", err)
	}
	rules := make(Rules, len(f.Surveys))
	for surveyID, list := range f.Surveys {
		for i, r := range list {
			if err := r.validate(); err != nil {
				return nil, fmt.Errorf("survey %s rule %d: %w", surveyID, i, err)
			}
		}
		rules[surveyID] = list
	}
	return rules, nil
}

func (r Rule) validate() error {
	if r.Question == "" {
		return fmt.Errorf("question is required")
	}
	switch r.Action {
	case RuleHide:
	case RuleMoveAfter:
		if r.Anchor == "" {
			return fmt.Errorf("anchor is required for %s", r.Action)
		}
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// Apply returns the question list for surveyID after applying its rules. Rules that
// reference unknown questions are skipped. The input slice is not modified.
func (rs Rules) Apply(surveyID string, questions []Question) []Question {
	out := slices.Clone(questions)
	for _, r := range rs[surveyID] {
		idx := indexOfQuestion(out, r.Question)
		if idx < 0 {
			continue
		}
		switch r.Action {
		case RuleHide:
			out = slices.Delete(out, idx, idx+1)
		case RuleMoveAfter:
			if r.Anchor == r.Question || indexOfQuestion(out, r.Anchor) < 0 {
				continue
			}
			q := out[idx]
			out = slices.Delete(out, idx, idx+1)
			anchor := indexOfQuestion(out, r.Anchor)
			out = slices.Insert(out, anchor+1, q)
		}
	}
	return out
}

func indexOfQuestion(qs []Question, id string) int {
	return slices.IndexFunc(qs, func(q Question) bool { return q.ID == id })
}
