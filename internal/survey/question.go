package survey

import (
	"regexp"
	"strings"
)

type QuestionType string

const (
	QuestionText           QuestionType = "text"
	QuestionTextarea       QuestionType = "textarea"
	QuestionNumber         QuestionType = "number"
	QuestionRating         QuestionType = "rating"
	QuestionDate           QuestionType = "date"
	QuestionSingleChoice   QuestionType = "single_choice"
	QuestionDropdown       QuestionType = "dropdown"
	QuestionYesNo          QuestionType = "yes_no"
	QuestionMultipleChoice QuestionType = "multiple_choice"
)

type Option struct {
	ID    string `json:"id,omitempty" yaml:"id"`
	Text  string `json:"text" yaml:"text"`
	Value string `json:"value" yaml:"value"`
	Code  string `json:"code,omitempty" yaml:"code"`
}

type Question struct {
	ID          string       `json:"id" yaml:"id"`
	Number      string       `json:"questionNumber,omitempty" yaml:"number"`
	Type        QuestionType `json:"type" yaml:"type"`
	Text        string       `json:"text" yaml:"text"`
	Description string       `json:"description,omitempty" yaml:"description"`
	Required    bool         `json:"required" yaml:"required"`
	Options     []Option     `json:"options,omitempty" yaml:"options"`
}

func (q Question) IsMultiChoice() bool {
	return q.Type == QuestionMultipleChoice
}

func (q Question) IsChoice() bool {
	switch q.Type {
	case QuestionSingleChoice, QuestionDropdown, QuestionYesNo, QuestionMultipleChoice:
		return true
	default:
		return false
	}
}

// EmptyAnswer is what an unanswered question resolves to.
func (q Question) EmptyAnswer() Answer {
	if q.IsMultiChoice() {
		return MultiChoice()
	}
	return Answer{}
}

var (
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	othersLabel   = regexp.MustCompile(`^others?\b`)
)

// IsOthersOption matches "Other", "Others", "Other (please specify)" and similar labels.
func IsOthersOption(o Option) bool {
	return isOthersLabel(o.Text) || isOthersLabel(o.Value)
}

func isOthersLabel(s string) bool {
	s = strings.ToLower(strings.TrimSpace(parenthetical.ReplaceAllString(s, "")))
	s = strings.TrimRight(s, " .:-")
	return othersLabel.MatchString(s)
}

// OthersValues returns the option values of the question that denote "Other".
func (q Question) OthersValues() []string {
	var out []string
	for _, o := range q.Options {
		if IsOthersOption(o) {
			out = append(out, o.Value)
		}
	}
	return out
}
