package survey

import (
	"slices"
	"strings"
)

const othersPrefix = "Others: "

// FinalResponse is one normalized entry of a finalized interview, in survey order.
type FinalResponse struct {
	QuestionID          string       `json:"questionId"`
	QuestionNumber      string       `json:"questionNumber,omitempty"`
	QuestionType        QuestionType `json:"questionType"`
	QuestionText        string       `json:"questionText"`
	QuestionDescription string       `json:"questionDescription,omitempty"`
	QuestionOptions     []Option     `json:"questionOptions"`
	Response            Answer       `json:"response"`
	IsRequired          bool         `json:"isRequired"`
	IsSkipped           bool         `json:"isSkipped"`
}

// Assemble builds the final response sequence from the answers and free-text overrides,
// one entry per question in the given order. It does not mutate its inputs and returns the
// same output for the same input.
func Assemble(answers map[string]Answer, questions []Question, overrides map[string]string) []FinalResponse {
	out := make([]FinalResponse, 0, len(questions))
	for _, q := range questions {
		value, ok := answers[q.ID]
		if !ok || value.Kind() == AnswerEmpty {
			value = q.EmptyAnswer()
		}
		value = resolveOthers(q, value, overrides[q.ID])
		out = append(out, FinalResponse{
			QuestionID:          q.ID,
			QuestionNumber:      q.Number,
			QuestionType:        q.Type,
			QuestionText:        q.Text,
			QuestionDescription: q.Description,
			QuestionOptions:     snapshotOptions(q.Options),
			Response:            value,
			IsRequired:          q.Required,
			IsSkipped:           value.IsEmpty(),
		})
	}
	return out
}

func resolveOthers(q Question, value Answer, freeText string) Answer {
	freeText = strings.TrimSpace(freeText)
	if freeText == "" {
		return value
	}
	others := q.OthersValues()
	switch value.Kind() {
	case AnswerSingleChoice:
		if isOthersValue(value.String(), others) {
			return SingleChoice(othersPrefix + freeText)
		}
	case AnswerMultiChoice:
		choices := value.Choices()
		replaced := false
		for i, c := range choices {
			if isOthersValue(c, others) {
				choices[i] = othersPrefix + freeText
				replaced = true
			}
		}
		if replaced {
			return MultiChoice(choices...)
		}
	case AnswerText:
		if isOthersValue(value.String(), others) {
			return Text(othersPrefix + freeText)
		}
	}
	return value
}

func isOthersValue(v string, othersValues []string) bool {
	if slices.Contains(othersValues, v) {
		return true
	}
	return isOthersLabel(v)
}

func snapshotOptions(opts []Option) []Option {
	if opts == nil {
		return []Option{}
	}
	return slices.Clone(opts)
}
