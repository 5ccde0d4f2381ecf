package survey

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type AnswerKind string

const (
	AnswerEmpty        AnswerKind = ""
	AnswerText         AnswerKind = "text"
	AnswerNumber       AnswerKind = "number"
	AnswerSingleChoice AnswerKind = "single_choice"
	AnswerMultiChoice  AnswerKind = "multi_choice"
)

// Answer is the value an interviewer recorded for one question.
// The zero value is the empty answer.
type Answer struct {
	kind    AnswerKind
	text    string
	number  float64
	choices []string
}

func Text(s string) Answer { return Answer{kind: AnswerText, text: s} }

func Number(n float64) Answer { return Answer{kind: AnswerNumber, number: n} }

func SingleChoice(value string) Answer { return Answer{kind: AnswerSingleChoice, text: value} }

func MultiChoice(values ...string) Answer {
	return Answer{kind: AnswerMultiChoice, choices: slices.Clone(values)}
}

func (a Answer) Kind() AnswerKind { return a.kind }

// String returns the text or selected value. Numbers are formatted without trailing zeros.
func (a Answer) String() string {
	switch a.kind {
	case AnswerText, AnswerSingleChoice:
		return a.text
	case AnswerNumber:
		return strconv.FormatFloat(a.number, 'f', -1, 64)
	case AnswerMultiChoice:
		return strings.Join(a.choices, ", ")
	default:
		return ""
	}
}

func (a Answer) Number() (float64, bool) {
	return a.number, a.kind == AnswerNumber
}

func (a Answer) Choices() []string {
	return slices.Clone(a.choices)
}

// IsEmpty reports whether the answer carries no usable value. A whitespace-only text,
// an empty selection and an empty choice list are all empty. A number is never empty.
func (a Answer) IsEmpty() bool {
	switch a.kind {
	case AnswerText, AnswerSingleChoice:
		return strings.TrimSpace(a.text) == ""
	case AnswerNumber:
		return false
	case AnswerMultiChoice:
		return len(a.choices) == 0
	default:
		return true
	}
}

// Raw returns the bare wire value the backend expects: string, float64, []string or nil.
func (a Answer) Raw() any {
	switch a.kind {
	case AnswerText, AnswerSingleChoice:
		return a.text
	case AnswerNumber:
		return a.number
	case AnswerMultiChoice:
		if a.choices == nil {
			return []string{}
		}
		return slices.Clone(a.choices)
	default:
		return nil
	}
}

func (a Answer) Equal(b Answer) bool {
	return a.kind == b.kind && a.text == b.text && a.number == b.number && slices.Equal(a.choices, b.choices)
}

type answerJSON struct {
	Kind  AnswerKind      `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON stores the answer as {"kind": ..., "value": ...} so the kind survives a round trip.
func (a Answer) MarshalJSON() ([]byte, error) {
	if a.kind == AnswerEmpty {
		return []byte(`{"kind":""}`), nil
	}
	var (
		v   []byte
		err error
	)
	switch a.kind {
	case AnswerText, AnswerSingleChoice:
		v, err = json.Marshal(a.text)
	case AnswerNumber:
		v, err = json.Marshal(a.number)
	case AnswerMultiChoice:
		choices := a.choices
		if choices == nil {
			choices = []string{}
		}
		v, err = json.Marshal(choices)
	default:
		return nil, fmt.Errorf("unknown answer kind %q", a.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(answerJSON{Kind: a.kind, Value: v})
}

func (a *Answer) UnmarshalJSON(b []byte) error {
	var raw answerJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	next := Answer{kind: raw.Kind}
	switch raw.Kind {
	case AnswerEmpty:
	case AnswerText, AnswerSingleChoice:
		if err := json.Unmarshal(raw.Value, &next.text); err != nil {
			return fmt.Errorf("decode %s answer: %w", raw.Kind, err)
		}
	case AnswerNumber:
		if err := json.Unmarshal(raw.Value, &next.number); err != nil {
			return fmt.Errorf("decode number answer: %w", err)
		}
	case AnswerMultiChoice:
		if err := json.Unmarshal(raw.Value, &next.choices); err != nil {
			return fmt.Errorf("decode multi choice answer: %w", err)
		}
		if next.choices == nil {
			next.choices = []string{}
		}
	default:
		return fmt.Errorf("unknown answer kind %q", raw.Kind)
	}
	*a = next
	return nil
}
