package interview

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/survey"
)

var (
	ErrDraftActive  = errors.New("an interview is already in progress")
	ErrDraftClosed  = errors.New("interview already finalized")
	ErrInvalidInput = errors.New("invalid interview input")
)

type BeginInput struct {
	SurveyID    string `validate:"required"`
	SessionID   string `validate:"required"`
	IsCatiMode  bool
	CatiQueueID string `validate:"required_if=IsCatiMode true"`
	CallID      string

	Questions []survey.Question `validate:"required,min=1"`

	Location       *repository.Location `validate:"required_unless=IsCatiMode true"`
	SelectedAC     string               `validate:"required_unless=IsCatiMode true"`
	PollingStation *repository.PollingStation
	SetNumber      *int
}

// Draft is the one interview being edited on the device. It becomes read-only once
// completed or abandoned.
type Draft struct {
	mu        sync.Mutex
	id        string
	input     BeginInput
	startedAt time.Time
	answers   map[string]survey.Answer
	overrides map[string]string
	recording *audio.Session
	stopped   *audio.Result
	closed    bool
}

func (d *Draft) ID() string {
	return d.id
}

func (d *Draft) SessionID() string {
	return d.input.SessionID
}

func (d *Draft) SetAnswer(questionID string, a survey.Answer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDraftClosed
	}
	d.answers[questionID] = a
	return nil
}

// SetOverride stores the free text typed next to an "Other" option.
func (d *Draft) SetOverride(questionID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDraftClosed
	}
	if text == "" {
		delete(d.overrides, questionID)
		return nil
	}
	d.overrides[questionID] = text
	return nil
}

func (d *Draft) Answers() map[string]survey.Answer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.answers)
}

// Preview runs assembly on the current answers without finalizing anything.
func (d *Draft) Preview(rules survey.Rules) []survey.FinalResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	return survey.Assemble(d.answers, rules.Apply(d.input.SurveyID, d.input.Questions), d.overrides)
}
