package audio

import (
	"fmt"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StatePaused
	// StateStopping holds until the stopped recording has been unloaded.
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventKind int

const (
	EventStart EventKind = iota
	EventPermissionGranted
	EventPermissionDenied
	EventPermissionError
	EventAttemptSucceeded
	EventAttemptFailed
	EventTimeout
	EventPause
	EventResume
	EventStop
	EventReleased
)

type Event struct {
	Kind EventKind
	Err  error
}

type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectRequestPermission
	EffectRunAttempt
	EffectReady
	EffectFail
	EffectPause
	EffectResume
	EffectRelease
)

type Effect struct {
	Kind EffectKind
	// ConfigIndex and Backoff apply to EffectRunAttempt.
	ConfigIndex int
	Backoff     time.Duration
	Err         error
}

// Machine is the recording lifecycle. Transition is pure; the controller performs effects.
type Machine struct {
	State       State
	Attempt     int
	MaxAttempts int
	Configs     int
	BackoffBase time.Duration
}

func NewMachine(configs, maxAttempts int, backoffBase time.Duration) Machine {
	return Machine{State: StateIdle, MaxAttempts: maxAttempts, Configs: configs, BackoffBase: backoffBase}
}

// configIndex walks the ladder once and then keeps retrying its last entry.
func (m Machine) configIndex(attempt int) int {
	if attempt >= m.Configs {
		return m.Configs - 1
	}
	return attempt
}

func (m Machine) runAttempt(attempt int) Effect {
	return Effect{
		Kind:        EffectRunAttempt,
		ConfigIndex: m.configIndex(attempt),
		Backoff:     time.Duration(attempt) * m.BackoffBase,
	}
}

func Transition(m Machine, ev Event) (Machine, Effect) {
	switch m.State {
	case StateIdle:
		if ev.Kind == EventStart {
			if m.Configs == 0 || m.MaxAttempts <= 0 {
				return m, Effect{Kind: EffectFail, Err: ErrRecordingUnavailable}
			}
			m.State = StateStarting
			m.Attempt = 0
			return m, Effect{Kind: EffectRequestPermission}
		}
	case StateStarting:
		switch ev.Kind {
		case EventPermissionGranted:
			return m, m.runAttempt(m.Attempt)
		case EventPermissionDenied:
			m.State = StateIdle
			return m, Effect{Kind: EffectFail, Err: ErrPermissionDenied}
		case EventPermissionError:
			m.State = StateIdle
			return m, Effect{Kind: EffectFail, Err: wrapUnavailable(ev.Err)}
		case EventAttemptSucceeded:
			m.State = StateRecording
			return m, Effect{Kind: EffectReady}
		case EventAttemptFailed:
			m.Attempt++
			if m.Attempt >= m.MaxAttempts {
				m.State = StateIdle
				return m, Effect{Kind: EffectFail, Err: wrapUnavailable(ev.Err)}
			}
			return m, m.runAttempt(m.Attempt)
		case EventTimeout:
			m.State = StateIdle
			return m, Effect{Kind: EffectFail, Err: fmt.Errorf("%w: %w", ErrRecordingUnavailable, ErrStartTimeout)}
		}
	case StateRecording:
		switch ev.Kind {
		case EventPause:
			m.State = StatePaused
			return m, Effect{Kind: EffectPause}
		case EventStop:
			m.State = StateStopping
			return m, Effect{Kind: EffectRelease}
		}
	case StatePaused:
		switch ev.Kind {
		case EventResume:
			m.State = StateRecording
			return m, Effect{Kind: EffectResume}
		case EventStop:
			m.State = StateStopping
			return m, Effect{Kind: EffectRelease}
		}
	case StateStopping:
		if ev.Kind == EventReleased {
			m.State = StateStopped
		}
	case StateStopped:
	}
	return m, Effect{Kind: EffectNone}
}

func wrapUnavailable(err error) error {
	if err == nil {
		return ErrRecordingUnavailable
	}
	return fmt.Errorf("%w: %w", ErrRecordingUnavailable, err)
}
