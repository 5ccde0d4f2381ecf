package connectivity

import "context"

// Probe reports whether the backend is reachable right now.
type Probe interface {
	IsOnline(ctx context.Context) bool
}

// Static is a Probe with a fixed answer.
type Static bool

func (s Static) IsOnline(context.Context) bool {
	return bool(s)
}
