package types

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusStarting     Status = "starting"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusWaitingInput Status = "waiting_input"
	StatusProcessing   Status = "processing"
	StatusSuspended    Status = "suspended"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// Terminal reports whether the status is final. No transition leaves a
// terminal status.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// ActiveLike reports whether the session is considered live for the purpose
// of concurrency accounting and the stale-session sweep. Suspended sessions
// hold no process and are excluded.
func (s Status) ActiveLike() bool {
	switch s {
	case StatusInitializing, StatusStarting, StatusActive, StatusIdle,
		StatusWaitingInput, StatusProcessing, StatusTerminating:
		return true
	}
	return false
}

// transitions is the adjacency list of the session state graph, excluding the
// universal edges handled in ValidTransition.
var transitions = map[Status][]Status{
	StatusInitializing: {StatusStarting},
	StatusStarting:     {StatusActive},
	StatusActive:       {StatusIdle, StatusWaitingInput, StatusProcessing},
	StatusIdle:         {StatusActive, StatusWaitingInput},
	StatusWaitingInput: {StatusActive, StatusIdle},
	StatusProcessing:   {StatusActive},
	StatusSuspended:    {StatusIdle},
	StatusTerminating:  {StatusTerminated},
}

// ValidTransition reports whether the session status graph permits moving
// from one status to another. Any non-terminal status may move to Suspended,
// Terminating, or Failed; everything else follows the adjacency list.
func ValidTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == StatusSuspended || to == StatusTerminating || to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
