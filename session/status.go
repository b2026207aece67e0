package session

import "fmt"

// Status is the lifecycle state of an import session.
type Status string

const (
	StatusReady    Status = "ready"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Terminal reports whether a run has ended in this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusFinished, StatusError:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReady, StatusRunning, StatusPaused, StatusStopped, StatusFinished, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to the given status is allowed.
//
//	ready -> running -> {paused <-> running} -> {finished | error | stopped}
//
// Terminal states may move back to running when a new worker is launched.
func (s Status) CanTransition(to Status) bool {
	switch to {
	case StatusRunning:
		return s == StatusReady || s == StatusPaused || s.Terminal()
	case StatusPaused:
		return s == StatusRunning || s == StatusPaused
	case StatusStopped, StatusFinished, StatusError:
		return s == StatusRunning || s == StatusPaused
	}
	return false
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown session status: %q", raw)
	}
	return s, nil
}
