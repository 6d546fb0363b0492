package types

import (
	"strings"
)

// Status is the externally visible phase of a job.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusCommitted Status = "COMMITTED"
	StatusSubmitted Status = "SUBMITTED"
	StatusVerified  Status = "VERIFIED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusDisputed  Status = "DISPUTED"
)

// allowedTransitions is the complete job transition table. Anything not listed
// here is illegal.
var allowedTransitions = map[Status][]Status{
	StatusCreated:   {StatusCommitted, StatusExpired, StatusDisputed},
	StatusCommitted: {StatusSubmitted, StatusExpired, StatusDisputed},
	StatusSubmitted: {StatusVerified, StatusRejected, StatusDisputed},
}

// IsTerminal reports whether no further transition can leave this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusVerified, StatusRejected, StatusExpired, StatusDisputed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts user input into a Status, returning "" for unknown values.
func ParseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusCreated:
		return StatusCreated
	case StatusCommitted:
		return StatusCommitted
	case StatusSubmitted:
		return StatusSubmitted
	case StatusVerified:
		return StatusVerified
	case StatusRejected:
		return StatusRejected
	case StatusExpired:
		return StatusExpired
	case StatusDisputed:
		return StatusDisputed
	default:
		return ""
	}
}

func (s Status) String() string {
	return string(s)
}

// AllStatuses lists every job status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusCreated, StatusCommitted, StatusSubmitted,
		StatusVerified, StatusRejected, StatusExpired, StatusDisputed,
	}
}
