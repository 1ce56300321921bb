package inventory

import (
	"fmt"
	"strings"
)

// Status is the lifecycle stage of a vial.
type Status string

// Vial lifecycle statuses.
const (
	StatusReady     Status = "Ready"
	StatusInFridge  Status = "In Fridge"
	StatusCompleted Status = "Completed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusReady, StatusInFridge, StatusCompleted}

// ValidTransitions maps each status to its valid next statuses. Statuses
// only ever move forward.
var ValidTransitions = map[Status][]Status{
	StatusReady:     {StatusInFridge},
	StatusInFridge:  {StatusCompleted},
	StatusCompleted: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ValidTransitions[s]

	return ok
}

// ParseStatus resolves a status name case-insensitively, accepting
// "in_fridge" and "in-fridge" for "In Fridge".
func ParseStatus(name string) (Status, error) {
	norm := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(name))

	for _, s := range Statuses {
		if strings.EqualFold(string(s), norm) {
			return s, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// isValidTransition checks whether a status transition is allowed.
func isValidTransition(from, to Status) bool {
	valid, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, v := range valid {
		if v == to {
			return true
		}
	}

	return false
}
