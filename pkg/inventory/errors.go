package inventory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownBarcode is returned when a write references a barcode that
	// has no vial record.
	ErrUnknownBarcode = errors.New("unknown barcode")

	// ErrInvalidStatus is returned for a status name outside the lifecycle.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidTransition is returned when a status change would move a
	// vial backwards or skip a stage.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInconsistentState marks records that disagree with each other, such
	// as a slot assignment whose vial is still Ready.
	ErrInconsistentState = errors.New("inconsistent inventory state")

	// ErrInvalidAssignment is returned for a slot assignment with an
	// impossible rack, row or column.
	ErrInvalidAssignment = errors.New("invalid slot assignment")
)

// TransitionError lists the vials whose current status does not allow the
// requested transition. It matches both ErrInvalidTransition and
// ErrInconsistentState.
type TransitionError struct {
	To       Status
	Rejected map[string]Status
}

func (e *TransitionError) Error() string {
	barcodes := make([]string, 0, len(e.Rejected))
	for b := range e.Rejected {
		barcodes = append(barcodes, b)
	}

	sort.Strings(barcodes)

	parts := make([]string, 0, len(barcodes))
	for _, b := range barcodes {
		parts = append(parts, fmt.Sprintf("%s (%s)", b, e.Rejected[b]))
	}

	return fmt.Sprintf(
		"%s: cannot move %d vial(s) to %q: %s",
		ErrInvalidTransition, len(barcodes), e.To, strings.Join(parts, ", "),
	)
}

// Is lets errors.Is match the sentinel conditions.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition || target == ErrInconsistentState
}
