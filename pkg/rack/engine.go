package rack

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/metrics"
)

// Policy decides what happens when more vials are pending than fit in one
// rack.
type Policy int

const (
	// PolicyTruncate fills the rack with the oldest vials and leaves the
	// rest Ready for the next rack.
	PolicyTruncate Policy = iota
	// PolicySingleRack refuses to assign anything when the pending vials do
	// not fit in one rack.
	PolicySingleRack
)

// ParsePolicy maps "truncate" and "single" to a Policy. The empty string
// is PolicyTruncate.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "truncate":
		return PolicyTruncate, nil
	case "single", "single-rack", "single_rack":
		return PolicySingleRack, nil
	default:
		return 0, fmt.Errorf("unknown assignment mode %q", s)
	}
}

// Result describes one assignment run. RackID is 0 when nothing was
// assigned.
type Result struct {
	RackID      int                        `json:"rack_id"`
	Assignments []inventory.SlotAssignment `json:"assignments"`
	// Remaining is the number of Ready vials still without a slot.
	Remaining int64 `json:"remaining"`
}

// Engine assigns rack slots. Assignment and the matching status change are
// committed together, and runs are serialized.
type Engine struct {
	log     logrus.FieldLogger
	store   inventory.Store
	metrics *metrics.Metrics
	mu      sync.Mutex
}

// NewEngine creates an assignment engine over store.
func NewEngine(
	log logrus.FieldLogger,
	store inventory.Store,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		log:     log.WithField("component", "rack"),
		store:   store,
		metrics: m,
	}
}

// AssignReadyVials packs up to Capacity of the oldest unassigned Ready
// vials into a new rack and moves them to In Fridge.
func (e *Engine) AssignReadyVials(ctx context.Context) (*Result, error) {
	return e.Assign(ctx, PolicyTruncate)
}

// Assign packs unassigned Ready vials into a new rack, oldest first with
// barcode as tie-break. Either every chosen vial gets a slot and moves to
// In Fridge, or nothing changes.
func (e *Engine) Assign(ctx context.Context, policy Policy) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &Result{}

	err := e.store.InTx(ctx, func(tx inventory.Store) error {
		maxID, err := tx.MaxRackID(ctx)
		if err != nil {
			return err
		}

		vials, err := tx.UnassignedReadyVials(ctx, Capacity+1)
		if err != nil {
			return err
		}

		if len(vials) == 0 {
			return nil
		}

		if len(vials) > Capacity {
			if policy == PolicySingleRack {
				pending, err := tx.CountUnassignedReady(ctx)
				if err != nil {
					return err
				}

				return &CapacityError{Vials: int(pending)}
			}

			vials = vials[:Capacity]
		}

		barcodes := make([]string, len(vials))
		for i := range vials {
			barcodes[i] = vials[i].Barcode
		}

		assignments := Pack(maxID+1, barcodes, SourceAuto)
		if err := commit(ctx, tx, assignments); err != nil {
			return err
		}

		remaining, err := tx.CountUnassignedReady(ctx)
		if err != nil {
			return err
		}

		result.RackID = maxID + 1
		result.Assignments = assignments
		result.Remaining = remaining

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assigning rack: %w", err)
	}

	if result.RackID == 0 {
		e.log.Info("No unassigned ready vials")

		return result, nil
	}

	e.metrics.RackAssigned(len(result.Assignments))
	e.metrics.StatusChanged(string(inventory.StatusInFridge), len(result.Assignments))

	e.log.WithFields(logrus.Fields{
		"rack_id":   result.RackID,
		"vials":     len(result.Assignments),
		"remaining": result.Remaining,
	}).Info("Assigned rack")

	return result, nil
}

// commit writes the slots of a new rack and moves its vials to In Fridge
// inside tx.
func commit(
	ctx context.Context, tx inventory.Store, assignments []inventory.SlotAssignment,
) error {
	barcodes := make([]string, len(assignments))
	for i := range assignments {
		barcodes[i] = assignments[i].Barcode
	}

	if err := tx.InsertAssignments(ctx, assignments); err != nil {
		return err
	}

	res, err := tx.SetStatus(ctx, barcodes, inventory.StatusInFridge)
	if err != nil {
		return err
	}

	if len(res.Updated) != len(barcodes) {
		return fmt.Errorf(
			"%w: %d of %d vials moved to %s",
			inventory.ErrInconsistentState, len(res.Updated), len(barcodes), inventory.StatusInFridge,
		)
	}

	return nil
}

// Pending returns the number of Ready vials waiting for a slot.
func (e *Engine) Pending(ctx context.Context) (int64, error) {
	return e.store.CountUnassignedReady(ctx)
}
