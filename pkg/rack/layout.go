// Package rack packs Ready vials into 96-slot fridge racks and keeps slot
// assignments consistent with vial status.
package rack

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmlab/vialstore/pkg/inventory"
)

const (
	// Rows are the rack row labels, top to bottom.
	Rows = inventory.SlotRows
	// Columns is the number of columns per row.
	Columns = inventory.SlotColumns
	// Capacity is the number of slots in one rack.
	Capacity = len(Rows) * Columns

	// SourceAuto marks assignments made by the engine rather than loaded
	// from a layout file.
	SourceAuto = "auto"
)

var (
	// ErrCapacityExceeded is returned when vials do not fit in one rack.
	ErrCapacityExceeded = errors.New("rack capacity exceeded")

	// ErrInvalidLayout is returned for malformed layout entries.
	ErrInvalidLayout = errors.New("invalid rack layout")
)

// CapacityError reports how many vials were offered to a single rack.
type CapacityError struct {
	Vials int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %d vials for %d slots", ErrCapacityExceeded, e.Vials, Capacity)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// SlotFor returns the slot of the i-th vial of a rack in row-major order.
// i must be in [0, Capacity).
func SlotFor(i int) (string, int) {
	return string(Rows[i/Columns]), i%Columns + 1
}

// SlotIndex is the inverse of SlotFor. It returns -1 for slots outside the
// rack.
func SlotIndex(row string, column int) int {
	r := strings.Index(Rows, strings.ToUpper(row))
	if len(row) != 1 || r < 0 || column < 1 || column > Columns {
		return -1
	}

	return r*Columns + column - 1
}

// Pack lays barcodes out row-major into rack rackID. The caller orders
// barcodes and keeps them within Capacity.
func Pack(rackID int, barcodes []string, source string) []inventory.SlotAssignment {
	out := make([]inventory.SlotAssignment, 0, len(barcodes))

	for i, b := range barcodes {
		row, col := SlotFor(i)

		out = append(out, inventory.SlotAssignment{
			Barcode: b,
			RackID:  rackID,
			Row:     row,
			Column:  col,
			Source:  source,
		})
	}

	return out
}
