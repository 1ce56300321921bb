package rack

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/mmlab/vialstore/pkg/inventory"
)

// PutListHeader is the header row of a put list file.
var PutListHeader = []string{"Chronect Barcode", "Rack ID", "Row", "Column"}

// WritePutList writes the slotted rows as a put list CSV for the liquid
// handler. Rows without a slot are skipped.
func WritePutList(w io.Writer, rows []inventory.Row) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(PutListHeader); err != nil {
		return fmt.Errorf("writing put list header: %w", err)
	}

	for i := range rows {
		r := &rows[i]
		if r.RackID == nil || r.SlotRow == nil || r.SlotCol == nil {
			continue
		}

		if err := cw.Write([]string{
			r.Barcode,
			strconv.Itoa(*r.RackID),
			*r.SlotRow,
			strconv.Itoa(*r.SlotCol),
		}); err != nil {
			return fmt.Errorf("writing put list row: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}
