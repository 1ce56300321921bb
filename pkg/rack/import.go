package rack

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mmlab/vialstore/pkg/inventory"
	"github.com/mmlab/vialstore/pkg/normalize"
)

// LayoutEntry places one vial in a slot of a rack layout file.
type LayoutEntry struct {
	Barcode string `json:"barcode"`
	Row     string `json:"row"`
	Column  int    `json:"column"`
}

var layoutHeaders = map[string]string{
	"chronectbarcode": "barcode",
	"barcode":         "barcode",
	"row":             "row",
	"column":          "column",
	"col":             "column",
}

// ParseLayout reads a rack layout CSV with "Chronect Barcode", "Row" and
// "Column" headers. Other columns, such as "Rack ID", are ignored.
func ParseLayout(r io.Reader) ([]LayoutEntry, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalidLayout)
		}

		return nil, fmt.Errorf("reading layout header: %w", err)
	}

	index := make(map[string]int, 3)

	for i, h := range header {
		if field, ok := layoutHeaders[normalize.HeaderKey(h)]; ok {
			if _, dup := index[field]; !dup {
				index[field] = i
			}
		}
	}

	for _, field := range []string{"barcode", "row", "column"} {
		if _, ok := index[field]; !ok {
			return nil, fmt.Errorf("%w: missing %s column", ErrInvalidLayout, field)
		}
	}

	var entries []LayoutEntry

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading layout line %d: %w", line, err)
		}

		get := func(field string) string {
			if i := index[field]; i < len(record) {
				return strings.TrimSpace(record[i])
			}

			return ""
		}

		if get("barcode") == "" && get("row") == "" && get("column") == "" {
			continue
		}

		col, err := strconv.Atoi(get("column"))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: column %q", ErrInvalidLayout, line, get("column"))
		}

		entries = append(entries, LayoutEntry{
			Barcode: get("barcode"),
			Row:     strings.ToUpper(get("row")),
			Column:  col,
		})
	}

	return entries, nil
}

// ImportLayout loads a layout as a new rack. Every barcode must be a Ready
// vial without a slot; the layout must fit one rack and use each slot and
// barcode once. The whole layout is applied or nothing is.
func (e *Engine) ImportLayout(
	ctx context.Context, source string, entries []LayoutEntry,
) (*Result, error) {
	source = filepath.Base(source)

	if err := validateLayout(entries); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	result := &Result{}

	err := e.store.InTx(ctx, func(tx inventory.Store) error {
		maxID, err := tx.MaxRackID(ctx)
		if err != nil {
			return err
		}

		rackID := maxID + 1
		assignments := make([]inventory.SlotAssignment, 0, len(entries))

		for _, entry := range entries {
			row, err := tx.GetRow(ctx, entry.Barcode)
			if err != nil {
				return err
			}

			if row.RackID != nil {
				return fmt.Errorf(
					"%w: %s already in rack %d slot %s",
					ErrInvalidLayout, entry.Barcode, *row.RackID, row.Slot(),
				)
			}

			if row.Status != inventory.StatusReady {
				return fmt.Errorf(
					"%w: %s is %q, not %q",
					inventory.ErrInvalidTransition, entry.Barcode, row.Status, inventory.StatusReady,
				)
			}

			assignments = append(assignments, inventory.SlotAssignment{
				Barcode: entry.Barcode,
				RackID:  rackID,
				Row:     strings.ToUpper(entry.Row),
				Column:  entry.Column,
				Source:  source,
			})
		}

		if err := commit(ctx, tx, assignments); err != nil {
			return err
		}

		remaining, err := tx.CountUnassignedReady(ctx)
		if err != nil {
			return err
		}

		result.RackID = rackID
		result.Assignments = assignments
		result.Remaining = remaining

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("importing layout %s: %w", source, err)
	}

	e.metrics.RackAssigned(len(result.Assignments))
	e.metrics.StatusChanged(string(inventory.StatusInFridge), len(result.Assignments))

	e.log.WithFields(logrus.Fields{
		"source":  source,
		"rack_id": result.RackID,
		"vials":   len(result.Assignments),
	}).Info("Imported rack layout")

	return result, nil
}

func validateLayout(entries []LayoutEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: no entries", ErrInvalidLayout)
	}

	if len(entries) > Capacity {
		return &CapacityError{Vials: len(entries)}
	}

	barcodes := make(map[string]struct{}, len(entries))
	slots := make(map[int]string, len(entries))

	for i, entry := range entries {
		if entry.Barcode == "" {
			return fmt.Errorf("%w: entry %d has no barcode", ErrInvalidLayout, i+1)
		}

		idx := SlotIndex(entry.Row, entry.Column)
		if idx < 0 {
			return fmt.Errorf("%w: %s has slot %s%d outside the rack",
				ErrInvalidLayout, entry.Barcode, entry.Row, entry.Column)
		}

		if _, dup := barcodes[entry.Barcode]; dup {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidLayout, entry.Barcode)
		}

		if other, taken := slots[idx]; taken {
			return fmt.Errorf("%w: slot %s%d used by %s and %s",
				ErrInvalidLayout, entry.Row, entry.Column, other, entry.Barcode)
		}

		barcodes[entry.Barcode] = struct{}{}
		slots[idx] = entry.Barcode
	}

	return nil
}
