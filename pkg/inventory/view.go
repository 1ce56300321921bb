package inventory

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// ViewOrder selects the ordering of JoinedView results.
type ViewOrder int

const (
	// OrderBarcode orders rows by barcode.
	OrderBarcode ViewOrder = iota
	// OrderTimestamp orders rows oldest first, barcode as tie-break.
	OrderTimestamp
	// OrderSlot orders rows by rack, row and column. Unassigned vials
	// come last.
	OrderSlot
)

// ViewFilter narrows JoinedView. The zero value returns every vial.
type ViewFilter struct {
	RackID    int
	Substance string
	Status    Status
	Barcodes  []string
	Order     ViewOrder
	Limit     int
}

const joinedSelect = "c.*, f.status AS status, f.source AS status_source, " +
	"h.rack_id AS rack_id, h.slot_row AS slot_row, h.slot_col AS slot_col"

func (s *store) joined(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("chronect_data AS c").
		Select(joinedSelect).
		Joins("LEFT JOIN inventory_fact AS f ON f.barcode = c.barcode").
		Joins("LEFT JOIN hamilton_data AS h ON h.barcode = c.barcode")
}

// JoinedView returns vials left-joined with their status and slot.
func (s *store) JoinedView(
	ctx context.Context, filter ViewFilter,
) ([]Row, error) {
	q := s.joined(ctx)

	if filter.RackID > 0 {
		q = q.Where("h.rack_id = ?", filter.RackID)
	}

	if filter.Substance != "" {
		q = q.Where("c.substance_name = ?", filter.Substance)
	}

	if filter.Status != "" {
		q = q.Where("f.status = ?", filter.Status)
	}

	if len(filter.Barcodes) > 0 {
		q = q.Where("c.barcode IN ?", filter.Barcodes)
	}

	switch filter.Order {
	case OrderTimestamp:
		q = q.Order("c.timestamp ASC, c.barcode ASC")
	case OrderSlot:
		q = q.Order("CASE WHEN h.rack_id IS NULL THEN 1 ELSE 0 END, " +
			"h.rack_id ASC, h.slot_row ASC, h.slot_col ASC, c.barcode ASC")
	default:
		q = q.Order("c.barcode ASC")
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []Row
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying joined view: %w", err)
	}

	return rows, nil
}

// GetRow returns the joined row of a single vial.
func (s *store) GetRow(ctx context.Context, barcode string) (*Row, error) {
	var rows []Row
	if err := s.joined(ctx).
		Where("c.barcode = ?", barcode).
		Limit(1).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("getting vial %s: %w", barcode, err)
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBarcode, barcode)
	}

	return &rows[0], nil
}

// Racks summarizes every rack in ascending rack id order.
func (s *store) Racks(ctx context.Context) ([]RackSummary, error) {
	var racks []RackSummary
	if err := s.db.WithContext(ctx).
		Table("hamilton_data AS h").
		Select("h.rack_id AS rack_id, COUNT(*) AS vials, "+
			"SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END) AS ready, "+
			"SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END) AS in_fridge, "+
			"SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END) AS completed",
			StatusReady, StatusInFridge, StatusCompleted).
		Joins("LEFT JOIN inventory_fact AS f ON f.barcode = h.barcode").
		Group("h.rack_id").
		Order("h.rack_id ASC").
		Scan(&racks).Error; err != nil {
		return nil, fmt.Errorf("listing racks: %w", err)
	}

	return racks, nil
}

// Substances returns the distinct substance names in alphabetical order.
func (s *store) Substances(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).
		Model(&Vial{}).
		Where("substance_name <> ''").
		Distinct("substance_name").
		Order("substance_name ASC").
		Pluck("substance_name", &names).Error; err != nil {
		return nil, fmt.Errorf("listing substances: %w", err)
	}

	return names, nil
}

// StatusCounts returns the number of vials per status. Every status is
// present in the result, with zero when no vial has it.
func (s *store) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	var counts []struct {
		Status Status
		Count  int64
	}

	if err := s.db.WithContext(ctx).
		Model(&StatusFact{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("counting statuses: %w", err)
	}

	out := make(map[Status]int64, len(Statuses))
	for _, st := range Statuses {
		out[st] = 0
	}

	for _, c := range counts {
		out[c.Status] = c.Count
	}

	return out, nil
}
