package inventory

import (
	"context"
	"fmt"
)

// AnomalyKind classifies records that disagree with each other.
type AnomalyKind string

const (
	// AnomalyAssignedButReady is a slot assignment whose vial is still
	// Ready, left behind when the status flip of an assignment is lost.
	AnomalyAssignedButReady AnomalyKind = "assigned_but_ready"
	// AnomalyStoredWithoutSlot is an In Fridge or Completed vial that has
	// no slot assignment.
	AnomalyStoredWithoutSlot AnomalyKind = "stored_without_slot"
	// AnomalyMissingStatus is a vial without a status fact.
	AnomalyMissingStatus AnomalyKind = "missing_status"
	// AnomalyOrphanStatus is a status fact without a vial.
	AnomalyOrphanStatus AnomalyKind = "orphan_status"
	// AnomalyOrphanAssignment is a slot assignment without a vial.
	AnomalyOrphanAssignment AnomalyKind = "orphan_assignment"
)

// Anomaly is one inconsistent record found by Anomalies.
type Anomaly struct {
	Kind    AnomalyKind `json:"kind"`
	Barcode string      `json:"barcode"`
	Status  Status      `json:"status,omitempty"`
	RackID  *int        `json:"rack_id,omitempty"`
}

func (a Anomaly) String() string {
	if a.RackID != nil {
		return fmt.Sprintf("%s: %s (status=%q rack=%d)", a.Kind, a.Barcode, a.Status, *a.RackID)
	}

	return fmt.Sprintf("%s: %s (status=%q)", a.Kind, a.Barcode, a.Status)
}

// Anomalies scans for records that violate the relationships between
// vials, slot assignments and status facts.
func (s *store) Anomalies(ctx context.Context) ([]Anomaly, error) {
	checks := []struct {
		kind  AnomalyKind
		query func(dest *[]Anomaly) error
	}{
		{
			kind: AnomalyAssignedButReady,
			query: func(dest *[]Anomaly) error {
				return s.db.WithContext(ctx).
					Table("hamilton_data AS h").
					Select("h.barcode AS barcode, f.status AS status, h.rack_id AS rack_id").
					Joins("JOIN inventory_fact AS f ON f.barcode = h.barcode").
					Where("f.status = ?", StatusReady).
					Order("h.barcode ASC").
					Scan(dest).Error
			},
		},
		{
			kind: AnomalyStoredWithoutSlot,
			query: func(dest *[]Anomaly) error {
				return s.db.WithContext(ctx).
					Table("inventory_fact AS f").
					Select("f.barcode AS barcode, f.status AS status").
					Joins("LEFT JOIN hamilton_data AS h ON h.barcode = f.barcode").
					Where("f.status IN ? AND h.barcode IS NULL",
						[]Status{StatusInFridge, StatusCompleted}).
					Order("f.barcode ASC").
					Scan(dest).Error
			},
		},
		{
			kind: AnomalyMissingStatus,
			query: func(dest *[]Anomaly) error {
				return s.db.WithContext(ctx).
					Table("chronect_data AS c").
					Select("c.barcode AS barcode").
					Joins("LEFT JOIN inventory_fact AS f ON f.barcode = c.barcode").
					Where("f.barcode IS NULL").
					Order("c.barcode ASC").
					Scan(dest).Error
			},
		},
		{
			kind: AnomalyOrphanStatus,
			query: func(dest *[]Anomaly) error {
				return s.db.WithContext(ctx).
					Table("inventory_fact AS f").
					Select("f.barcode AS barcode, f.status AS status").
					Joins("LEFT JOIN chronect_data AS c ON c.barcode = f.barcode").
					Where("c.barcode IS NULL").
					Order("f.barcode ASC").
					Scan(dest).Error
			},
		},
		{
			kind: AnomalyOrphanAssignment,
			query: func(dest *[]Anomaly) error {
				return s.db.WithContext(ctx).
					Table("hamilton_data AS h").
					Select("h.barcode AS barcode, h.rack_id AS rack_id").
					Joins("LEFT JOIN chronect_data AS c ON c.barcode = h.barcode").
					Where("c.barcode IS NULL").
					Order("h.barcode ASC").
					Scan(dest).Error
			},
		},
	}

	var out []Anomaly

	for _, check := range checks {
		var found []Anomaly
		if err := check.query(&found); err != nil {
			return nil, fmt.Errorf("checking %s: %w", check.kind, err)
		}

		for i := range found {
			found[i].Kind = check.kind
		}

		out = append(out, found...)
	}

	return out, nil
}
