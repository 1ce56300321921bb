package inventory

import (
	"strconv"
	"strings"
	"time"
)

const (
	// TimestampLayout is the sortable layout of Vial.Timestamp.
	TimestampLayout = "2006-01-02 15:04:05"

	// SlotRows are the rack row labels, top to bottom.
	SlotRows = "ABCDEFGH"
	// SlotColumns is the number of columns per rack row.
	SlotColumns = 12
)

// ValidSlot reports whether row and column name a slot of a rack. Rows are
// stored upper case.
func ValidSlot(row string, column int) bool {
	return len(row) == 1 && strings.Contains(SlotRows, row) &&
		column >= 1 && column <= SlotColumns
}

// Vial is one physical sample vial produced by an instrument run. Vials are
// append-only: the first ingestion of a barcode wins and the row is never
// updated or deleted afterwards.
type Vial struct {
	Barcode          string    `gorm:"primaryKey" json:"barcode"`
	Tray             string    `json:"tray,omitempty"`
	VialLabel        string    `gorm:"column:vial" json:"vial,omitempty"`
	VialPosition     string    `json:"vial_position,omitempty"`
	SampleID         string    `json:"sample_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	SubstanceName    string    `gorm:"index" json:"substance_name"`
	Head             string    `json:"head,omitempty"`
	LotID            string    `json:"lot_id,omitempty"`
	TargetWeight     *float64  `json:"target_weight,omitempty"`
	ActualWeight     *float64  `json:"actual_weight,omitempty"`
	Outcome          string    `json:"outcome,omitempty"`
	DeviationPercent *float64  `json:"deviation_percent,omitempty"`
	DispenseDuration *float64  `json:"dispense_duration,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	StableWeight     *int      `json:"stable_weight,omitempty"`
	Date             string    `json:"date,omitempty"`
	Time             string    `json:"time,omitempty"`
	Timestamp        string    `gorm:"index;not null" json:"timestamp"`
	Source           string    `json:"source,omitempty"`
	IngestedAt       time.Time `gorm:"autoCreateTime" json:"ingested_at"`
}

// TableName keeps the table name used by existing inventory databases.
func (Vial) TableName() string { return "chronect_data" }

// SlotAssignment binds a vial to one slot of a rack.
type SlotAssignment struct {
	Barcode    string    `gorm:"primaryKey" json:"barcode"`
	RackID     int       `gorm:"not null;uniqueIndex:idx_rack_slot,priority:1" json:"rack_id"`
	Row        string    `gorm:"column:slot_row;size:1;not null;uniqueIndex:idx_rack_slot,priority:2" json:"row"`
	Column     int       `gorm:"column:slot_col;not null;uniqueIndex:idx_rack_slot,priority:3" json:"column"`
	Source     string    `json:"source,omitempty"`
	AssignedAt time.Time `gorm:"autoCreateTime" json:"assigned_at"`
}

// TableName keeps the table name used by existing inventory databases.
func (SlotAssignment) TableName() string { return "hamilton_data" }

// StatusFact is the current lifecycle state of a vial.
type StatusFact struct {
	Barcode   string    `gorm:"primaryKey" json:"barcode"`
	Status    Status    `gorm:"index;not null;default:Ready" json:"status"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName keeps the table name used by existing inventory databases.
func (StatusFact) TableName() string { return "inventory_fact" }

// IngestedFile records a feed file that has been ingested, so unchanged
// files can be skipped on later scans.
type IngestedFile struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
	Checksum   string    `json:"checksum"`
	Rows       int       `json:"rows"`
	Added      int       `json:"added"`
	Duplicates int       `json:"duplicates"`
	Failures   int       `json:"failures"`
	IngestedAt time.Time `json:"ingested_at"`
}

// TableName returns the ledger table name.
func (IngestedFile) TableName() string { return "ingested_files" }

// Row is one entry of the joined view: a vial together with its status and
// slot, when it has one.
type Row struct {
	Vial
	Status       Status  `json:"status"`
	StatusSource string  `json:"status_source,omitempty"`
	RackID       *int    `json:"rack_id,omitempty"`
	SlotRow      *string `json:"row,omitempty"`
	SlotCol      *int    `json:"column,omitempty"`
}

// Slot renders the slot as "A1", or "" when the vial has no slot.
func (r *Row) Slot() string {
	if r.SlotRow == nil || r.SlotCol == nil {
		return ""
	}

	return *r.SlotRow + strconv.Itoa(*r.SlotCol)
}

// RackSummary aggregates the vials of one rack.
type RackSummary struct {
	RackID    int   `json:"rack_id"`
	Vials     int64 `json:"vials"`
	Ready     int64 `json:"ready"`
	InFridge  int64 `json:"in_fridge"`
	Completed int64 `json:"completed"`
}

// TransitionResult reports the outcome of a bulk status change.
type TransitionResult struct {
	Status    Status   `json:"status"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged,omitempty"`
	Unknown   []string `json:"unknown,omitempty"`
}
