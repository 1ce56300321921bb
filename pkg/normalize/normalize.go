// Package normalize maps raw instrument export tables onto vial records.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/mmlab/vialstore/pkg/inventory"
)

var (
	// ErrMissingColumn is returned when a table lacks a required column.
	ErrMissingColumn = errors.New("missing required column")

	// ErrParse marks a row whose required fields are malformed.
	ErrParse = errors.New("parse error")

	// ErrDuplicate marks a row whose barcode already appeared earlier in the
	// same table. It is informational: the first occurrence wins.
	ErrDuplicate = errors.New("duplicate barcode ignored")
)

// Canonical field names.
const (
	FieldTray             = "tray"
	FieldVial             = "vial"
	FieldVialPosition     = "vial_position"
	FieldBarcode          = "barcode"
	FieldSampleID         = "sample_id"
	FieldUserID           = "user_id"
	FieldSubstanceName    = "substance_name"
	FieldHead             = "head"
	FieldLotID            = "lot_id"
	FieldTargetWeight     = "target_weight"
	FieldActualWeight     = "actual_weight"
	FieldOutcome          = "outcome"
	FieldDeviationPercent = "deviation_percent"
	FieldDate             = "date"
	FieldTime             = "time"
	FieldDispenseDuration = "dispense_duration"
	FieldErrorMessage     = "error_message"
	FieldStableWeight     = "stable_weight"
)

// RequiredFields must be present as columns in every table.
var RequiredFields = []string{FieldBarcode, FieldSubstanceName, FieldDate, FieldTime}

// headerAliases maps header keys (lower case, whitespace removed) to
// canonical fields. A header repeated in the export gets a ".N" suffix, so
// the second "Vial" column is the vial position.
var headerAliases = map[string]string{
	"tray":                FieldTray,
	"vial":                FieldVial,
	"vial.1":              FieldVialPosition,
	"vialposition":        FieldVialPosition,
	"barcode":             FieldBarcode,
	"chronectbarcode":     FieldBarcode,
	"sampleid":            FieldSampleID,
	"userid":              FieldUserID,
	"substancename":       FieldSubstanceName,
	"substance":           FieldSubstanceName,
	"head":                FieldHead,
	"lotid":               FieldLotID,
	"targetweight(mg)":    FieldTargetWeight,
	"targetweight":        FieldTargetWeight,
	"actualweight(mg)":    FieldActualWeight,
	"actualweight":        FieldActualWeight,
	"outcome":             FieldOutcome,
	"deviation(%)":        FieldDeviationPercent,
	"deviation":           FieldDeviationPercent,
	"deviationpercent":    FieldDeviationPercent,
	"date":                FieldDate,
	"time":                FieldTime,
	"dispenseduration(s)": FieldDispenseDuration,
	"dispenseduration":    FieldDispenseDuration,
	"errormessage":        FieldErrorMessage,
	"stableweight?":       FieldStableWeight,
	"stableweight":        FieldStableWeight,
}

// Table is one raw export sheet.
type Table struct {
	Headers []string
	Rows    [][]string
}

// RowError describes a rejected or ignored row. Row is the 1-based index of
// the data row, not counting the header, or 0 when only the barcode is
// known.
type RowError struct {
	Row     int
	Barcode string
	Field   string
	Err     error
}

func (e *RowError) Error() string {
	var b strings.Builder

	switch {
	case e.Row > 0 && e.Barcode != "":
		fmt.Fprintf(&b, "row %d (%s)", e.Row, e.Barcode)
	case e.Row > 0:
		fmt.Fprintf(&b, "row %d", e.Row)
	default:
		fmt.Fprintf(&b, "barcode %s", e.Barcode)
	}

	if e.Field != "" {
		fmt.Fprintf(&b, " %s", e.Field)
	}

	fmt.Fprintf(&b, ": %v", e.Err)

	return b.String()
}

func (e *RowError) Unwrap() error { return e.Err }

// MarshalJSON renders the error for reports.
func (e *RowError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Row     int    `json:"row"`
		Barcode string `json:"barcode,omitempty"`
		Field   string `json:"field,omitempty"`
		Reason  string `json:"reason"`
	}{e.Row, e.Barcode, e.Field, e.Err.Error()})
}

// MissingColumnError lists the required columns a table lacks.
type MissingColumnError struct {
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingColumn, strings.Join(e.Columns, ", "))
}

func (e *MissingColumnError) Is(target error) bool { return target == ErrMissingColumn }

// Result is the outcome of normalizing one table.
type Result struct {
	Source     string
	Rows       int
	Vials      []*inventory.Vial
	Failures   []*RowError
	Duplicates []*RowError
}

// Normalize maps table onto vial records stamped with the base name of
// source. Rows with malformed required fields are rejected and reported in
// Failures; the remaining rows are still returned. Completely blank rows
// are skipped.
func Normalize(table *Table, source string) (*Result, error) {
	if table == nil {
		return nil, fmt.Errorf("normalizing %s: nil table", source)
	}

	index := mapHeaders(table.Headers)

	var missing []string

	for _, f := range RequiredFields {
		if _, ok := index[f]; !ok {
			missing = append(missing, f)
		}
	}

	if len(missing) > 0 {
		return nil, &MissingColumnError{Columns: missing}
	}

	res := &Result{Source: filepath.Base(source)}
	seen := make(map[string]struct{}, len(table.Rows))

	for i, cells := range table.Rows {
		if blankRow(cells) {
			continue
		}

		res.Rows++

		get := func(field string) string {
			col, ok := index[field]
			if !ok || col >= len(cells) {
				return ""
			}

			return strings.TrimSpace(cells[col])
		}

		vial, rowErr := buildVial(get, res.Source)
		if rowErr != nil {
			rowErr.Row = i + 1
			res.Failures = append(res.Failures, rowErr)

			continue
		}

		if _, dup := seen[vial.Barcode]; dup {
			res.Duplicates = append(res.Duplicates, &RowError{
				Row:     i + 1,
				Barcode: vial.Barcode,
				Err:     ErrDuplicate,
			})

			continue
		}

		seen[vial.Barcode] = struct{}{}
		res.Vials = append(res.Vials, vial)
	}

	return res, nil
}

// HeaderKey folds a header for lookup: trimmed, lower case, with inner
// whitespace removed.
func HeaderKey(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")

	return strings.ToLower(strings.Join(strings.Fields(h), ""))
}

func mapHeaders(headers []string) map[string]int {
	index := make(map[string]int, len(headers))
	occurrences := make(map[string]int, len(headers))

	for col, h := range headers {
		key := HeaderKey(h)
		if key == "" {
			continue
		}

		n := occurrences[key]
		occurrences[key] = n + 1

		if n > 0 {
			key = key + "." + strconv.Itoa(n)
		}

		field, ok := headerAliases[key]
		if !ok {
			continue
		}

		if _, taken := index[field]; !taken {
			index[field] = col
		}
	}

	return index
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}

	return true
}

func buildVial(get func(string) string, source string) (*inventory.Vial, *RowError) {
	barcode := get(FieldBarcode)
	if barcode == "" {
		return nil, &RowError{Field: FieldBarcode, Err: fmt.Errorf("%w: empty barcode", ErrParse)}
	}

	date, clock := get(FieldDate), get(FieldTime)

	ts, err := ParseTimestamp(date, clock)
	if err != nil {
		return nil, &RowError{Barcode: barcode, Field: FieldDate, Err: err}
	}

	vial := &inventory.Vial{
		Barcode:       barcode,
		Tray:          get(FieldTray),
		VialLabel:     get(FieldVial),
		VialPosition:  get(FieldVialPosition),
		SampleID:      get(FieldSampleID),
		UserID:        get(FieldUserID),
		SubstanceName: get(FieldSubstanceName),
		Head:          get(FieldHead),
		LotID:         get(FieldLotID),
		Outcome:       get(FieldOutcome),
		ErrorMessage:  get(FieldErrorMessage),
		StableWeight:  StableWeight(get(FieldStableWeight)),
		Date:          date,
		Time:          clock,
		Timestamp:     ts.Format(inventory.TimestampLayout),
		Source:        source,
	}

	numeric := []struct {
		field string
		dest  **float64
	}{
		{FieldTargetWeight, &vial.TargetWeight},
		{FieldActualWeight, &vial.ActualWeight},
		{FieldDeviationPercent, &vial.DeviationPercent},
		{FieldDispenseDuration, &vial.DispenseDuration},
	}

	for _, n := range numeric {
		v, err := decodeNumber(get(n.field))
		if err != nil {
			return nil, &RowError{Barcode: barcode, Field: n.field, Err: err}
		}

		*n.dest = v
	}

	return vial, nil
}

// decodeNumber weakly decodes a numeric cell. Blank and NaN cells are null.
func decodeNumber(cell string) (*float64, error) {
	if cell == "" || strings.EqualFold(cell, "nan") {
		return nil, nil
	}

	var f float64
	if err := mapstructure.WeakDecode(cell, &f); err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrParse, cell)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, nil
	}

	return &f, nil
}

// StableWeight maps the tri-state stable weight cell to 1, 0 or null.
func StableWeight(cell string) *int {
	var v int

	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "yes", "y", "true", "1", "1.0":
		v = 1
	case "no", "n", "false", "0", "0.0":
		v = 0
	default:
		return nil
	}

	return &v
}
