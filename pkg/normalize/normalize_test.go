package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var chronectHeaders = []string{
	"Tray", "Vial", "Vial", "Barcode", "SampleID", "UserID", " Substance Name ",
	"Head", "Lot ID", "Target Weight (mg)", "Actual Weight (mg)", "Outcome",
	"Deviation (%)", "Date", "Time", "Dispense Duration (s)", "Error Message",
	"Stable Weight?",
}

func chronectRow(barcode, substance, date, clock string) []string {
	return []string{
		"T1", "V1", "3", barcode, "S-1", "amd", substance,
		"H2", "LOT9", "10.0", "10.12", "Success",
		"1.2", date, clock, "42", "", "TRUE",
	}
}

func TestNormalize_MapsChronectExport(t *testing.T) {
	table := &Table{
		Headers: chronectHeaders,
		Rows: [][]string{
			chronectRow("B001", "Acetone", "2025-06-12", "14:03:22"),
		},
	}

	res, err := Normalize(table, "/data/exports/Run_20250612_140322.xlsx")
	require.NoError(t, err)
	require.Len(t, res.Vials, 1)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, "Run_20250612_140322.xlsx", res.Source)

	v := res.Vials[0]
	assert.Equal(t, "B001", v.Barcode)
	assert.Equal(t, "T1", v.Tray)
	assert.Equal(t, "V1", v.VialLabel)
	assert.Equal(t, "3", v.VialPosition)
	assert.Equal(t, "S-1", v.SampleID)
	assert.Equal(t, "amd", v.UserID)
	assert.Equal(t, "Acetone", v.SubstanceName)
	assert.Equal(t, "H2", v.Head)
	assert.Equal(t, "LOT9", v.LotID)
	require.NotNil(t, v.TargetWeight)
	assert.InDelta(t, 10.0, *v.TargetWeight, 1e-9)
	require.NotNil(t, v.ActualWeight)
	assert.InDelta(t, 10.12, *v.ActualWeight, 1e-9)
	require.NotNil(t, v.DeviationPercent)
	assert.InDelta(t, 1.2, *v.DeviationPercent, 1e-9)
	require.NotNil(t, v.DispenseDuration)
	assert.InDelta(t, 42, *v.DispenseDuration, 1e-9)
	assert.Equal(t, "Success", v.Outcome)
	require.NotNil(t, v.StableWeight)
	assert.Equal(t, 1, *v.StableWeight)
	assert.Equal(t, "2025-06-12 14:03:22", v.Timestamp)
	assert.Equal(t, "Run_20250612_140322.xlsx", v.Source)
}

func TestNormalize_HeaderVariants(t *testing.T) {
	table := &Table{
		Headers: []string{"BARCODE", "substance  name", "DATE ", "time", "targetweight"},
		Rows:    [][]string{{"B001", "Ethanol", "2025-06-12", "09:00", ""}},
	}

	res, err := Normalize(table, "x.xlsx")
	require.NoError(t, err)
	require.Len(t, res.Vials, 1)
	assert.Equal(t, "Ethanol", res.Vials[0].SubstanceName)
	assert.Equal(t, "2025-06-12 09:00:00", res.Vials[0].Timestamp)
	assert.Nil(t, res.Vials[0].TargetWeight)
	assert.Nil(t, res.Vials[0].StableWeight)
}

func TestNormalize_MissingRequiredColumns(t *testing.T) {
	table := &Table{
		Headers: []string{"Barcode", "Date"},
		Rows:    [][]string{{"B001", "2025-06-12"}},
	}

	_, err := Normalize(table, "x.xlsx")
	require.ErrorIs(t, err, ErrMissingColumn)

	var mce *MissingColumnError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, []string{FieldSubstanceName, FieldTime}, mce.Columns)
}

func TestNormalize_RejectsMalformedRows(t *testing.T) {
	table := &Table{
		Headers: chronectHeaders,
		Rows: [][]string{
			chronectRow("B001", "Acetone", "2025-06-12", "14:03:22"),
			chronectRow("B002", "Acetone", "not a date", "14:03:22"),
			chronectRow("", "Acetone", "2025-06-12", "14:03:22"),
			chronectRow("B003", "Acetone", "2025-06-12", "25:99"),
			func() []string {
				r := chronectRow("B004", "Acetone", "2025-06-12", "14:03:22")
				r[9] = "ten"

				return r
			}(),
			make([]string, len(chronectHeaders)),
			chronectRow("B005", "Acetone", "2025-06-12", "14:03:23"),
		},
	}

	res, err := Normalize(table, "x.xlsx")
	require.NoError(t, err)

	assert.Equal(t, 6, res.Rows)
	require.Len(t, res.Vials, 2)
	assert.Equal(t, "B001", res.Vials[0].Barcode)
	assert.Equal(t, "B005", res.Vials[1].Barcode)

	require.Len(t, res.Failures, 4)

	for _, f := range res.Failures {
		assert.ErrorIs(t, f, ErrParse)
	}

	assert.Equal(t, 2, res.Failures[0].Row)
	assert.Equal(t, "B002", res.Failures[0].Barcode)
	assert.Equal(t, FieldDate, res.Failures[0].Field)
	assert.Equal(t, FieldBarcode, res.Failures[1].Field)
	assert.Equal(t, "B003", res.Failures[2].Barcode)
	assert.Equal(t, FieldTargetWeight, res.Failures[3].Field)
}

func TestNormalize_DuplicateBarcodeInTable(t *testing.T) {
	table := &Table{
		Headers: chronectHeaders,
		Rows: [][]string{
			chronectRow("B001", "Acetone", "2025-06-12", "14:03:22"),
			chronectRow("B001", "Ethanol", "2025-06-12", "14:05:00"),
		},
	}

	res, err := Normalize(table, "x.xlsx")
	require.NoError(t, err)
	require.Len(t, res.Vials, 1)
	assert.Equal(t, "Acetone", res.Vials[0].SubstanceName)
	require.Len(t, res.Duplicates, 1)
	assert.ErrorIs(t, res.Duplicates[0], ErrDuplicate)
	assert.Equal(t, 2, res.Duplicates[0].Row)
}

func TestNormalize_ShortRows(t *testing.T) {
	table := &Table{
		Headers: []string{"Barcode", "Substance Name", "Date", "Time", "Stable Weight?"},
		Rows:    [][]string{{"B001", "Acetone", "2025-06-12", "14:03"}},
	}

	res, err := Normalize(table, "x.xlsx")
	require.NoError(t, err)
	require.Len(t, res.Vials, 1)
	assert.Nil(t, res.Vials[0].StableWeight)
}

func TestStableWeight(t *testing.T) {
	one, zero := 1, 0

	tests := []struct {
		input string
		want  *int
	}{
		{"TRUE", &one},
		{"yes", &one},
		{"Y", &one},
		{"1", &one},
		{"False", &zero},
		{"no", &zero},
		{"0", &zero},
		{"", nil},
		{"maybe", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, StableWeight(tt.input))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		date    string
		clock   string
		want    string
		wantErr bool
	}{
		{name: "iso", date: "2025-06-12", clock: "14:03:22", want: "2025-06-12 14:03:22"},
		{name: "us date", date: "6/12/2025", clock: "2:03:22 PM", want: "2025-06-12 14:03:22"},
		{name: "dotted date", date: "12.6.2025", clock: "14:03", want: "2025-06-12 14:03:00"},
		{name: "compact", date: "20250612", clock: "140322", want: "2025-06-12 14:03:22"},
		{name: "date cell with midnight time", date: "2025-06-12 00:00:00", clock: "14:03:22", want: "2025-06-12 14:03:22"},
		{name: "excel serials", date: "45000", clock: "0.5", want: "2023-03-15 12:00:00"},
		{name: "excel serial with fraction", date: "45000.75", clock: "0.25", want: "2023-03-15 06:00:00"},
		{name: "time cell as datetime", date: "2025-06-12", clock: "1899-12-30 08:15:00", want: "2025-06-12 08:15:00"},
		{name: "empty date", date: "", clock: "14:03", wantErr: true},
		{name: "empty time", date: "2025-06-12", clock: "", wantErr: true},
		{name: "garbage", date: "yesterday", clock: "14:03", wantErr: true},
		{name: "bad time", date: "2025-06-12", clock: "noon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.date, tt.clock)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrParse)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Format("2006-01-02 15:04:05"))
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestRowError_JSON(t *testing.T) {
	out, err := json.Marshal(&RowError{Row: 3, Barcode: "B1", Field: FieldDate, Err: ErrParse})
	require.NoError(t, err)
	assert.JSONEq(t, `{"row":3,"barcode":"B1","field":"date","reason":"parse error"}`, string(out))
}
