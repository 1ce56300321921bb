package feed

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mmlab/vialstore/pkg/normalize"
)

// Decode turns file contents into a raw table, choosing the decoder from
// the file extension.
func Decode(name string, data []byte) (*normalize.Table, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return DecodeXLSX(bytes.NewReader(data))
	case ".csv":
		return DecodeCSV(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

// DecodeXLSX reads the active sheet of a workbook. Cells are read raw so
// dates and times arrive as Excel serial numbers rather than in whatever
// display format the sheet uses.
func DecodeXLSX(r io.Reader) (*normalize.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}

	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}

		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}

	return toTable(rows), nil
}

// DecodeCSV reads a comma separated table whose first non-blank line is
// the header.
func DecodeCSV(r io.Reader) (*normalize.Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}

	return toTable(rows), nil
}

func toTable(rows [][]string) *normalize.Table {
	table := &normalize.Table{}

	for i, row := range rows {
		if isBlank(row) {
			continue
		}

		table.Headers = row
		table.Rows = rows[i+1:]

		break
	}

	return table
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}

	return true
}
