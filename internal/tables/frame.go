package tables

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Frame is the loosely typed tabular view a raw partition carries. Values are
// strings; the empty string is null. Typed data only exists from Silver on.
type Frame struct {
	Columns []string
	Rows    [][]string
}

// ColumnIndex returns the position of a column, or -1 if absent.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// RowCount returns the number of data rows.
func (f *Frame) RowCount() int64 {
	return int64(len(f.Rows))
}

// NullRate returns the fraction of null (empty) values in a column.
// Returns 1.0 for an absent column so callers fail closed.
func (f *Frame) NullRate(name string) float64 {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return 1.0
	}
	if len(f.Rows) == 0 {
		return 0.0
	}
	nulls := 0
	for _, row := range f.Rows {
		if idx >= len(row) || row[idx] == "" {
			nulls++
		}
	}
	return float64(nulls) / float64(len(f.Rows))
}

// EncodeCSV renders the frame as canonical CSV (header + rows, LF endings).
// The encoding is deterministic so checksums over it are stable.
func (f *Frame) EncodeCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(f.Columns); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", i, len(row), len(f.Columns))
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCSV parses canonical CSV back into a frame.
func DecodeCSV(data []byte) (*Frame, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty payload: no header row")
	}
	return &Frame{Columns: records[0], Rows: records[1:]}, nil
}
