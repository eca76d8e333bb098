package refcat

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Table holds TAP query results: a CSV header and its rows, cells kept
// as strings until a caller asks for a typed column.
type Table struct {
	Columns []string
	Rows    [][]string
}

// ParseCSV reads a header line and data rows.
func ParseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}
	return &Table{Columns: records[0], Rows: records[1:]}, nil
}

// NumRows returns the number of data rows.
func (t *Table) NumRows() int { return len(t.Rows) }

func (t *Table) columnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns the named column's cells.
func (t *Table) Column(name string) ([]string, error) {
	i := t.columnIndex(name)
	if i < 0 {
		return nil, fmt.Errorf("no column %q in catalogue", name)
	}
	out := make([]string, len(t.Rows))
	for j, row := range t.Rows {
		out[j] = row[i]
	}
	return out, nil
}

// Floats returns the named column parsed as float64s.
func (t *Table) Floats(name string) ([]float64, error) {
	cells, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(cells))
	for i, cell := range cells {
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Append adds another table's rows. The column sets must agree.
func (t *Table) Append(other *Table) error {
	if len(other.Columns) != len(t.Columns) {
		return fmt.Errorf("column count mismatch: %d vs %d", len(other.Columns), len(t.Columns))
	}
	for i, c := range other.Columns {
		if c != t.Columns[i] {
			return fmt.Errorf("column %d is %q, want %q", i, c, t.Columns[i])
		}
	}
	t.Rows = append(t.Rows, other.Rows...)
	return nil
}

// Dedup drops rows repeating an earlier value of the key column,
// keeping first occurrences in order.
func (t *Table) Dedup(key string) error {
	i := t.columnIndex(key)
	if i < 0 {
		return fmt.Errorf("no column %q in catalogue", key)
	}
	seen := make(map[string]bool, len(t.Rows))
	kept := t.Rows[:0]
	for _, row := range t.Rows {
		if seen[row[i]] {
			continue
		}
		seen[row[i]] = true
		kept = append(kept, row)
	}
	t.Rows = kept
	return nil
}

// WriteCSV writes the table with its header row.
func (t *Table) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return err
	}
	if err := writer.WriteAll(t.Rows); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// WriteCSVFile writes the table to path, creating parent directories.
func (t *Table) WriteCSVFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := t.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
