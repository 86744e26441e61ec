package tabular

import (
	"strconv"
	"strings"
	"time"
)

// CellKind tags the value shape detected for a cell at parse time. The raw
// string is always retained; the tag lets later stages consume values
// without re-inspecting raw types.
type CellKind int

const (
	CellEmpty CellKind = iota
	CellString
	CellNumber
	CellDate
)

type Cell struct {
	Kind   CellKind
	Raw    string
	Number float64
	Date   time.Time
}

// Row is one source row: cells in column order.
type Row []Cell

// Get returns the cell at position i, or an empty cell when the source row
// was shorter than the header.
func (r Row) Get(i int) Cell {
	if i < 0 || i >= len(r) {
		return Cell{Kind: CellEmpty}
	}
	return r[i]
}

// Table is the uniform representation every supported format parses into.
// Column order matches the source header; row order matches the source file.
type Table struct {
	Columns  []string
	Rows     []Row
	Warnings []string

	index map[string]int
}

// ColumnIndex returns the position of a column by exact name.
func (t *Table) ColumnIndex(name string) (int, bool) {
	if t.index == nil {
		t.index = make(map[string]int, len(t.Columns))
		for i, c := range t.Columns {
			t.index[c] = i
		}
	}
	i, ok := t.index[name]
	return i, ok
}

// CellValue returns the raw value of a named column in a row.
func (t *Table) CellValue(row Row, column string) string {
	i, ok := t.ColumnIndex(column)
	if !ok {
		return ""
	}
	return row.Get(i).Raw
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	time.RFC3339,
}

// makeCell classifies a raw source value. Classification is advisory: the
// mapping suggester uses it for shape sniffing, validation re-coerces from
// Raw against the target field type.
func makeCell(raw string) Cell {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Cell{Kind: CellEmpty}
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return Cell{Kind: CellNumber, Raw: trimmed, Number: n}
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, trimmed); err == nil {
			return Cell{Kind: CellDate, Raw: trimmed, Date: d}
		}
	}
	return Cell{Kind: CellString, Raw: trimmed}
}

// ParseDate coerces a raw value using the same layouts the parser tags with.
func ParseDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, trimmed); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
