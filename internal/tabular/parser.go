package tabular

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ParseError codes surfaced to the caller. Parse failures are always
// user-correctable and carry specifics in the message.
const (
	ParseCodeEmptyFile   = "empty_file"
	ParseCodeTooLarge    = "file_too_large"
	ParseCodeRowLimit    = "row_limit_exceeded"
	ParseCodeUnsupported = "unsupported_extension"
	ParseCodeMalformed   = "malformed_file"
)

type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

func parseErrf(code, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Limits bounds how much of a file the parser will materialize. Both limits
// are enforced before or during reading, never after.
type Limits struct {
	MaxBytes int64
	MaxRows  int
}

// Parse turns raw file bytes into a Table. The declared extension selects
// the format: csv, xlsx, or json. Row order is preserved; row number 1 is
// the first data row after the header.
func Parse(data []byte, ext string, limits Limits) (*Table, error) {
	if len(data) == 0 {
		return nil, parseErrf(ParseCodeEmptyFile, "file is empty")
	}
	if limits.MaxBytes > 0 && int64(len(data)) > limits.MaxBytes {
		return nil, parseErrf(ParseCodeTooLarge, "file exceeds %d byte limit", limits.MaxBytes)
	}

	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), ".")) {
	case "csv":
		return parseCSV(data, limits)
	case "xlsx":
		return parseXLSX(data, limits)
	case "json":
		return parseJSON(data, limits)
	default:
		return nil, parseErrf(ParseCodeUnsupported, "unsupported file extension %q (csv, xlsx, json)", ext)
	}
}

func parseCSV(data []byte, limits Limits) (*Table, error) {
	delim := sniffDelimiter(data)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delim
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, parseErrf(ParseCodeEmptyFile, "file has no header row")
		}
		return nil, parseErrf(ParseCodeMalformed, "read header: %v", err)
	}

	table := &Table{Columns: trimAll(header)}
	if delim != ',' {
		table.Warnings = append(table.Warnings, fmt.Sprintf("detected %q as the column delimiter", string(delim)))
	}

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, parseErrf(ParseCodeMalformed, "read line %d: %v", line+1, err)
		}
		line++
		if recordEmpty(record) {
			table.Warnings = append(table.Warnings, fmt.Sprintf("line %d is blank, skipped", line))
			continue
		}
		if limits.MaxRows > 0 && len(table.Rows) >= limits.MaxRows {
			return nil, parseErrf(ParseCodeRowLimit, "file exceeds %d row limit", limits.MaxRows)
		}
		if len(record) < len(table.Columns) {
			table.Warnings = append(table.Warnings, fmt.Sprintf("line %d has %d of %d columns", line, len(record), len(table.Columns)))
		}
		table.Rows = append(table.Rows, makeRow(record, len(table.Columns)))
	}

	if len(table.Rows) == 0 {
		return nil, parseErrf(ParseCodeEmptyFile, "file has a header but no data rows")
	}
	return table, nil
}

// sniffDelimiter scores comma, semicolon and tab over the header line and
// picks the most frequent occurrence outside quoted sections.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}

	counts := map[rune]int{',': 0, ';': 0, '\t': 0}
	inQuotes := false
	for _, b := range string(line) {
		switch {
		case b == '"':
			inQuotes = !inQuotes
		case inQuotes:
		default:
			if _, ok := counts[b]; ok {
				counts[b]++
			}
		}
	}

	best := ','
	for _, candidate := range []rune{';', '\t'} {
		if counts[candidate] > counts[best] {
			best = candidate
		}
	}
	return best
}

func parseXLSX(data []byte, limits Limits) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, parseErrf(ParseCodeMalformed, "open workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, parseErrf(ParseCodeEmptyFile, "workbook has no sheets")
	}

	table := &Table{}
	if len(sheets) > 1 {
		table.Warnings = append(table.Warnings, fmt.Sprintf("workbook has %d sheets, only %q is imported", len(sheets), sheets[0]))
	}

	iter, err := f.Rows(sheets[0])
	if err != nil {
		return nil, parseErrf(ParseCodeMalformed, "read sheet %q: %v", sheets[0], err)
	}
	defer iter.Close()

	line := 0
	for iter.Next() {
		record, err := iter.Columns()
		if err != nil {
			return nil, parseErrf(ParseCodeMalformed, "read sheet row %d: %v", line+1, err)
		}
		line++
		if table.Columns == nil {
			if recordEmpty(record) {
				table.Warnings = append(table.Warnings, fmt.Sprintf("row %d is blank, skipped", line))
				continue
			}
			table.Columns = trimAll(record)
			continue
		}
		if recordEmpty(record) {
			table.Warnings = append(table.Warnings, fmt.Sprintf("row %d is blank, skipped", line))
			continue
		}
		if limits.MaxRows > 0 && len(table.Rows) >= limits.MaxRows {
			return nil, parseErrf(ParseCodeRowLimit, "sheet exceeds %d row limit", limits.MaxRows)
		}
		table.Rows = append(table.Rows, makeRow(record, len(table.Columns)))
	}
	if err := iter.Error(); err != nil {
		return nil, parseErrf(ParseCodeMalformed, "iterate sheet: %v", err)
	}

	if table.Columns == nil {
		return nil, parseErrf(ParseCodeEmptyFile, "sheet %q is empty", sheets[0])
	}
	if len(table.Rows) == 0 {
		return nil, parseErrf(ParseCodeEmptyFile, "sheet %q has a header but no data rows", sheets[0])
	}
	return table, nil
}

// parseJSON accepts a top-level array of flat objects. The column set is
// the union of keys across all objects, ordered by first appearance.
func parseJSON(data []byte, limits Limits) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, parseErrf(ParseCodeMalformed, "read json: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, parseErrf(ParseCodeMalformed, "json payload must be an array of objects")
	}

	table := &Table{}
	seen := make(map[string]int)
	var objects []map[string]string

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, parseErrf(ParseCodeMalformed, "decode element %d: %v", len(objects)+1, err)
		}
		if limits.MaxRows > 0 && len(objects) >= limits.MaxRows {
			return nil, parseErrf(ParseCodeRowLimit, "array exceeds %d row limit", limits.MaxRows)
		}
		keys, values, err := flattenObject(raw)
		if err != nil {
			return nil, parseErrf(ParseCodeMalformed, "element %d: %v", len(objects)+1, err)
		}
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = len(table.Columns)
				table.Columns = append(table.Columns, k)
			}
		}
		objects = append(objects, values)
	}

	if len(objects) == 0 {
		return nil, parseErrf(ParseCodeEmptyFile, "json array is empty")
	}

	for _, obj := range objects {
		record := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			record[i] = obj[col]
		}
		table.Rows = append(table.Rows, makeRow(record, len(table.Columns)))
	}
	return table, nil
}

// flattenObject reads one JSON object, returning its keys in declaration
// order and scalar values rendered as strings. Nested values are rejected.
func flattenObject(raw json.RawMessage) ([]string, map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil, errors.New("array elements must be objects")
	}

	var keys []string
	values := make(map[string]string)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key := keyTok.(string)

		var val any
		if err := dec.Decode(&val); err != nil {
			return nil, nil, err
		}
		rendered, err := renderScalar(key, val)
		if err != nil {
			return nil, nil, err
		}
		keys = append(keys, key)
		values[key] = rendered
	}
	return keys, values, nil
}

func renderScalar(key string, val any) (string, error) {
	switch v := val.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("field %q has a nested value; only flat objects are supported", key)
	}
}

func makeRow(record []string, width int) Row {
	row := make(Row, width)
	for i := range row {
		if i < len(record) {
			row[i] = makeCell(record[i])
		} else {
			row[i] = Cell{Kind: CellEmpty}
		}
	}
	return row
}

func recordEmpty(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func trimAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.TrimSpace(f)
	}
	return out
}
