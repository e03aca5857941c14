// Package tabular reads refreshed workbooks into header-addressed tables
// for downstream consumers.
package tabular

import (
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/datamill/datamill/pkg/telemetry"
)

// dateLayouts are the accepted date cell formats, tried in order.
var dateLayouts = []string{
	"2006/01/02",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
}

// Options selects and types the data to read.
type Options struct {
	// Sheet is the worksheet to read. Defaults to the first sheet.
	Sheet string

	// Columns projects the table to these header names, in this order.
	// Empty keeps every column in sheet order.
	Columns []string

	// DateColumns lists projected header names whose cells are parsed as
	// dates. Cells that parse against none of the accepted layouts coerce
	// to the zero time and are counted, not fatal.
	DateColumns []string
}

// Table is an in-memory, header-addressed view of one sheet.
type Table struct {
	// Columns are the header names, post-projection, in order.
	Columns []string

	// Rows holds the cell text row-major, aligned to Columns.
	Rows [][]string

	index    map[string]int
	dates    map[int][]time.Time
	badDates int
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Column returns the values of one column, top to bottom.
func (t *Table) Column(name string) ([]string, error) {
	j, ok := t.index[name]
	if !ok {
		return nil, fmt.Errorf("column not found: %s", name)
	}

	values := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		values[i] = row[j]
	}
	return values, nil
}

// Date returns the parsed date cell at row for a date column. Cells that
// failed to parse are the zero time.
func (t *Table) Date(row int, col string) (time.Time, error) {
	j, ok := t.index[col]
	if !ok {
		return time.Time{}, fmt.Errorf("column not found: %s", col)
	}
	dates, ok := t.dates[j]
	if !ok {
		return time.Time{}, fmt.Errorf("column %s is not a date column", col)
	}
	if row < 0 || row >= len(dates) {
		return time.Time{}, fmt.Errorf("row %d out of range", row)
	}
	return dates[row], nil
}

// BadDates returns how many non-empty date cells failed to parse and were
// coerced to the zero time.
func (t *Table) BadDates() int {
	return t.badDates
}

// Reader reads workbook sheets into tables.
type Reader struct {
	log *telemetry.Logger
}

// NewReader creates a reader. A nil logger falls back to a nop logger.
func NewReader(log *telemetry.Logger) *Reader {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Reader{log: log.NewComponentLogger("tabular")}
}

// Read loads one sheet of the workbook at path into a table.
func (r *Reader) Read(path string, opts Options) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			r.log.WithResource(path).WithError(cerr).Warn("failed to close workbook after read")
		}
	}()

	sheet := opts.Sheet
	if sheet == "" {
		sheet = f.GetSheetName(0)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s has no header row", sheet)
	}

	header := rows[0]
	byName := make(map[string]int, len(header))
	for i, name := range header {
		if _, ok := byName[name]; !ok {
			byName[name] = i
		}
	}

	columns := opts.Columns
	var indices []int
	if len(columns) == 0 {
		columns = make([]string, len(header))
		copy(columns, header)
		indices = make([]int, len(header))
		for i := range header {
			indices[i] = i
		}
	} else {
		indices = make([]int, 0, len(columns))
		var missing []string
		for _, name := range columns {
			idx, ok := byName[name]
			if !ok {
				missing = append(missing, name)
				continue
			}
			indices = append(indices, idx)
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("sheet %s is missing columns: %s", sheet, strings.Join(missing, ", "))
		}
	}

	table := &Table{
		Columns: columns,
		index:   make(map[string]int, len(columns)),
		dates:   make(map[int][]time.Time),
	}
	for j, name := range columns {
		if _, ok := table.index[name]; !ok {
			table.index[name] = j
		}
	}

	for _, name := range opts.DateColumns {
		if _, ok := table.index[name]; !ok {
			return nil, fmt.Errorf("date column %s is not in the table", name)
		}
	}

	for _, raw := range rows[1:] {
		row := make([]string, len(indices))
		for j, idx := range indices {
			if idx < len(raw) {
				row[j] = raw[idx]
			}
		}
		table.Rows = append(table.Rows, row)
	}

	for _, name := range opts.DateColumns {
		j := table.index[name]
		parsed := make([]time.Time, len(table.Rows))
		for i, row := range table.Rows {
			value := strings.TrimSpace(row[j])
			if value == "" {
				continue
			}
			t, ok := parseDate(value)
			if !ok {
				table.badDates++
				continue
			}
			parsed[i] = t
		}
		table.dates[j] = parsed
	}

	r.log.WithResource(path).WithFields(map[string]interface{}{
		"sheet":   sheet,
		"columns": len(table.Columns),
		"rows":    table.Len(),
	}).Debug("sheet read")

	return table, nil
}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
