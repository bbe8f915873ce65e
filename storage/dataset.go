package storage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnKind is the closed set of column types resolved at load time
type ColumnKind string

const (
	KindNumeric     ColumnKind = "numeric"
	KindCategorical ColumnKind = "categorical"
	KindDatetime    ColumnKind = "datetime"
)

// Column is a named, typed column. Raw keeps the original cell text;
// Floats is set for numeric columns (NaN marks missing) and Times for
// datetime columns (zero time marks missing).
type Column struct {
	Name   string
	Kind   ColumnKind
	Raw    []string
	Floats []float64
	Times  []time.Time
}

// NewColumn builds a column from raw cells and resolves its kind once
func NewColumn(name string, raw []string) *Column {
	return NewColumnOfKind(name, raw, InferKind(raw))
}

// NewColumnOfKind builds a column with a forced kind. Cells that do not
// parse under that kind are treated as missing.
func NewColumnOfKind(name string, raw []string, kind ColumnKind) *Column {
	col := &Column{Name: name, Kind: kind, Raw: make([]string, len(raw))}
	for i, cell := range raw {
		if IsMissing(cell) {
			col.Raw[i] = ""
		} else {
			col.Raw[i] = strings.TrimSpace(cell)
		}
	}

	switch kind {
	case KindNumeric:
		col.Floats = make([]float64, len(raw))
		for i, cell := range col.Raw {
			if v, ok := ParseNumber(cell); ok {
				col.Floats[i] = v
			} else {
				col.Floats[i] = math.NaN()
			}
		}
	case KindDatetime:
		col.Times = make([]time.Time, len(raw))
		for i, cell := range col.Raw {
			if t, ok := ParseTime(cell); ok {
				col.Times[i] = t
			}
		}
	}
	return col
}

// NewNumericColumn builds a numeric column from values; NaN marks missing
func NewNumericColumn(name string, values []float64) *Column {
	col := &Column{
		Name:   name,
		Kind:   KindNumeric,
		Raw:    make([]string, len(values)),
		Floats: make([]float64, len(values)),
	}
	copy(col.Floats, values)
	for i, v := range values {
		if !math.IsNaN(v) {
			col.Raw[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return col
}

// NewDatetimeColumn builds a datetime column; zero times mark missing
func NewDatetimeColumn(name string, times []time.Time) *Column {
	col := &Column{
		Name:  name,
		Kind:  KindDatetime,
		Raw:   make([]string, len(times)),
		Times: make([]time.Time, len(times)),
	}
	copy(col.Times, times)
	for i, t := range times {
		if !t.IsZero() {
			col.Raw[i] = t.Format("2006-01-02")
		}
	}
	return col
}

// Len returns the number of cells
func (c *Column) Len() int {
	return len(c.Raw)
}

// IsMissing reports whether row i holds no usable value for the column kind
func (c *Column) IsMissing(i int) bool {
	switch c.Kind {
	case KindNumeric:
		return math.IsNaN(c.Floats[i])
	case KindDatetime:
		return c.Times[i].IsZero()
	default:
		return c.Raw[i] == ""
	}
}

// MissingCount returns how many cells are missing
func (c *Column) MissingCount() int {
	count := 0
	for i := range c.Raw {
		if c.IsMissing(i) {
			count++
		}
	}
	return count
}

// subset returns a new column holding the given rows
func (c *Column) subset(rows []int) *Column {
	out := &Column{Name: c.Name, Kind: c.Kind, Raw: make([]string, len(rows))}
	if c.Floats != nil {
		out.Floats = make([]float64, len(rows))
	}
	if c.Times != nil {
		out.Times = make([]time.Time, len(rows))
	}
	for j, i := range rows {
		out.Raw[j] = c.Raw[i]
		if c.Floats != nil {
			out.Floats[j] = c.Floats[i]
		}
		if c.Times != nil {
			out.Times[j] = c.Times[i]
		}
	}
	return out
}

// Dataset is an ordered table of named columns. A Dataset is never
// modified after construction; transformations return a new one and may
// share unchanged columns with their input.
type Dataset struct {
	columns []*Column
	index   map[string]int
	rows    int
}

// NewDataset validates that columns have unique names and equal lengths
func NewDataset(columns ...*Column) (*Dataset, error) {
	ds := &Dataset{
		columns: make([]*Column, 0, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for i, col := range columns {
		if col.Name == "" {
			return nil, fmt.Errorf("column %d has an empty name", i+1)
		}
		if _, dup := ds.index[col.Name]; dup {
			return nil, fmt.Errorf("duplicate column name %q", col.Name)
		}
		if i == 0 {
			ds.rows = col.Len()
		} else if col.Len() != ds.rows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", col.Name, col.Len(), ds.rows)
		}
		ds.index[col.Name] = len(ds.columns)
		ds.columns = append(ds.columns, col)
	}
	return ds, nil
}

// NumRows returns the number of rows
func (d *Dataset) NumRows() int {
	return d.rows
}

// NumColumns returns the number of columns
func (d *Dataset) NumColumns() int {
	return len(d.columns)
}

// Names returns the column names in order
func (d *Dataset) Names() []string {
	names := make([]string, len(d.columns))
	for i, col := range d.columns {
		names[i] = col.Name
	}
	return names
}

// Columns returns the columns in order
func (d *Dataset) Columns() []*Column {
	out := make([]*Column, len(d.columns))
	copy(out, d.columns)
	return out
}

// Column looks up a column by exact name
func (d *Dataset) Column(name string) (*Column, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return d.columns[i], true
}

// ColumnFold looks up a column by case-insensitive name
func (d *Dataset) ColumnFold(name string) (*Column, bool) {
	if col, ok := d.Column(name); ok {
		return col, true
	}
	for _, col := range d.columns {
		if strings.EqualFold(col.Name, name) {
			return col, true
		}
	}
	return nil, false
}

// Kinds returns the resolved kind of every column
func (d *Dataset) Kinds() map[string]ColumnKind {
	kinds := make(map[string]ColumnKind, len(d.columns))
	for _, col := range d.columns {
		kinds[col.Name] = col.Kind
	}
	return kinds
}

// Row returns the raw cells of row i
func (d *Dataset) Row(i int) []string {
	row := make([]string, len(d.columns))
	for j, col := range d.columns {
		row[j] = col.Raw[i]
	}
	return row
}

// WithColumn returns a new dataset with col replacing the column of the
// same name, or appended when no such column exists
func (d *Dataset) WithColumn(col *Column) (*Dataset, error) {
	cols := d.Columns()
	if i, ok := d.index[col.Name]; ok {
		cols[i] = col
	} else {
		cols = append(cols, col)
	}
	return NewDataset(cols...)
}

// Select returns a new dataset with only the named columns, in the given order
func (d *Dataset) Select(names ...string) (*Dataset, error) {
	cols := make([]*Column, 0, len(names))
	for _, name := range names {
		col, ok := d.Column(name)
		if !ok {
			return nil, fmt.Errorf("unknown column %q", name)
		}
		cols = append(cols, col)
	}
	return NewDataset(cols...)
}

// Drop returns a new dataset without the named columns
func (d *Dataset) Drop(names ...string) *Dataset {
	skip := make(map[string]bool, len(names))
	for _, name := range names {
		skip[name] = true
	}
	cols := make([]*Column, 0, len(d.columns))
	for _, col := range d.columns {
		if !skip[col.Name] {
			cols = append(cols, col)
		}
	}
	ds, _ := NewDataset(cols...)
	return ds
}

// FilterRows returns a new dataset keeping rows for which keep returns true
func (d *Dataset) FilterRows(keep func(row int) bool) *Dataset {
	rows := make([]int, 0, d.rows)
	for i := 0; i < d.rows; i++ {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	cols := make([]*Column, len(d.columns))
	for j, col := range d.columns {
		cols[j] = col.subset(rows)
	}
	ds := &Dataset{columns: cols, index: make(map[string]int, len(cols)), rows: len(rows)}
	for j, col := range cols {
		ds.index[col.Name] = j
	}
	return ds
}

// Head returns a new dataset holding at most the first n rows
func (d *Dataset) Head(n int) *Dataset {
	return d.FilterRows(func(row int) bool { return row < n })
}
