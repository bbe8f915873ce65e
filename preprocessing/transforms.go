package preprocessing

import (
	"fmt"
	"forecast-workbench/apperrors"
	"forecast-workbench/storage"
	"math"
	"sort"
	"strings"
)

// Transform operation names accepted by ApplyOp
const (
	OpSelectColumns      = "select_columns"
	OpFillMissing        = "fill_missing"
	OpDropMissingRows    = "drop_missing_rows"
	OpDropMissingColumns = "drop_missing_columns"
	OpOneHotEncode       = "one_hot_encode"
	OpLabelEncode        = "label_encode"
)

// TransformOp is one edit applied to a session dataset
type TransformOp struct {
	Op        string   `json:"op" validate:"required,oneof=select_columns fill_missing drop_missing_rows drop_missing_columns one_hot_encode label_encode"`
	Columns   []string `json:"columns,omitempty" validate:"omitempty,dive,required"`
	Value     string   `json:"value,omitempty"`
	DropFirst bool     `json:"drop_first,omitempty"`
}

// String describes the edit for the session history
func (op TransformOp) String() string {
	var parts []string
	parts = append(parts, op.Op)
	if len(op.Columns) > 0 {
		parts = append(parts, "columns="+strings.Join(op.Columns, ","))
	}
	if op.Op == OpFillMissing {
		parts = append(parts, fmt.Sprintf("value=%q", op.Value))
	}
	if op.DropFirst {
		parts = append(parts, "drop_first")
	}
	return strings.Join(parts, " ")
}

// ApplyOp runs a single transform operation
func ApplyOp(ds *storage.Dataset, op TransformOp) (*storage.Dataset, error) {
	switch op.Op {
	case OpSelectColumns:
		return SelectColumns(ds, op.Columns...)
	case OpFillMissing:
		return FillMissing(ds, op.Value, op.Columns...)
	case OpDropMissingRows:
		return DropMissingRows(ds, op.Columns...), nil
	case OpDropMissingColumns:
		return DropMissingColumns(ds), nil
	case OpOneHotEncode:
		return OneHotEncode(ds, op.DropFirst, op.Columns...)
	case OpLabelEncode:
		return LabelEncode(ds, op.Columns...)
	default:
		return nil, apperrors.New(apperrors.InvalidConfig, "transform", "unknown operation %q", op.Op)
	}
}

// SelectColumns keeps only the named columns. The Date column is always kept
// when present so the dataset stays forecastable.
func SelectColumns(ds *storage.Dataset, names ...string) (*storage.Dataset, error) {
	if len(names) == 0 {
		return nil, apperrors.New(apperrors.InvalidConfig, "select columns", "no columns given")
	}
	keep := make([]string, 0, len(names)+1)
	seen := make(map[string]bool)
	if date, ok := ds.ColumnFold(DateColumn); ok {
		keep = append(keep, date.Name)
		seen[date.Name] = true
	}
	for _, name := range names {
		if seen[name] {
			continue
		}
		if _, ok := ds.Column(name); !ok {
			return nil, apperrors.New(apperrors.MalformedData, "select columns", "column %q not found", name)
		}
		keep = append(keep, name)
		seen[name] = true
	}
	return ds.Select(keep...)
}

// FillMissing replaces missing cells with value. Numeric columns are filled
// only when value is a number; datetime columns are left alone. With no
// columns given every column is considered.
func FillMissing(ds *storage.Dataset, value string, columns ...string) (*storage.Dataset, error) {
	targets, err := resolveColumns(ds, "fill missing", columns)
	if err != nil {
		return nil, err
	}
	number, isNumber := storage.ParseNumber(value)
	if strings.TrimSpace(value) == "" {
		return nil, apperrors.New(apperrors.InvalidConfig, "fill missing", "fill value is empty")
	}

	out := ds
	for _, col := range targets {
		var filled *storage.Column
		switch col.Kind {
		case storage.KindNumeric:
			if !isNumber {
				continue
			}
			values := make([]float64, col.Len())
			for i, v := range col.Floats {
				if math.IsNaN(v) {
					v = number
				}
				values[i] = v
			}
			filled = storage.NewNumericColumn(col.Name, values)
		case storage.KindCategorical:
			raw := make([]string, col.Len())
			for i, cell := range col.Raw {
				if cell == "" {
					cell = value
				}
				raw[i] = cell
			}
			filled = storage.NewColumnOfKind(col.Name, raw, storage.KindCategorical)
		default:
			continue
		}
		if out, err = out.WithColumn(filled); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DropMissingRows removes rows with a missing value in any of the given
// columns, or in any column when none are given
func DropMissingRows(ds *storage.Dataset, columns ...string) *storage.Dataset {
	targets := ds.Columns()
	if len(columns) > 0 {
		targets = targets[:0]
		for _, name := range columns {
			if col, ok := ds.Column(name); ok {
				targets = append(targets, col)
			}
		}
	}
	return ds.FilterRows(func(row int) bool {
		for _, col := range targets {
			if col.IsMissing(row) {
				return false
			}
		}
		return true
	})
}

// DropMissingColumns removes every column that has a missing value
func DropMissingColumns(ds *storage.Dataset) *storage.Dataset {
	var drop []string
	for _, col := range ds.Columns() {
		if col.MissingCount() > 0 {
			drop = append(drop, col.Name)
		}
	}
	return ds.Drop(drop...)
}

// OneHotEncode replaces categorical columns with 0/1 indicator columns named
// "<column>_<value>", appended in sorted value order. With dropFirst the first
// category is omitted. The Date column is never encoded.
func OneHotEncode(ds *storage.Dataset, dropFirst bool, columns ...string) (*storage.Dataset, error) {
	targets, err := encodableColumns(ds, "one-hot encode", columns)
	if err != nil {
		return nil, err
	}

	out := ds
	for _, col := range targets {
		categories := categoriesOf(col)
		if dropFirst && len(categories) > 0 {
			categories = categories[1:]
		}
		out = out.Drop(col.Name)
		for _, category := range categories {
			values := make([]float64, col.Len())
			for i, cell := range col.Raw {
				if cell == category {
					values[i] = 1
				}
			}
			name := col.Name + "_" + category
			if out, err = out.WithColumn(storage.NewNumericColumn(name, values)); err != nil {
				return nil, apperrors.Wrap(apperrors.MalformedData, "one-hot encode", err, "column %q", col.Name)
			}
		}
	}
	return out, nil
}

// LabelEncode replaces categorical columns with integer codes assigned in
// sorted value order. Missing cells stay missing.
func LabelEncode(ds *storage.Dataset, columns ...string) (*storage.Dataset, error) {
	targets, err := encodableColumns(ds, "label encode", columns)
	if err != nil {
		return nil, err
	}

	out := ds
	for _, col := range targets {
		codes := make(map[string]float64)
		for i, category := range categoriesOf(col) {
			codes[category] = float64(i)
		}
		values := make([]float64, col.Len())
		for i, cell := range col.Raw {
			if cell == "" {
				values[i] = math.NaN()
			} else {
				values[i] = codes[cell]
			}
		}
		if out, err = out.WithColumn(storage.NewNumericColumn(col.Name, values)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func resolveColumns(ds *storage.Dataset, op string, names []string) ([]*storage.Column, error) {
	if len(names) == 0 {
		return ds.Columns(), nil
	}
	cols := make([]*storage.Column, 0, len(names))
	for _, name := range names {
		col, ok := ds.Column(name)
		if !ok {
			return nil, apperrors.New(apperrors.MalformedData, op, "column %q not found", name)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// encodableColumns returns the categorical columns to encode, excluding the
// time index
func encodableColumns(ds *storage.Dataset, op string, names []string) ([]*storage.Column, error) {
	cols, err := resolveColumns(ds, op, names)
	if err != nil {
		return nil, err
	}
	out := cols[:0:0]
	for _, col := range cols {
		if strings.EqualFold(col.Name, DateColumn) || col.Kind != storage.KindCategorical {
			continue
		}
		out = append(out, col)
	}
	return out, nil
}

// categoriesOf returns the distinct non-missing values in sorted order
func categoriesOf(col *storage.Column) []string {
	seen := make(map[string]bool)
	var categories []string
	for _, cell := range col.Raw {
		if cell != "" && !seen[cell] {
			seen[cell] = true
			categories = append(categories, cell)
		}
	}
	sort.Strings(categories)
	return categories
}
