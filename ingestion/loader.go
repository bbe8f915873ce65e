package ingestion

import (
	"bytes"
	"fmt"
	"forecast-workbench/apperrors"
	"forecast-workbench/storage"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Format is a supported upload format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

var extensionFormats = map[string]Format{
	".csv":  FormatCSV,
	".txt":  FormatCSV,
	".xlsx": FormatXLSX,
	".xlsm": FormatXLSX,
	".json": FormatJSON,
}

// DetectFormat maps a file name to its format by extension
func DetectFormat(filename string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if f, ok := extensionFormats[ext]; ok {
		return f, nil
	}
	if ext == "" {
		return "", apperrors.New(apperrors.UnsupportedFormat, "detect format", "file %q has no extension", filename)
	}
	return "", apperrors.New(apperrors.UnsupportedFormat, "detect format", "unsupported file type %q", ext)
}

// LoadOptions tunes a single load
type LoadOptions struct {
	Format Format // overrides extension detection when set
	Sheet  string // XLSX sheet; first sheet when empty
}

// LoadReport summarises a successful load for the presenter
type LoadReport struct {
	Source  string                        `json:"source"`
	Format  Format                        `json:"format"`
	Sheet   string                        `json:"sheet,omitempty"`
	Rows    int                           `json:"rows"`
	Columns int                           `json:"columns"`
	Kinds   map[string]storage.ColumnKind `json:"kinds"`
}

// Loader turns uploaded files into datasets
type Loader struct {
	validator *UploadValidator
	logger    logrus.FieldLogger
}

// NewLoader creates a loader
func NewLoader(validator *UploadValidator, logger logrus.FieldLogger) *Loader {
	if validator == nil {
		validator = NewUploadValidator()
	}
	return &Loader{validator: validator, logger: logger}
}

// Load reads one upload. Failures are terminal for that upload.
func (l *Loader) Load(r io.Reader, filename string, opts LoadOptions) (*storage.Dataset, LoadReport, error) {
	format := opts.Format
	if format == "" {
		var err error
		if format, err = DetectFormat(filename); err != nil {
			return nil, LoadReport{}, err
		}
	}
	if err := l.validator.ValidateFormat(format); err != nil {
		return nil, LoadReport{}, err
	}

	data, err := l.validator.ReadAll(r)
	if err != nil {
		return nil, LoadReport{}, err
	}

	var (
		header []string
		rows   [][]string
		sheet  string
	)
	switch format {
	case FormatCSV:
		header, rows, err = parseCSV(data)
	case FormatXLSX:
		header, rows, sheet, err = parseXLSX(data, opts.Sheet)
	case FormatJSON:
		header, rows, err = parseJSON(data)
	default:
		err = apperrors.New(apperrors.UnsupportedFormat, "load", "unsupported format %q", format)
	}
	if err != nil {
		return nil, LoadReport{}, err
	}

	if err := l.validator.ValidateTable(header, rows); err != nil {
		return nil, LoadReport{}, err
	}

	ds, err := buildDataset(header, rows)
	if err != nil {
		return nil, LoadReport{}, err
	}

	report := LoadReport{
		Source:  filename,
		Format:  format,
		Sheet:   sheet,
		Rows:    ds.NumRows(),
		Columns: ds.NumColumns(),
		Kinds:   ds.Kinds(),
	}
	l.logger.WithFields(logrus.Fields{
		"source":  filename,
		"format":  format,
		"rows":    report.Rows,
		"columns": report.Columns,
	}).Info("Dataset loaded")

	return ds, report, nil
}

// checkEncoding strips a UTF-8 BOM and rejects anything that is not UTF-8
func checkEncoding(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		return nil, apperrors.New(apperrors.EncodingError, "decode", "UTF-16 input is not supported, save the file as UTF-8")
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(data) {
		line := 1 + bytes.Count(data[:invalidOffset(data)], []byte{'\n'})
		return nil, apperrors.New(apperrors.EncodingError, "decode", "invalid UTF-8 on line %d", line)
	}
	return data, nil
}

func invalidOffset(data []byte) int {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(data)
}

// buildDataset names the columns and resolves every column kind once
func buildDataset(header []string, rows [][]string) (*storage.Dataset, error) {
	names := normalizeHeader(header)
	cells := make([][]string, len(names))
	for j := range cells {
		cells[j] = make([]string, len(rows))
	}
	for i, row := range rows {
		for j := range names {
			if j < len(row) {
				cells[j][i] = row[j]
			}
		}
	}

	columns := make([]*storage.Column, len(names))
	for j, name := range names {
		columns[j] = storage.NewColumn(name, cells[j])
	}

	ds, err := storage.NewDataset(columns...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.MalformedData, "build dataset", err, "invalid table")
	}
	return ds, nil
}

// normalizeHeader trims names, names blank headers "Unnamed: i" and
// suffixes repeated names with ".1", ".2", ...
func normalizeHeader(header []string) []string {
	names := make([]string, len(header))
	used := make(map[string]bool, len(header))
	suffix := make(map[string]int)
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		if used[name] {
			base := name
			for used[name] {
				suffix[base]++
				name = fmt.Sprintf("%s.%d", base, suffix[base])
			}
		}
		used[name] = true
		names[i] = name
	}
	return names
}

// dropBlankRows removes rows whose cells are all empty
func dropBlankRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		for _, cell := range row {
			if strings.TrimSpace(cell) != "" {
				out = append(out, row)
				break
			}
		}
	}
	return out
}
