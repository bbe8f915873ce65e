package ingestion

import (
	"forecast-workbench/apperrors"
	"io"
	"strings"
)

// UploadValidator enforces size and shape limits on uploaded tables
type UploadValidator struct {
	maxBytes       int64
	maxRows        int
	maxColumns     int
	maxCellLength  int
	allowedFormats map[Format]bool
}

// NewUploadValidator creates a validator with default limits
func NewUploadValidator() *UploadValidator {
	return &UploadValidator{
		maxBytes:       50 << 20,
		maxRows:        1000000,
		maxColumns:     500,
		maxCellLength:  32768,
		allowedFormats: make(map[Format]bool),
	}
}

// SetLimits overrides the limits; non-positive values keep the current limit
func (uv *UploadValidator) SetLimits(maxBytes int64, maxRows, maxColumns, maxCellLength int) {
	if maxBytes > 0 {
		uv.maxBytes = maxBytes
	}
	if maxRows > 0 {
		uv.maxRows = maxRows
	}
	if maxColumns > 0 {
		uv.maxColumns = maxColumns
	}
	if maxCellLength > 0 {
		uv.maxCellLength = maxCellLength
	}
}

// SetAllowedFormats sets the whitelist of accepted formats. Empty allows all.
func (uv *UploadValidator) SetAllowedFormats(formats []string) {
	uv.allowedFormats = make(map[Format]bool)
	for _, f := range formats {
		uv.allowedFormats[Format(strings.ToLower(f))] = true
	}
}

// MaxBytes returns the upload size limit
func (uv *UploadValidator) MaxBytes() int64 {
	return uv.maxBytes
}

// ValidateFormat checks the format against the whitelist
func (uv *UploadValidator) ValidateFormat(format Format) error {
	if len(uv.allowedFormats) > 0 && !uv.allowedFormats[format] {
		return apperrors.New(apperrors.UnsupportedFormat, "validate", "format %q is not accepted", format)
	}
	return nil
}

// ReadAll reads the whole upload, failing once it exceeds the size limit
func (uv *UploadValidator) ReadAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, uv.maxBytes+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.MalformedData, "read", err, "failed to read upload")
	}
	if int64(len(data)) > uv.maxBytes {
		return nil, apperrors.New(apperrors.MalformedData, "read", "upload exceeds %d bytes", uv.maxBytes)
	}
	return data, nil
}

// ValidateTable checks header and row counts and cell lengths
func (uv *UploadValidator) ValidateTable(header []string, rows [][]string) error {
	if len(header) == 0 {
		return apperrors.New(apperrors.MalformedData, "validate", "no header row found")
	}
	if len(header) > uv.maxColumns {
		return apperrors.New(apperrors.MalformedData, "validate",
			"%d columns exceeds the limit of %d", len(header), uv.maxColumns)
	}
	if len(rows) == 0 {
		return apperrors.New(apperrors.MalformedData, "validate", "no data rows found")
	}
	if len(rows) > uv.maxRows {
		return apperrors.New(apperrors.MalformedData, "validate",
			"%d rows exceeds the limit of %d", len(rows), uv.maxRows)
	}
	for i, row := range rows {
		if len(row) > len(header) {
			return apperrors.New(apperrors.MalformedData, "validate",
				"row %d has %d fields, header has %d", i+1, len(row), len(header))
		}
		for _, cell := range row {
			if len(cell) > uv.maxCellLength {
				return apperrors.New(apperrors.MalformedData, "validate",
					"row %d has a cell longer than %d characters", i+1, uv.maxCellLength)
			}
		}
	}
	return nil
}
