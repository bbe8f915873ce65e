package ingestion

import (
	"bytes"
	"forecast-workbench/apperrors"

	"github.com/xuri/excelize/v2"
)

// parseXLSX reads one worksheet. The first non-empty row is the header.
func parseXLSX(data []byte, sheet string) ([]string, [][]string, string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, "", apperrors.Wrap(apperrors.MalformedData, "parse xlsx", err, "not a readable workbook")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, "", apperrors.New(apperrors.MalformedData, "parse xlsx", "workbook has no sheets")
	}
	if sheet == "" {
		sheet = sheets[0]
	} else if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, nil, "", apperrors.New(apperrors.MalformedData, "parse xlsx", "sheet %q not found", sheet)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, nil, "", apperrors.Wrap(apperrors.MalformedData, "parse xlsx", err, "failed to read sheet %q", sheet)
	}

	rows = dropBlankRows(rows)
	if len(rows) == 0 {
		return nil, nil, sheet, apperrors.New(apperrors.MalformedData, "parse xlsx", "sheet %q is empty", sheet)
	}
	return rows[0], rows[1:], sheet, nil
}
