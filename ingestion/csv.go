package ingestion

import (
	"bytes"
	"encoding/csv"
	"errors"
	"forecast-workbench/apperrors"
	"io"
	"strings"
)

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// parseCSV decodes a delimited text table. Short rows are padded later;
// long rows are rejected by the validator.
func parseCSV(data []byte) ([]string, [][]string, error) {
	data, err := checkEncoding(data)
	if err != nil {
		return nil, nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, apperrors.New(apperrors.MalformedData, "parse csv", "file is empty")
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, csvError(err)
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, csvError(err)
		}
		rows = append(rows, record)
	}

	return header, dropBlankRows(rows), nil
}

func csvError(err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		return apperrors.Wrap(apperrors.MalformedData, "parse csv", err, "line %d", parseErr.Line)
	}
	return apperrors.Wrap(apperrors.MalformedData, "parse csv", err, "failed to read table")
}

// sniffDelimiter picks the candidate that occurs most often, outside
// quotes, on the header line
func sniffDelimiter(data []byte) rune {
	line := string(data)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	counts := make(map[rune]int, len(candidateDelimiters))
	inQuotes := false
	for _, r := range line {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}

	best, bestCount := ',', 0
	for _, d := range candidateDelimiters {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best
}
