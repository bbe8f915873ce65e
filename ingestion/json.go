package ingestion

import (
	"bytes"
	"encoding/json"
	"forecast-workbench/apperrors"
	"sort"
	"strconv"
	"strings"
)

// parseJSON accepts three orientations:
//   records  [{"Year": 2024, "Sales": 10}, ...]
//   columns  {"Year": [2024, ...]} or {"Year": {"0": 2024, ...}}
//   split    {"columns": ["Year", ...], "data": [[2024, ...], ...]}
// Column order follows first appearance in the document.
func parseJSON(data []byte) ([]string, [][]string, error) {
	data, err := checkEncoding(data)
	if err != nil {
		return nil, nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, nil, jsonError(err)
	}

	var (
		header []string
		rows   [][]string
	)
	switch tok {
	case json.Delim('['):
		header, rows, err = parseRecords(dec)
	case json.Delim('{'):
		header, rows, err = parseColumns(dec)
	default:
		return nil, nil, apperrors.New(apperrors.MalformedData, "parse json", "expected an array or object at top level")
	}
	if err != nil {
		return nil, nil, err
	}
	if dec.More() {
		return nil, nil, apperrors.New(apperrors.MalformedData, "parse json", "unexpected data after the top-level value")
	}
	return header, rows, nil
}

func jsonError(err error) error {
	return apperrors.Wrap(apperrors.MalformedData, "parse json", err, "invalid JSON")
}

func parseRecords(dec *json.Decoder) ([]string, [][]string, error) {
	var header []string
	position := make(map[string]int)
	var records []map[string]string

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, jsonError(err)
		}
		if tok != json.Delim('{') {
			return nil, nil, apperrors.New(apperrors.MalformedData, "parse json", "record %d is not an object", len(records)+1)
		}

		record := make(map[string]string)
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, nil, jsonError(err)
			}
			key := keyTok.(string)
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, nil, jsonError(err)
			}
			if _, ok := position[key]; !ok {
				position[key] = len(header)
				header = append(header, key)
			}
			record[key] = cellText(raw)
		}
		if _, err := dec.Token(); err != nil {
			return nil, nil, jsonError(err)
		}
		records = append(records, record)
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, jsonError(err)
	}

	rows := make([][]string, len(records))
	for i, record := range records {
		row := make([]string, len(header))
		for key, value := range record {
			row[position[key]] = value
		}
		rows[i] = row
	}
	return header, rows, nil
}

func parseColumns(dec *json.Decoder) ([]string, [][]string, error) {
	var names []string
	values := make(map[string]json.RawMessage)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, jsonError(err)
		}
		key := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, jsonError(err)
		}
		if _, dup := values[key]; !dup {
			names = append(names, key)
		}
		values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, jsonError(err)
	}

	if cols, ok := values["columns"]; ok && len(values) <= 3 {
		if data, ok := values["data"]; ok {
			return parseSplit(cols, data)
		}
	}

	columns := make([][]string, len(names))
	rowCount := 0
	for j, name := range names {
		cells, err := columnCells(values[name])
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.MalformedData, "parse json", err, "column %q", name)
		}
		columns[j] = cells
		if len(cells) > rowCount {
			rowCount = len(cells)
		}
	}

	rows := make([][]string, rowCount)
	for i := range rows {
		row := make([]string, len(names))
		for j := range names {
			if i < len(columns[j]) {
				row[j] = columns[j][i]
			}
		}
		rows[i] = row
	}
	return names, rows, nil
}

func parseSplit(colsRaw, dataRaw json.RawMessage) ([]string, [][]string, error) {
	var header []string
	if err := json.Unmarshal(colsRaw, &header); err != nil {
		return nil, nil, jsonError(err)
	}
	var data [][]json.RawMessage
	if err := json.Unmarshal(dataRaw, &data); err != nil {
		return nil, nil, jsonError(err)
	}
	rows := make([][]string, len(data))
	for i, record := range data {
		row := make([]string, len(record))
		for j, raw := range record {
			row[j] = cellText(raw)
		}
		rows[i] = row
	}
	return header, rows, nil
}

// columnCells reads either an array of values or an index-keyed object
func columnCells(raw json.RawMessage) ([]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		cells := make([]string, len(items))
		for i, item := range items {
			cells[i] = cellText(item)
		}
		return cells, nil
	case '{':
		var items map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sortIndexKeys(keys)
		cells := make([]string, len(keys))
		for i, k := range keys {
			cells[i] = cellText(items[k])
		}
		return cells, nil
	default:
		return []string{cellText(trimmed)}, nil
	}
}

// sortIndexKeys orders numeric keys numerically and the rest lexically
func sortIndexKeys(keys []string) {
	sort.SliceStable(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
}

// cellText renders a JSON value as table cell text
func cellText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return strings.TrimSpace(string(trimmed))
}
