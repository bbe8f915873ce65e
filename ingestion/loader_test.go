package ingestion

import (
	"bytes"
	"forecast-workbench/apperrors"
	"forecast-workbench/storage"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func newTestLoader() *Loader {
	logger, _ := test.NewNullLogger()
	return NewLoader(NewUploadValidator(), logger)
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"sales.csv":   FormatCSV,
		"SALES.CSV":   FormatCSV,
		"book.xlsx":   FormatXLSX,
		"export.json": FormatJSON,
	}
	for name, want := range cases {
		got, err := DetectFormat(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	for _, name := range []string{"report.pdf", "noext"} {
		_, err := DetectFormat(name)
		assert.True(t, apperrors.Is(err, apperrors.UnsupportedFormat), name)
	}
}

func TestLoadCSV(t *testing.T) {
	input := "Year,Month,Sales,Region\n2024,1,100.5,North\n2024,2,,South\n2024,3,120,North\n"
	ds, report, err := newTestLoader().Load(strings.NewReader(input), "sales.csv", LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, ds.NumRows())
	assert.Equal(t, []string{"Year", "Month", "Sales", "Region"}, ds.Names())
	assert.Equal(t, storage.KindNumeric, report.Kinds["Sales"])
	assert.Equal(t, storage.KindCategorical, report.Kinds["Region"])

	sales, _ := ds.Column("Sales")
	assert.Equal(t, 1, sales.MissingCount())
	assert.Equal(t, 100.5, sales.Floats[0])
}

func TestLoadCSVSemicolonAndBOM(t *testing.T) {
	input := "\xEF\xBB\xBFDate;Value\n2024-01-01;1\n2024-02-01;2\n"
	ds, report, err := newTestLoader().Load(strings.NewReader(input), "data.csv", LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Date", "Value"}, ds.Names())
	assert.Equal(t, storage.KindDatetime, report.Kinds["Date"])
}

func TestLoadCSVErrors(t *testing.T) {
	loader := newTestLoader()

	_, _, err := loader.Load(strings.NewReader(""), "empty.csv", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.MalformedData))

	_, _, err = loader.Load(strings.NewReader("a,b\n1,\"2\n"), "quote.csv", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.MalformedData))

	_, _, err = loader.Load(bytes.NewReader([]byte("a,b\n1,\xff\n")), "latin1.csv", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.EncodingError))

	_, _, err = loader.Load(bytes.NewReader([]byte{0xFF, 0xFE, 'a', 0}), "utf16.csv", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.EncodingError))

	_, _, err = loader.Load(strings.NewReader("a,b\n1,2,3\n"), "wide.csv", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.MalformedData))

	_, _, err = loader.Load(strings.NewReader("a,b\n"), "header.csv", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.MalformedData))
}

func TestLoadSizeLimit(t *testing.T) {
	validator := NewUploadValidator()
	validator.SetLimits(16, 0, 0, 0)
	logger, _ := test.NewNullLogger()
	loader := NewLoader(validator, logger)

	_, _, err := loader.Load(strings.NewReader("Year,Month,Sales\n2024,1,1\n"), "big.csv", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.MalformedData))
}

func TestLoadAllowedFormats(t *testing.T) {
	validator := NewUploadValidator()
	validator.SetAllowedFormats([]string{"csv"})
	logger, _ := test.NewNullLogger()
	loader := NewLoader(validator, logger)

	_, _, err := loader.Load(strings.NewReader("[]"), "data.json", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.UnsupportedFormat))
}

func TestLoadXLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"Year", "Quarter", "Revenue"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]interface{}{2023, 1, 10.5}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]interface{}{2023, 2, 11.25}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	ds, report, err := newTestLoader().Load(bytes.NewReader(buf.Bytes()), "book.xlsx", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Sheet1", report.Sheet)
	assert.Equal(t, 2, ds.NumRows())
	assert.Equal(t, storage.KindNumeric, report.Kinds["Revenue"])

	_, _, err = newTestLoader().Load(bytes.NewReader(buf.Bytes()), "book.xlsx", LoadOptions{Sheet: "Missing"})
	assert.True(t, apperrors.Is(err, apperrors.MalformedData))

	_, _, err = newTestLoader().Load(strings.NewReader("not a zip"), "book.xlsx", LoadOptions{})
	assert.True(t, apperrors.Is(err, apperrors.MalformedData))
}

func TestLoadJSONOrientations(t *testing.T) {
	cases := map[string]string{
		"records": `[{"Year": 2024, "Month": 1, "Sales": 5}, {"Year": 2024, "Month": 2, "Sales": null}]`,
		"columns": `{"Year": [2024, 2024], "Month": [1, 2], "Sales": [5, null]}`,
		"index":   `{"Year": {"0": 2024, "1": 2024}, "Month": {"1": 2, "0": 1}, "Sales": {"0": 5, "1": null}}`,
		"split":   `{"columns": ["Year", "Month", "Sales"], "data": [[2024, 1, 5], [2024, 2, null]]}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			ds, _, err := newTestLoader().Load(strings.NewReader(input), "data.json", LoadOptions{})
			require.NoError(t, err)
			assert.Equal(t, []string{"Year", "Month", "Sales"}, ds.Names())
			assert.Equal(t, 2, ds.NumRows())

			month, _ := ds.Column("Month")
			assert.Equal(t, []float64{1, 2}, month.Floats)
			sales, _ := ds.Column("Sales")
			assert.True(t, sales.IsMissing(1))
		})
	}
}

func TestLoadJSONRecordsUnionOfKeys(t *testing.T) {
	input := `[{"a": 1}, {"b": "x", "a": 2}]`
	ds, _, err := newTestLoader().Load(strings.NewReader(input), "data.json", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ds.Names())
	b, _ := ds.Column("b")
	assert.Equal(t, []string{"", "x"}, b.Raw)
}

func TestLoadJSONMalformed(t *testing.T) {
	for _, input := range []string{`{"a": [1, 2}`, `42`, `[1, 2]`} {
		_, _, err := newTestLoader().Load(strings.NewReader(input), "data.json", LoadOptions{})
		assert.True(t, apperrors.Is(err, apperrors.MalformedData), input)
	}
}

func TestNormalizeHeader(t *testing.T) {
	got := normalizeHeader([]string{" Sales ", "", "Sales", "Sales", "Sales.1"})
	assert.Equal(t, []string{"Sales", "Unnamed: 1", "Sales.1", "Sales.2", "Sales.1.1"}, got)
}

func TestLoadCSVRenamesBlankAndRepeatedHeaders(t *testing.T) {
	loader := newTestLoader()

	ds, _, err := loader.Load(strings.NewReader("Sales,Sales\n1,2\n"), "dup.csv", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Sales", "Sales.1"}, ds.Names())

	ds, _, err = loader.Load(strings.NewReader(",Sales\n1,2\n"), "blank.csv", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Unnamed: 0", "Sales"}, ds.Names())
}

func TestLoadCSVDashIsMissing(t *testing.T) {
	ds, report, err := newTestLoader().Load(strings.NewReader("Sales\n10\n-\n 30 \n"), "sales.csv", LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, storage.KindNumeric, report.Kinds["Sales"])
	sales, _ := ds.Column("Sales")
	assert.True(t, sales.IsMissing(1))
	assert.Equal(t, 1, sales.MissingCount())
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ',', sniffDelimiter([]byte("a,b,c\n")))
	assert.Equal(t, ';', sniffDelimiter([]byte("a;b;\"c,d\"\n")))
	assert.Equal(t, '\t', sniffDelimiter([]byte("a\tb\n")))
	assert.Equal(t, '|', sniffDelimiter([]byte("a|b|c")))
}
