package presenter

import (
	"forecast-workbench/analytics/ml"
	"forecast-workbench/apperrors"
	"forecast-workbench/storage"
	"io"

	"github.com/xuri/excelize/v2"
)

// XLSXContentType is the MIME type of the exported workbooks
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ForecastWorkbook builds a workbook with the forecast table, the history
// and the backtest accuracy on separate sheets
func ForecastWorkbook(result *ml.ForecastResult) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", "Forecast"); err != nil {
		return nil, exportError(err)
	}

	numFmt, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, exportError(err)
	}

	if err := f.SetSheetRow("Forecast", "A1", &[]interface{}{"Date", "Forecast", "Lower", "Upper"}); err != nil {
		return nil, exportError(err)
	}
	for i, row := range ForecastTable(result) {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow("Forecast", cell, &[]interface{}{row.Date, row.Forecast, row.Lower, row.Upper}); err != nil {
			return nil, exportError(err)
		}
	}
	if n := len(result.Predictions); n > 0 {
		last, _ := excelize.CoordinatesToCellName(4, n+1)
		if err := f.SetCellStyle("Forecast", "B2", last, numFmt); err != nil {
			return nil, exportError(err)
		}
	}
	if err := f.SetColWidth("Forecast", "A", "D", 14); err != nil {
		return nil, exportError(err)
	}

	if _, err := f.NewSheet("History"); err != nil {
		return nil, exportError(err)
	}
	if err := f.SetSheetRow("History", "A1", &[]interface{}{"Date", result.Target}); err != nil {
		return nil, exportError(err)
	}
	layout := dateLayout(result.Frequency)
	for i, p := range result.History {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow("History", cell, &[]interface{}{p.Timestamp.Format(layout), p.Value}); err != nil {
			return nil, exportError(err)
		}
	}

	if _, err := f.NewSheet("Model"); err != nil {
		return nil, exportError(err)
	}
	info := [][]interface{}{
		{"Target", result.Target},
		{"Model", result.Model},
		{"Frequency", result.FrequencyName},
		{"Confidence level", result.ConfidenceLevel},
		{"Generated at", result.GeneratedAt.Format("2006-01-02 15:04:05")},
	}
	if acc := result.Accuracy; acc != nil {
		mape := interface{}("unavailable")
		if acc.MAPE != nil {
			mape = *acc.MAPE
		}
		info = append(info,
			[]interface{}{"Backtest holdout", acc.Holdout},
			[]interface{}{"MAPE (%)", mape},
			[]interface{}{"MAE", acc.MAE},
			[]interface{}{"RMSE", acc.RMSE},
		)
	}
	for _, w := range result.Warnings {
		info = append(info, []interface{}{"Warning", w.Code + ": " + w.Message})
	}
	for i, row := range info {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Model", cell, &row); err != nil {
			return nil, exportError(err)
		}
	}
	if err := f.SetColWidth("Model", "A", "A", 20); err != nil {
		return nil, exportError(err)
	}
	return f, nil
}

// WriteForecastXLSX writes the forecast workbook to w
func WriteForecastXLSX(w io.Writer, result *ml.ForecastResult) error {
	f, err := ForecastWorkbook(result)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return exportError(err)
	}
	return nil
}

// WriteDatasetXLSX exports the current dataset as a single sheet
func WriteDatasetXLSX(w io.Writer, ds *storage.Dataset) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", "Data"); err != nil {
		return exportError(err)
	}

	header := make([]interface{}, 0, ds.NumColumns())
	for _, name := range ds.Names() {
		header = append(header, name)
	}
	if err := f.SetSheetRow("Data", "A1", &header); err != nil {
		return exportError(err)
	}

	cols := ds.Columns()
	for i := 0; i < ds.NumRows(); i++ {
		row := make([]interface{}, len(cols))
		for j, col := range cols {
			switch {
			case col.IsMissing(i):
				row[j] = nil
			case col.Kind == storage.KindNumeric:
				row[j] = col.Floats[i]
			default:
				row[j] = col.Raw[i]
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow("Data", cell, &row); err != nil {
			return exportError(err)
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return exportError(err)
	}
	return nil
}

func exportError(err error) error {
	return apperrors.Wrap(apperrors.Internal, "export xlsx", err, "could not build workbook")
}
