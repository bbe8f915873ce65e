package main

import (
	"bytes"
	"fmt"
	"forecast-workbench/analytics/ml"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesFile(t *testing.T, months int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Year,Month,Sales,Promo\n")
	for i := 0; i < months; i++ {
		sales := 200 + 5*float64(i) + 20*math.Sin(2*math.Pi*float64(i)/12) + float64(i%3)
		fmt.Fprintf(&b, "%d,%d,%.2f,%d\n", 2021+i/12, i%12+1, sales, i%2)
	}
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDescribeCommand(t *testing.T) {
	out, err := run(t, "describe", salesFile(t, 24), "--rows", "3")

	require.NoError(t, err)
	assert.Contains(t, out, "(3 of 24 rows)")
	assert.Contains(t, out, "24 rows, 5 columns")
	assert.Contains(t, out, "Forecastable columns: Sales, Promo")
}

func TestForecastCommand(t *testing.T) {
	dir := t.TempDir()
	xlsx := filepath.Join(dir, "forecast.xlsx")
	png := filepath.Join(dir, "forecast.png")

	out, err := run(t, "forecast", salesFile(t, 36), "--target", "Sales", "--horizon", "3", "--xlsx", xlsx, "--png", png)

	require.NoError(t, err)
	assert.Contains(t, out, "Target: Sales")
	assert.Contains(t, out, "2024-01-01")
	assert.Contains(t, out, "2024-03-01")
	assert.NotContains(t, out, "2024-04-01")
	assert.FileExists(t, xlsx)
	assert.FileExists(t, png)
}

func TestForecastCommandErrors(t *testing.T) {
	path := salesFile(t, 24)

	_, err := run(t, "forecast", path)
	assert.Error(t, err, "target flag is required")

	_, err = run(t, "forecast", path, "--target", "Month")
	assert.Error(t, err)

	_, err = run(t, "forecast", path, "--target", "Sales", "--method", "holt")
	assert.Error(t, err)

	_, err = run(t, "forecast", filepath.Join(t.TempDir(), "missing.csv"), "--target", "Sales")
	assert.Error(t, err)
}

func TestTrainCommand(t *testing.T) {
	model := filepath.Join(t.TempDir(), "forest.gob")

	out, err := run(t, "train", salesFile(t, 60), "--target", "Sales", "--features", "Year,Month,Promo",
		"--trees", "10", "--max-depth", "4", "--out", model)

	require.NoError(t, err)
	assert.Contains(t, out, "Target: Sales")
	assert.Contains(t, out, "n_estimators=10")

	data, err := os.ReadFile(model)
	require.NoError(t, err)
	forest, err := ml.UnmarshalForest(data)
	require.NoError(t, err)
	assert.Len(t, forest.Trees, 10)
}

func TestHealthCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","uptime":"1m0s","storage":{"sessions":{"active":0}}}`))
	}))
	defer srv.Close()

	out, err := run(t, "health", "--server", srv.URL+"/")
	require.NoError(t, err)
	assert.Contains(t, out, "Server is healthy (uptime 1m0s)")

	srv.Close()
	_, err = run(t, "health", "--server", srv.URL)
	assert.Error(t, err)
}

func TestUploadCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions", r.URL.Path)
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		file.Close()
		assert.Equal(t, "sales.csv", header.Filename)
		assert.Equal(t, "csv", r.FormValue("format"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"session":{"id":"abc","source_name":"sales.csv","rows":12,"columns":5},"token":"tok","columns":["Year","Month","Sales","Promo","Date"],"targets":["Sales","Promo"]}`))
	}))
	defer srv.Close()

	out, err := run(t, "upload", salesFile(t, 12), "--format", "csv", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Uploaded sales.csv")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "tok")
	assert.Contains(t, out, "Sales, Promo")
}

func TestUploadCommandServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		w.Write([]byte(`{"error_code":"unsupported_format","message":"unsupported file type .pdf"}`))
	}))
	defer srv.Close()

	_, err := run(t, "upload", salesFile(t, 12), "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "415 unsupported_format")
}

func TestAQICommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/geo/1.0/direct":
			w.Write([]byte(`[{"name":"London","country":"GB","lat":51.5,"lon":-0.12}]`))
		case "/data/2.5/air_pollution":
			w.Write([]byte(`{"list":[{"main":{"aqi":2},"components":{},"dt":1700000000}]}`))
		case "/data/2.5/air_pollution/forecast":
			w.Write([]byte(`{"list":[{"main":{"aqi":1},"components":{},"dt":1700000000},{"main":{"aqi":5},"components":{},"dt":1700003600}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "aqi", "London", "--api-key", "key", "--base-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "London (GB): AQI 2 Fair")

	out, err = run(t, "aqi", "London", "--forecast", "--api-key", "key", "--base-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Good")
	assert.Contains(t, out, "Very Poor")
}

func TestPredictCommand(t *testing.T) {
	model := filepath.Join(t.TempDir(), "forest.gob")
	_, err := run(t, "train", salesFile(t, 48), "--target", "Sales", "--features", "Year,Month", "--trees", "5", "--out", model)
	require.NoError(t, err)

	next := filepath.Join(t.TempDir(), "next.csv")
	require.NoError(t, os.WriteFile(next, []byte("Year,Month\n2025,1\n2025,2\n2025,3\n"), 0o644))

	out, err := run(t, "predict", model, next)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Sales")

	_, err = run(t, "predict", next, next)
	assert.Error(t, err, "a CSV is not a model")
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workbench.yaml")

	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Default configuration written")
	assert.FileExists(t, path)

	_, err = run(t, "config", "init", path)
	assert.Error(t, err, "refuses to overwrite")
	_, err = run(t, "config", "init", path, "--force")
	assert.NoError(t, err)

	out, err = run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Server:      :8080")
	assert.Contains(t, out, "Artifacts:   memory")
}
