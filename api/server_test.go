package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"forecast-workbench/analytics"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/apperrors"
	"forecast-workbench/aqi"
	"forecast-workbench/ingestion"
	"forecast-workbench/pipeline"
	"forecast-workbench/preprocessing"
	"forecast-workbench/storage"
	"io"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeAQI struct {
	err error
}

func (f *fakeAQI) Lookup(_ context.Context, city string) (*aqi.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &aqi.Report{
		City:     city,
		Location: aqi.Location{Name: city, Lat: 1, Lon: 2},
		Reading:  aqi.Reading{Index: 3, Level: aqi.LevelName(3)},
	}, nil
}

func (f *fakeAQI) Forecast(_ context.Context, city string) (*aqi.ForecastReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &aqi.ForecastReport{City: city, Hourly: []aqi.Reading{{Index: 1, Level: "Good"}}}, nil
}

type testServer struct {
	*Server
	aqi *fakeAQI
}

func newTestServer(t *testing.T, limit RateLimit) *testServer {
	t.Helper()
	logger, _ := test.NewNullLogger()

	loader := ingestion.NewLoader(ingestion.NewUploadValidator(), logger)
	engine := ml.NewForecastEngine(ml.DefaultForecastConfig(), logger)
	p := pipeline.New(loader, engine, analytics.OutlierConfig{}, logger)

	st, err := storage.NewStorageEngine(&storage.StorageConfig{
		Sessions: storage.SessionStorageConfig{MaxSessions: 16, IdleTimeout: time.Hour},
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Stop() })

	tokens, err := NewTokenIssuer("test-secret", "forecast-workbench", time.Hour)
	require.NoError(t, err)

	fake := &fakeAQI{}
	srv := NewServer(Options{
		Pipeline:  p,
		Storage:   st,
		AQI:       fake,
		Tokens:    tokens,
		RateLimit: limit,
		Logger:    logger,
	})
	return &testServer{Server: srv, aqi: fake}
}

func salesCSV(months int) string {
	var b strings.Builder
	b.WriteString("Year,Month,Sales,Promo\n")
	for i := 0; i < months; i++ {
		sales := 200 + 5*float64(i) + 20*math.Sin(2*math.Pi*float64(i)/12) + float64(i%3)
		fmt.Fprintf(&b, "%d,%d,%.2f,%d\n", 2021+i/12, i%12+1, sales, i%2)
	}
	return b.String()
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, content string) UploadResponse {
	t.Helper()
	rec := ts.do(uploadRequest(t, "sales.csv", content))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func authed(method, target, token string, body interface{}) *http.Request {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestUploadAndSessionRoutes(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	up := ts.upload(t, salesCSV(24))

	assert.NotEmpty(t, up.Token)
	assert.Equal(t, 24, up.Report.Rows)
	assert.Equal(t, []string{"Year", "Month", "Sales", "Promo", "Date"}, up.Columns)
	assert.Equal(t, []string{"Sales", "Promo"}, up.Targets)

	base := "/api/v1/sessions/" + up.Session.ID

	rec := ts.do(authed(http.MethodGet, base, up.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info storage.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 24, info.Rows)

	rec = ts.do(authed(http.MethodGet, base+"/preview?rows=3", up.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var preview struct {
		Rows  [][]string `json:"rows"`
		Total int        `json:"total_rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.Len(t, preview.Rows, 3)
	assert.Equal(t, 24, preview.Total)

	rec = ts.do(authed(http.MethodGet, base+"/summary", up.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outliers"`)

	rec = ts.do(authed(http.MethodGet, base+"/export", up.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	f, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	rows, err := f.GetRows("Data")
	require.NoError(t, err)
	assert.Len(t, rows, 25)
}

func TestSessionAuthorization(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	first := ts.upload(t, salesCSV(24))
	second := ts.upload(t, salesCSV(24))
	base := "/api/v1/sessions/" + first.Session.ID

	rec := ts.do(httptest.NewRequest(http.MethodGet, base, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(apperrors.Unauthorized), decodeError(t, rec).ErrorCode)

	rec = ts.do(authed(http.MethodGet, base, second.Token, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(authed(http.MethodGet, base, "not-a-jwt", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(authed(http.MethodDelete, base, first.Token, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(authed(http.MethodGet, base, first.Token, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadErrors(t *testing.T) {
	ts := newTestServer(t, RateLimit{})

	rec := ts.do(uploadRequest(t, "notes.pdf", "hello"))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, string(apperrors.UnsupportedFormat), decodeError(t, rec).ErrorCode)

	rec = ts.do(uploadRequest(t, "bad.csv", "Year,Month,Sales\n2023,1,10\n2023,Smarch,12\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(apperrors.MalformedData), decodeError(t, rec).ErrorCode)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader("{}"))
	rec = ts.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForecastJSON(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	up := ts.upload(t, salesCSV(24))

	rec := ts.do(authed(http.MethodPost, "/api/v1/sessions/"+up.Session.ID+"/forecast", up.Token, map[string]interface{}{
		"target":  "Sales",
		"model":   map[string]interface{}{"method": "arima", "p": 1, "d": 1, "q": 1},
		"horizon": 12,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ml.ForecastResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "ARIMA(1,1,1)", result.Model)
	require.Len(t, result.Predictions, 12)
	assert.Equal(t, time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC), result.Predictions[0].Timestamp.UTC())
	assert.Equal(t, time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC), result.Predictions[11].Timestamp.UTC())
}

func TestForecastFormats(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	up := ts.upload(t, salesCSV(24))
	url := "/api/v1/sessions/" + up.Session.ID + "/forecast"
	body := map[string]interface{}{"target": "Sales", "horizon": 6, "diagnostics": true}

	rec := ts.do(authed(http.MethodPost, url+"?format=png&chart=qq", up.Token, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = ts.do(authed(http.MethodPost, url+"?format=xlsx", up.Token, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "forecast_Sales.xlsx")

	rec = ts.do(authed(http.MethodPost, url+"?format=pdf", up.Token, body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachmentEscapesFilename(t *testing.T) {
	for _, name := range []string{"forecast_Sales.xlsx", `forecast_Sa"les; x=1.xlsx`, "forecast_Ventes été.xlsx"} {
		disposition, params, err := mime.ParseMediaType(attachment(name))
		require.NoError(t, err, name)
		assert.Equal(t, "attachment", disposition)
		assert.Equal(t, name, params["filename"])
	}
}

func TestForecastErrors(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	up := ts.upload(t, salesCSV(24))
	url := "/api/v1/sessions/" + up.Session.ID + "/forecast"

	tests := []struct {
		name   string
		body   map[string]interface{}
		status int
		code   apperrors.Kind
	}{
		{"horizon too large", map[string]interface{}{"target": "Sales", "horizon": 400}, http.StatusBadRequest, apperrors.InvalidConfig},
		{"missing target", map[string]interface{}{"horizon": 3}, http.StatusBadRequest, apperrors.InvalidConfig},
		{"order out of range", map[string]interface{}{"target": "Sales", "model": map[string]interface{}{"method": "arima", "p": 11}}, http.StatusBadRequest, apperrors.InvalidConfig},
		{"structural target", map[string]interface{}{"target": "Month"}, http.StatusUnprocessableEntity, apperrors.TargetNotNumeric},
		{"unknown column", map[string]interface{}{"target": "Profit"}, http.StatusBadRequest, apperrors.MalformedData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(authed(http.MethodPost, url, up.Token, tt.body))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.code), decodeError(t, rec).ErrorCode)
		})
	}

	rec := ts.do(authed(http.MethodPost, url, up.Token, map[string]interface{}{"horizon": 400}))
	resp := decodeError(t, rec)
	assert.NotNil(t, resp.Details, "validation errors list the fields")
}

func TestTransformAndReset(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	up := ts.upload(t, salesCSV(24))
	base := "/api/v1/sessions/" + up.Session.ID

	rec := ts.do(authed(http.MethodPost, base+"/transform", up.Token, TransformRequest{
		Operations: []preprocessing.TransformOp{{Op: "select_columns", Columns: []string{"Sales"}}},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"Date", "Sales"}, resp.Preview.Columns)
	assert.Len(t, resp.Session.Edits, 1)

	rec = ts.do(authed(http.MethodPost, base+"/transform", up.Token, TransformRequest{
		Operations: []preprocessing.TransformOp{{Op: "explode"}},
	}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(authed(http.MethodPost, base+"/reset", up.Token, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Session.Edits)
	assert.Equal(t, 5, resp.Session.Columns)
}

func TestTrainAndDownloadArtifact(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	up := ts.upload(t, salesCSV(60))

	rec := ts.do(authed(http.MethodPost, "/api/v1/sessions/"+up.Session.ID+"/train", up.Token, map[string]interface{}{
		"target": "Sales",
		"forest": map[string]interface{}{"n_estimators": []int{20}, "max_depth": []int{6}},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TrainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 12, resp.Report.TestRows)
	require.NotEmpty(t, resp.Artifact.ID)

	rec = ts.do(httptest.NewRequest(http.MethodGet, resp.Artifact.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	model, err := ml.UnmarshalForest(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "Sales", model.Target)
	assert.Len(t, model.Trees, 20)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAQIRoutes(t *testing.T) {
	ts := newTestServer(t, RateLimit{})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/aqi?city=Paris", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"level":"Moderate"`)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/aqi/forecast?city=Paris", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/aqi", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.aqi.err = apperrors.New(apperrors.UpstreamAPIError, "aqi lookup", "air quality service is unavailable, try again later")
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/aqi?city=Paris", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "air quality service is unavailable, try again later", decodeError(t, rec).Message)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, RateLimit{Enabled: true, RPS: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/aqi?city=Paris", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/aqi?city=Paris", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(apperrors.RateLimited), decodeError(t, rec).ErrorCode)

	// health and metrics sit outside the limited prefix
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 0, ts.PruneRateLimiters(time.Hour))
	assert.Equal(t, 1, ts.PruneRateLimiters(-time.Second))
}

func TestHealthRootAndMetrics(t *testing.T) {
	ts := newTestServer(t, RateLimit{})
	ts.upload(t, salesCSV(24))

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Forecast Workbench")

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "forecast_workbench_http_requests_total")
	assert.Contains(t, body, `forecast_workbench_uploads_total{format="csv",outcome="ok"} 1`)
	assert.Contains(t, body, "forecast_workbench_sessions_active 1")

	rec = ts.do(httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTokenIssuer(t *testing.T) {
	_, err := NewTokenIssuer("", "x", time.Hour)
	assert.Error(t, err)

	ti, err := NewTokenIssuer("secret", "forecast-workbench", time.Minute)
	require.NoError(t, err)

	token, err := ti.Issue("abc")
	require.NoError(t, err)
	id, err := ti.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	ti.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = ti.Verify(token)
	assert.Equal(t, apperrors.Unauthorized, apperrors.KindOf(err))
	assert.Equal(t, "session token has expired", apperrors.Message(err))

	other, err := NewTokenIssuer("another", "forecast-workbench", time.Minute)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.Equal(t, apperrors.Unauthorized, apperrors.KindOf(err))

	_, ok := bearerToken("Basic abc")
	assert.False(t, ok)
	tok, ok := bearerToken("bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)
}
