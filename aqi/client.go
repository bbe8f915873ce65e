// Package aqi looks up the current and forecast air-quality index of a city
// through a geocoding endpoint followed by an air-pollution endpoint.
package aqi

import (
	"context"
	"encoding/json"
	"forecast-workbench/apperrors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultBaseURL serves both geocoding and air-pollution data
const DefaultBaseURL = "http://api.openweathermap.org"

// upstreamMessage is the only text operators see for any upstream failure
const upstreamMessage = "air quality service is unavailable, try again later"

// Config holds the client settings
type Config struct {
	BaseURL       string        `json:"base_url" yaml:"base_url"`
	GeoURL        string        `json:"geo_url" yaml:"geo_url"`
	APIKey        string        `json:"api_key" yaml:"api_key"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	RatePerSecond float64       `json:"rate_per_second" yaml:"rate_per_second"`
	Burst         int           `json:"burst" yaml:"burst"`
}

// DefaultConfig returns the public endpoint with a 10s timeout and one
// call per second
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		GeoURL:        DefaultBaseURL,
		Timeout:       10 * time.Second,
		RatePerSecond: 1,
		Burst:         5,
	}
}

// Location is the geocoded city
type Location struct {
	Name    string  `json:"name"`
	Country string  `json:"country,omitempty"`
	State   string  `json:"state,omitempty"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// Reading is the air quality at one instant
type Reading struct {
	Time       time.Time          `json:"time"`
	Index      int                `json:"index"`
	Level      string             `json:"level"`
	Components map[string]float64 `json:"components,omitempty"`
}

// Report is the result of a current-conditions lookup
type Report struct {
	City     string   `json:"city"`
	Location Location `json:"location"`
	Reading
}

// ForecastReport is the hourly air-quality forecast of a city
type ForecastReport struct {
	City     string    `json:"city"`
	Location Location  `json:"location"`
	Hourly   []Reading `json:"hourly"`
}

// Client talks to the geocoding and air-pollution endpoints
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logrus.FieldLogger
}

// NewClient creates a client. Zero config fields take their defaults.
func NewClient(config Config, logger logrus.FieldLogger) *Client {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.GeoURL == "" {
		config.GeoURL = config.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = defaults.RatePerSecond
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		logger:     logger.WithField("component", "aqi"),
	}
}

// LevelName maps an index 1..5 to its description
func LevelName(index int) string {
	switch index {
	case 1:
		return "Good"
	case 2:
		return "Fair"
	case 3:
		return "Moderate"
	case 4:
		return "Poor"
	case 5:
		return "Very Poor"
	default:
		return "Unknown"
	}
}

type geoResult struct {
	Name    string  `json:"name"`
	Country string  `json:"country"`
	State   string  `json:"state"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type pollutionResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			AQI int `json:"aqi"`
		} `json:"main"`
		Components map[string]float64 `json:"components"`
	} `json:"list"`
}

// Lookup returns the current air quality of city
func (c *Client) Lookup(ctx context.Context, city string) (*Report, error) {
	const op = "aqi lookup"
	loc, err := c.geocode(ctx, op, city)
	if err != nil {
		return nil, err
	}
	readings, err := c.pollution(ctx, op, "/data/2.5/air_pollution", loc)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, c.upstreamError(op, nil, "empty air pollution list for %q", city)
	}
	return &Report{City: city, Location: *loc, Reading: readings[0]}, nil
}

// Forecast returns the hourly air-quality forecast of city
func (c *Client) Forecast(ctx context.Context, city string) (*ForecastReport, error) {
	const op = "aqi forecast"
	loc, err := c.geocode(ctx, op, city)
	if err != nil {
		return nil, err
	}
	readings, err := c.pollution(ctx, op, "/data/2.5/air_pollution/forecast", loc)
	if err != nil {
		return nil, err
	}
	return &ForecastReport{City: city, Location: *loc, Hourly: readings}, nil
}

func (c *Client) geocode(ctx context.Context, op, city string) (*Location, error) {
	if city == "" {
		return nil, apperrors.New(apperrors.InvalidConfig, op, "city is required")
	}
	q := url.Values{}
	q.Set("q", city)
	q.Set("limit", "1")
	q.Set("appid", c.config.APIKey)

	var results []geoResult
	if err := c.get(ctx, op, c.config.GeoURL+"/geo/1.0/direct?"+q.Encode(), &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, c.upstreamError(op, nil, "no geocoding match for %q", city)
	}
	r := results[0]
	return &Location{Name: r.Name, Country: r.Country, State: r.State, Lat: r.Lat, Lon: r.Lon}, nil
}

func (c *Client) pollution(ctx context.Context, op, path string, loc *Location) ([]Reading, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(loc.Lon, 'f', -1, 64))
	q.Set("appid", c.config.APIKey)

	var resp pollutionResponse
	if err := c.get(ctx, op, c.config.BaseURL+path+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	readings := make([]Reading, 0, len(resp.List))
	for _, item := range resp.List {
		readings = append(readings, Reading{
			Time:       time.Unix(item.Dt, 0).UTC(),
			Index:      item.Main.AQI,
			Level:      LevelName(item.Main.AQI),
			Components: item.Components,
		})
	}
	return readings, nil
}

// get performs one rate-limited GET and decodes the JSON body into out
func (c *Client) get(ctx context.Context, op, endpoint string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.upstreamError(op, err, "rate limiter")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return c.upstreamError(op, err, "build request")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.upstreamError(op, err, "transport")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return c.upstreamError(op, nil, "status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.upstreamError(op, err, "decode response")
	}
	return nil
}

// upstreamError logs the detail and returns the generic operator message
func (c *Client) upstreamError(op string, cause error, format string, args ...interface{}) error {
	entry := c.logger.WithField("op", op)
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warnf(format, args...)
	if cause != nil {
		return apperrors.Wrap(apperrors.UpstreamAPIError, op, cause, upstreamMessage)
	}
	return apperrors.New(apperrors.UpstreamAPIError, op, upstreamMessage)
}
