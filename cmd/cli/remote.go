package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"forecast-workbench/api"
	"forecast-workbench/aqi"
	"forecast-workbench/storage"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *app) httpClient() *http.Client {
	return &http.Client{Timeout: a.v.GetDuration("timeout")}
}

// decodeResponse decodes a JSON body or turns an error envelope into an error
func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Message != "" {
			return fmt.Errorf("server returned %d %s: %s", resp.StatusCode, e.ErrorCode, e.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, a.serverURL()+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := a.httpClient().Do(req)
			if err != nil {
				return fmt.Errorf("connect to server: %w", err)
			}
			var health struct {
				Status  string                 `json:"status"`
				Uptime  string                 `json:"uptime"`
				Storage map[string]interface{} `json:"storage"`
			}
			if err := decodeResponse(resp, &health); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "✓ Server is %s (uptime %s)\n", health.Status, health.Uptime)
			if a.v.GetBool("verbose") && health.Storage != nil {
				pretty, _ := json.MarshalIndent(health.Storage, "", "  ")
				fmt.Fprintln(a.out, string(pretty))
			}
			return nil
		},
	}
}

func (a *app) uploadCmd() *cobra.Command {
	var lf loadFlags
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file to the server and print the session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, contentType, err := multipartBody(args[0], lf)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, a.serverURL()+"/api/v1/sessions", body)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", contentType)
			resp, err := a.httpClient().Do(req)
			if err != nil {
				return fmt.Errorf("connect to server: %w", err)
			}
			var uploaded struct {
				Session storage.SessionInfo `json:"session"`
				Token   string              `json:"token"`
				Columns []string            `json:"columns"`
				Targets []string            `json:"targets"`
			}
			if err := decodeResponse(resp, &uploaded); err != nil {
				return err
			}

			fmt.Fprintf(a.out, "✓ Uploaded %s\n", uploaded.Session.SourceName)
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Session\t%s\n", uploaded.Session.ID)
			fmt.Fprintf(tw, "Token\t%s\n", uploaded.Token)
			fmt.Fprintf(tw, "Rows\t%d\n", uploaded.Session.Rows)
			fmt.Fprintf(tw, "Columns\t%s\n", strings.Join(uploaded.Columns, ", "))
			fmt.Fprintf(tw, "Targets\t%s\n", strings.Join(uploaded.Targets, ", "))
			return tw.Flush()
		},
	}
	lf.register(cmd)
	return cmd
}

func multipartBody(path string, lf loadFlags) (io.Reader, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if lf.sheet != "" {
		_ = mw.WriteField("sheet", lf.sheet)
	}
	if lf.format != "" {
		_ = mw.WriteField("format", lf.format)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func (a *app) aqiCmd() *cobra.Command {
	var (
		forecast bool
		apiKey   string
		baseURL  string
	)
	cmd := &cobra.Command{
		Use:   "aqi <city>",
		Short: "Look up the current or forecast air quality of a city",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.AQIClientConfig()
			if apiKey != "" {
				cfg.APIKey = apiKey
			}
			if baseURL != "" {
				cfg.BaseURL, cfg.GeoURL = baseURL, baseURL
			}
			client := aqi.NewClient(cfg, a.logger)

			if !forecast {
				report, err := client.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s (%s): AQI %d %s at %s\n", report.Location.Name, report.Location.Country,
					report.Index, report.Level, report.Time.Format("2006-01-02 15:04"))
				return nil
			}

			report, err := client.Forecast(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s (%s) hourly forecast\n", report.Location.Name, report.Location.Country)
			tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "Time\tAQI\tLevel")
			for _, r := range report.Hourly {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Time.Format("2006-01-02 15:04"), r.Index, r.Level)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVarP(&forecast, "forecast", "f", false, "show the hourly forecast instead of current conditions")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "OpenWeather API key (overrides FORECAST_AQI_API_KEY)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "override the air quality service URL")
	return cmd
}
