package api

import (
	"forecast-workbench/apperrors"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

func (s *Server) cityParam(r *http.Request, op string) (string, error) {
	city := strings.TrimSpace(r.URL.Query().Get("city"))
	if city == "" {
		return "", apperrors.New(apperrors.InvalidConfig, op, "city query parameter is required")
	}
	if s.aqi == nil {
		return "", apperrors.New(apperrors.UpstreamAPIError, op, "air quality service is not configured")
	}
	return city, nil
}

func (s *Server) lookupAQI(w http.ResponseWriter, r *http.Request) {
	city, err := s.cityParam(r, "aqi lookup")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.aqi.Lookup(r.Context(), city)
	s.metrics.AQILookups.WithLabelValues("current", outcome(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, report)
}

func (s *Server) forecastAQI(w http.ResponseWriter, r *http.Request) {
	city, err := s.cityParam(r, "aqi forecast")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.aqi.Forecast(r.Context(), city)
	s.metrics.AQILookups.WithLabelValues("forecast", outcome(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, report)
}
