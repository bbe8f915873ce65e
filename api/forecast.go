package api

import (
	"bytes"
	"errors"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/apperrors"
	"forecast-workbench/pipeline"
	"forecast-workbench/presenter"
	"forecast-workbench/storage"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"
)

// ForecastBody is the request of POST /sessions/{id}/forecast
type ForecastBody struct {
	Target          string         `json:"target" validate:"required"`
	Model           ml.ModelConfig `json:"model"`
	Horizon         int            `json:"horizon" validate:"omitempty,min=1,max=365"`
	ConfidenceLevel float64        `json:"confidence_level" validate:"omitempty,gt=0,lt=1"`
	Diagnostics     bool           `json:"diagnostics"`
	Holdout         int            `json:"holdout" validate:"omitempty,min=1"`
}

// ArtifactRef points at a downloadable artifact
type ArtifactRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TrainResponse is returned by POST /sessions/{id}/train
type TrainResponse struct {
	Report   *ml.TrainingReport `json:"report"`
	Artifact ArtifactRef        `json:"artifact"`
}

// generateForecast runs one forecast and renders it as JSON, a PNG chart
// or an XLSX workbook depending on ?format=
func (s *Server) generateForecast(w http.ResponseWriter, r *http.Request) {
	const op = "forecast"
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "png" && format != "xlsx" {
		s.writeError(w, r, apperrors.New(apperrors.InvalidConfig, op, "format must be json, png or xlsx"))
		return
	}

	var body ForecastBody
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.InvalidConfig, op, err, "request body is not valid JSON"))
		return
	}
	if body.Model.Method == "" {
		body.Model = ml.ModelConfig{Method: ml.MethodARIMA, P: 1, D: 1, Q: 1}
	}
	if err := s.validate(op, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	spec, err := body.Model.Spec(s.pipeline.Engine().Config().Grid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	start := time.Now()
	result, err := s.pipeline.Forecast(r.Context(), sess.Current, body.Target, ml.ForecastRequest{
		Model:           spec,
		Horizon:         body.Horizon,
		ConfidenceLevel: body.ConfidenceLevel,
		Diagnostics:     body.Diagnostics,
		Holdout:         body.Holdout,
	})
	s.metrics.Forecasts.WithLabelValues(spec.Method(), outcome(err)).Inc()
	s.metrics.FitDuration.WithLabelValues(spec.Method()).Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch format {
	case "png":
		chart := r.URL.Query().Get("chart")
		s.writeBinary(w, r, "image/png", "", func(buf io.Writer) error {
			return presenter.ForecastChartPNG(buf, result, chart)
		})
	case "xlsx":
		s.writeBinary(w, r, presenter.XLSXContentType, "forecast_"+result.Target+".xlsx", func(buf io.Writer) error {
			return presenter.WriteForecastXLSX(buf, result)
		})
	default:
		render.JSON(w, r, result)
	}
}

// trainForest fits a random forest and stores the model as an artifact
func (s *Server) trainForest(w http.ResponseWriter, r *http.Request) {
	const op = "train"
	var req pipeline.TrainRequest
	if err := s.decode(r, op, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	model, report, err := s.pipeline.Train(r.Context(), sess.Current, req)
	s.metrics.Trainings.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "png" {
		chart := r.URL.Query().Get("chart")
		s.writeBinary(w, r, "image/png", "", func(buf io.Writer) error {
			return presenter.TrainingChartPNG(buf, report, chart)
		})
		return
	}

	artifact, err := pipeline.ModelArtifact(model)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	artifact.Metadata["session"] = sess.ID
	if err := s.storage.Artifacts().Save(r.Context(), artifact); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.Internal, op, err, "could not store model"))
		return
	}

	render.JSON(w, r, TrainResponse{
		Report: report,
		Artifact: ArtifactRef{
			ID:   artifact.ID,
			Name: artifact.Name,
			URL:  "/api/v1/artifacts/" + artifact.ID,
		},
	})
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["artifact"]
	artifact, err := s.storage.Artifacts().Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			err = apperrors.Wrap(apperrors.NotFound, "artifact", err, "artifact %s does not exist or has expired", id)
		} else {
			err = apperrors.Wrap(apperrors.Internal, "artifact", err, "could not load artifact")
		}
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", attachment(artifact.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}

// writeBinary renders into memory first so a failure still yields the
// JSON error envelope
func (s *Server) writeBinary(w http.ResponseWriter, r *http.Request, contentType, filename string, fn func(io.Writer) error) {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	if filename != "" {
		w.Header().Set("Content-Disposition", attachment(filename))
	}
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}

// attachment builds a Content-Disposition value, quoting and escaping the
// filename as needed
func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
