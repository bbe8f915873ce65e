package api

import (
	"errors"
	"forecast-workbench/apperrors"
	"forecast-workbench/ingestion"
	"forecast-workbench/preprocessing"
	"forecast-workbench/presenter"
	"forecast-workbench/storage"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"
)

// UploadResponse is returned when a dataset is uploaded
type UploadResponse struct {
	Session storage.SessionInfo  `json:"session"`
	Token   string               `json:"token"`
	Report  ingestion.LoadReport `json:"report"`
	Columns []string             `json:"columns"`
	Targets []string             `json:"targets"`
}

// TransformRequest lists preprocessing operations applied in order
type TransformRequest struct {
	Operations []preprocessing.TransformOp `json:"operations" validate:"required,min=1,dive"`
}

// SessionResponse describes a session and the head of its dataset
type SessionResponse struct {
	Session storage.SessionInfo `json:"session"`
	Preview presenter.Preview   `json:"preview"`
}

// createSession handles multipart uploads in the "file" field
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	const op = "upload"
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, apperrors.New(apperrors.MalformedData, op, "upload exceeds %d bytes", s.maxUploadBytes))
			return
		}
		s.writeError(w, r, apperrors.Wrap(apperrors.InvalidConfig, op, err, "expected a multipart form with a file field"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.InvalidConfig, op, err, "missing file field"))
		return
	}
	defer file.Close()

	opts := ingestion.LoadOptions{Sheet: r.FormValue("sheet")}
	if format := r.FormValue("format"); format != "" {
		opts.Format = ingestion.Format(strings.ToLower(format))
	}

	ds, report, err := s.pipeline.Load(file, header.Filename, opts)
	s.metrics.Uploads.WithLabelValues(string(report.Format), outcome(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session := storage.NewSession(header.Filename, ds)
	token, err := s.tokens.Issue(session.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.storage.Sessions().Put(session)

	s.logger.WithField("session", session.ID).WithField("rows", ds.NumRows()).Info("Session created")
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, UploadResponse{
		Session: session.Info(),
		Token:   token,
		Report:  report,
		Columns: ds.Names(),
		Targets: s.pipeline.Targets(ds),
	})
}

// session returns the authorised session of the request
func (s *Server) session(r *http.Request) (storage.Session, error) {
	id, _ := r.Context().Value(sessionIDKey).(string)
	if id == "" {
		id = mux.Vars(r)["id"]
	}
	sess, ok := s.storage.Sessions().Get(id)
	if !ok {
		return storage.Session{}, apperrors.Wrap(apperrors.NotFound, "session", storage.ErrSessionNotFound, "session %s does not exist or has expired", id)
	}
	return sess, nil
}

func previewRows(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("rows"))
	if err != nil || n <= 0 {
		return presenter.DefaultPreviewRows
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, sess.Info())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.storage.Sessions().Delete(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) previewSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, presenter.DatasetPreview(sess.Current, previewRows(r)))
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"targets": s.pipeline.Targets(sess.Current),
	})
}

// transformSession applies every operation or none of them
func (s *Server) transformSession(w http.ResponseWriter, r *http.Request) {
	var req TransformRequest
	if err := s.decode(r, "transform", &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, _ := r.Context().Value(sessionIDKey).(string)
	sess, err := s.storage.Sessions().Update(id, func(sess storage.Session) (storage.Session, error) {
		for _, op := range req.Operations {
			op := op
			next, err := sess.Apply(op.String(), func(ds *storage.Dataset) (*storage.Dataset, error) {
				return preprocessing.ApplyOp(ds, op)
			})
			if err != nil {
				return sess, err
			}
			sess = next
		}
		return sess, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			err = apperrors.Wrap(apperrors.NotFound, "transform", err, "session %s does not exist or has expired", id)
		}
		s.writeError(w, r, err)
		return
	}

	render.JSON(w, r, SessionResponse{Session: sess.Info(), Preview: presenter.DatasetPreview(sess.Current, previewRows(r))})
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := r.Context().Value(sessionIDKey).(string)
	sess, err := s.storage.Sessions().Update(id, func(sess storage.Session) (storage.Session, error) {
		return sess.Reset(), nil
	})
	if err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.NotFound, "reset", err, "session %s does not exist or has expired", id))
		return
	}
	render.JSON(w, r, SessionResponse{Session: sess.Info(), Preview: presenter.DatasetPreview(sess.Current, previewRows(r))})
}

func (s *Server) summarizeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exploration, err := s.pipeline.Describe(sess.Current)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, exploration)
}

// exportSession downloads the current dataset as a workbook
func (s *Server) exportSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBinary(w, r, presenter.XLSXContentType, "dataset.xlsx", func(buf io.Writer) error {
		return presenter.WriteDatasetXLSX(buf, sess.Current)
	})
}
