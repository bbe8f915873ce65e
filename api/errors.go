package api

import (
	"errors"
	"forecast-workbench/apperrors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// FieldError describes one rejected request field
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// requestError carries validation details alongside a classified error
type requestError struct {
	err     error
	details interface{}
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks v against its struct tags
func (s *Server) validate(op string, v interface{}) error {
	err := s.validator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.InvalidConfig, op, err, "request could not be validated")
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Namespace(), Rule: fe.Tag(), Param: fe.Param()})
	}
	return &requestError{
		err:     apperrors.New(apperrors.InvalidConfig, op, "request has %d invalid field(s)", len(fields)),
		details: fields,
	}
}

// decode reads a JSON body into v and validates it
func (s *Server) decode(r *http.Request, op string, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return apperrors.Wrap(apperrors.InvalidConfig, op, err, "request body is not valid JSON")
	}
	return s.validate(op, v)
}

// writeError renders err as the JSON error envelope
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	status := apperrors.HTTPStatus(kind)

	resp := ErrorResponse{ErrorCode: string(kind), Message: apperrors.Message(err)}
	var rerr *requestError
	if errors.As(err, &rerr) {
		resp.Details = rerr.details
	}

	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"error_code": resp.ErrorCode,
	})
	if status >= http.StatusInternalServerError && kind != apperrors.UpstreamAPIError {
		entry.Error("Request error")
		resp.Message = "internal error"
	} else {
		entry.Warn("Request rejected")
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}
