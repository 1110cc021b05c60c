package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"ledgerlink/internal/shared/middleware"
)

const maxBodySize = 1 << 20 // 1 MiB

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// decodeJSON reads a size-limited body into dst and runs struct validation.
// It writes the 400 itself and reports false when the request is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Validation failed",
			Fields: validationFields(err),
		})
		return false
	}
	return true
}

func validationFields(err error) map[string]string {
	fields := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fields
	}
	for _, ve := range validationErrors {
		fields[ve.Field()] = ve.Tag()
	}
	return fields
}

// organization pulls the caller's organization from the request context.
func organization(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID, ok := middleware.OrganizationID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Organization is required")
		return "", false
	}
	return orgID, true
}

func logFailure(logger logrus.FieldLogger, r *http.Request, err error, msg string) {
	entry := logger.WithError(err).WithField("path", r.URL.Path)
	if orgID, ok := middleware.OrganizationID(r.Context()); ok {
		entry = entry.WithField("organization_id", orgID)
	}
	entry.Error(msg)
}
