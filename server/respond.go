package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xeipuuv/gojsonschema"

	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/runner"
	"github.com/tannus-ai/tannus/task"
)

const maxBodyBytes = 1 << 20

// envelope is the body of every API response.
type envelope struct {
	Status           string            `json:"status"`
	Data             any               `json:"data,omitempty"`
	Message          string            `json:"message,omitempty"`
	ValidationErrors []ValidationError `json:"validationErrors,omitempty"`
	Timestamp        string            `json:"timestamp"`
}

// ValidationError names one field that failed request validation.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func timestamp() string { return time.Now().UTC().Format(time.RFC3339) }

// writeData writes a success envelope carrying data.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Status: "success", Data: data, Timestamp: timestamp()})
}

// writeMessage writes a success envelope carrying a message and optional data.
func writeMessage(w http.ResponseWriter, status int, msg string, data any) {
	writeJSON(w, status, envelope{Status: "success", Message: msg, Data: data, Timestamp: timestamp()})
}

// writeError writes an error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Status: "error", Message: msg, Timestamp: timestamp()})
}

func writeValidation(w http.ResponseWriter, errs []ValidationError) {
	writeJSON(w, http.StatusUnprocessableEntity, envelope{
		Status:           "error",
		Message:          "Validation failed",
		ValidationErrors: errs,
		Timestamp:        timestamp(),
	})
}

// decode reads a JSON body, checks it against schema and unmarshals it into
// dst. It answers 400 for malformed JSON and 422 for schema violations, and
// reports whether the handler may continue. An empty body counts as {}.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema map[string]any, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read request body")
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	if schema != nil {
		result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(body))
		if err != nil {
			s.logger.Error("validate request", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return false
		}
		if !result.Valid() {
			writeValidation(w, validationErrors(result.Errors()))
			return false
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeValidation(w, []ValidationError{{Field: "(root)", Message: err.Error()}})
		return false
	}
	return true
}

func validationErrors(errs []gojsonschema.ResultError) []ValidationError {
	out := make([]ValidationError, 0, len(errs))
	for _, e := range errs {
		field := e.Field()
		if e.Type() == "required" {
			if p, ok := e.Details()["property"]; ok {
				field = fmt.Sprint(p)
			}
		}
		out = append(out, ValidationError{Field: field, Message: e.Description()})
	}
	return out
}

// writeFailure maps a domain error onto a status code. Unexpected errors are
// logged and hidden behind a generic 500.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, plan.ErrNotFound):
		writeError(w, http.StatusNotFound, "Plan not found")
	case errors.Is(err, runner.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, plan.ErrExists),
		errors.Is(err, runner.ErrSessionExists),
		errors.Is(err, runner.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, plan.ErrInvalidMarkdown),
		errors.Is(err, plan.ErrInvalidStatus),
		errors.Is(err, plan.ErrInvalidOrder),
		errors.Is(err, runner.ErrTaskRequired):
		writeValidation(w, []ValidationError{{Field: "(root)", Message: err.Error()}})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// planID returns the {id} route parameter, answering 404 when it cannot
// name a plan.
func planID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !plan.ValidID(id) {
		writeError(w, http.StatusNotFound, "Plan not found")
		return "", false
	}
	return id, true
}

// stepIndex parses the {index} route parameter.
func stepIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || i < 0 {
		writeError(w, http.StatusNotFound, "Step not found")
		return 0, false
	}
	return i, true
}
