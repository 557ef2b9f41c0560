package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/screensplit/server/internal/api/problem"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a single JSON object into dst. On failure it writes the
// problem response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, env string) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		if dec.More() {
			err = errors.New("request body must contain a single JSON object")
		} else if _, extra := dec.Token(); extra != io.EOF {
			err = errors.New("request body must contain a single JSON object")
		}
	}
	if err == nil {
		return true
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		problem.Write(w, r, http.StatusRequestEntityTooLarge, problem.TypeValidation, "Request body too large", err, env,
			problem.WithDetail("The request body exceeds the size limit."))
		return false
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("request body is empty")
	}
	problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Invalid request body", err, env,
		problem.WithDetail(decodeDetail(err)))
	return false
}

func decodeDetail(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return typeErr.Field + " has the wrong type"
	}
	if msg := err.Error(); strings.HasPrefix(msg, "json: unknown field ") {
		return "unknown field " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return "request body is not valid JSON"
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "request body is not valid JSON"
	}
	return err.Error()
}

// writeValidation answers 400 with a field error map.
func writeValidation(w http.ResponseWriter, r *http.Request, field, message string, err error, env string) {
	detail := message
	if !strings.HasPrefix(message, field) {
		detail = field + " " + message
	}
	problem.Write(w, r, http.StatusBadRequest, problem.TypeValidation, "Validation failed", err, env,
		problem.WithDetail(detail),
		problem.WithErrors(map[string]interface{}{field: message}))
}

func writeNotFound(w http.ResponseWriter, r *http.Request, what string, err error, env string) {
	problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, what+" not found", err, env,
		problem.WithDetail("The requested "+strings.ToLower(what)+" does not exist."))
}

func writeConflict(w http.ResponseWriter, r *http.Request, title string, err error, env string) {
	problem.Write(w, r, http.StatusConflict, problem.TypeConflict, title, err, env,
		problem.WithDetail(err.Error()))
}

func writeServerError(w http.ResponseWriter, r *http.Request, err error, env string) {
	problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Internal Server Error", err, env)
}
