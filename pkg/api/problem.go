// Package api is the REST translation layer over the four engines: one
// handler per engine operation, RFC 7807 Problem Detail error responses,
// and the kind→status mapping for the engine failure taxonomy.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/syros-io/syros/pkg/coord"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Retryable mirrors the engine error's retryability hint.
	Retryable bool `json:"retryable"`
}

var kindStatus = map[coord.Kind]int{
	coord.KindInvalidArgument:       http.StatusBadRequest,
	coord.KindLockNotFound:          http.StatusNotFound,
	coord.KindSagaNotFound:          http.StatusNotFound,
	coord.KindStreamNotFound:        http.StatusNotFound,
	coord.KindCacheMiss:             http.StatusNotFound,
	coord.KindLockConflict:          http.StatusConflict,
	coord.KindVersionConflict:       http.StatusConflict,
	coord.KindSagaInvalidTransition: http.StatusConflict,
	coord.KindWaitTimeout:           http.StatusRequestTimeout,
	coord.KindStepExecutionFailed:   http.StatusUnprocessableEntity,
	coord.KindStoreTimeout:          http.StatusGatewayTimeout,
	coord.KindStoreUnavailable:      http.StatusServiceUnavailable,
}

// WriteEngineError maps an engine failure onto its protocol status and
// writes the problem document. Non-taxonomy errors are logged and hidden
// behind a generic 500.
func WriteEngineError(w http.ResponseWriter, err error) {
	var e *coord.Error
	if !errors.As(err, &e) {
		slog.Error("internal server error", "error", err)
		writeProblem(w, http.StatusInternalServerError, "internal", "An unexpected error occurred.", false)
		return
	}
	status, ok := kindStatus[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeProblem(w, status, string(e.Kind), e.Message, e.Retryable)
}

// WriteBadRequest writes a 400 problem response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, http.StatusBadRequest, string(coord.KindInvalidArgument), detail, false)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string, retryable bool) {
	problem := &ProblemDetail{
		Type:      "https://syros.io/errors/" + title,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Retryable: retryable,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
