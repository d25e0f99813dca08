// Package api exposes the settlement core over HTTP. Error responses use
// RFC 7807 Problem Details with settlement extensions (kind, head_id,
// order_id) so clients can branch on the stable error kind rather than
// parsing detail strings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/forkshield/settle/pkg/contracts"
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
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request for log correlation.
	TraceID string `json:"trace_id,omitempty"`

	// Kind is the stable settlement error kind, e.g. "HEAD_NOT_FOUND".
	Kind string `json:"kind,omitempty"`
	// HeadID identifies the head the error concerns, when known.
	HeadID string `json:"head_id,omitempty"`
	// OrderID identifies the order the error concerns, when known.
	OrderID string `json:"order_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// statusFor maps a settlement error kind to its HTTP status.
func statusFor(kind contracts.ErrorKind) (int, string) {
	switch kind {
	case contracts.KindHeadNotFound, contracts.KindOrderNotFound:
		return http.StatusNotFound, "Not Found"
	case contracts.KindDuplicateSession, contracts.KindHeadClosed,
		contracts.KindInvalidTransition, contracts.KindProofMismatch,
		contracts.KindProofNotAttached:
		return http.StatusConflict, "Conflict"
	case contracts.KindOrderRejected, contracts.KindNoVotes,
		contracts.KindInsufficientData:
		return http.StatusBadRequest, "Bad Request"
	case contracts.KindSignatureInvalid:
		return http.StatusUnauthorized, "Unauthorized"
	case contracts.KindTimeout:
		return http.StatusGatewayTimeout, "Gateway Timeout"
	case contracts.KindNetwork:
		return http.StatusBadGateway, "Bad Gateway"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// WriteProblem maps a settlement error onto an RFC 7807 response. Internal
// errors are logged and never leak their detail to the client.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	var se *contracts.Error
	if !errors.As(err, &se) {
		WriteInternal(w, r, err)
		return
	}
	status, title := statusFor(se.Kind)
	if status == http.StatusInternalServerError {
		WriteInternal(w, r, err)
		return
	}
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://forkshield.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   se.Error(),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Kind:     string(se.Kind),
		HeadID:   se.HeadID,
		OrderID:  se.OrderID,
	}
	writeJSONProblem(w, problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://forkshield.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	writeJSONProblem(w, problem)
}

func writeJSONProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "path", r.URL.Path, "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}
