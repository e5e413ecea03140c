// Package apierr adapts pkg/api/apierror.go's RFC 7807 Problem Detail
// responses to the closed webplus.Kind error taxonomy (spec §7): every
// HTTP-facing surface (pkg/vdr) writes failures through here instead of
// inventing its own status-code mapping at each handler.
package apierr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/webplusdid/webplus/pkg/webplus"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// StatusFor maps a webplus.Kind to the HTTP status spec §6's mutation
// surface names (400 malformed/replay, 404 not found, 409 AlreadyExists,
// 500 internal) plus the rest of the closed taxonomy for the read surface.
func StatusFor(kind webplus.Kind) int {
	switch kind {
	case webplus.Malformed, webplus.InvalidDIDDocument, webplus.InvalidDIDUpdateOperation,
		webplus.FailedConstraint, webplus.Unsupported:
		return http.StatusBadRequest
	case webplus.NotFound:
		return http.StatusNotFound
	case webplus.AlreadyExists:
		return http.StatusConflict
	case webplus.NoSuitablePrivKeyFound:
		return http.StatusForbidden
	case webplus.HTTPOperationStatus, webplus.HTTPRequestError:
		return http.StatusBadGateway
	default: // SigningError, VerificationError, StorageError, unknown
		return http.StatusInternalServerError
	}
}

// WriteError writes an RFC 7807 Problem Detail JSON response for status
// with title and detail.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://webplus.id/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteErrorR is WriteError enriched with the request's path as Instance.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://webplus.id/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteWebplusError translates err — which should be a *webplus.Error —
// into the matching RFC 7807 response, logging the underlying cause
// server-side without ever exposing it in Detail for the 500 case.
func WriteWebplusError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := webplus.KindOf(err)
	status := StatusFor(kind)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal server error", "op", op, "err", err)
		detail = "An unexpected error occurred."
	}
	title := string(kind)
	if title == "" {
		title = "Internal Server Error"
	}
	WriteErrorR(w, r, status, title, detail)
}

// WriteMethodNotAllowed writes a 405 response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "the HTTP method is not supported for this endpoint")
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}
