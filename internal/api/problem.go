// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/jonnyreeves/lap-time-overlay/internal/recordings"
)

// HeaderRequestID echoes the request correlation id on every response.
const HeaderRequestID = "X-Request-ID"

// writeProblem writes an RFC 7807 problem details response.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	reqID := xglog.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = middleware.GetReqID(r.Context())
	}
	res := map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"code":   code,
	}
	if detail != "" {
		res["detail"] = detail
	}
	if p := r.URL.EscapedPath(); p != "" {
		res["instance"] = p
	}
	if reqID != "" {
		res["requestId"] = reqID
		w.Header().Set(HeaderRequestID, reqID)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		xglog.FromContext(r.Context()).Error().Err(err).Int("status", status).Msg("failed to encode problem response")
	}
}

// statusFor maps a domain error kind onto an HTTP status.
func statusFor(kind recordings.Kind) int {
	switch kind {
	case recordings.KindNotFound:
		return http.StatusNotFound
	case recordings.KindUnauthenticated:
		return http.StatusUnauthorized
	case recordings.KindForbidden:
		return http.StatusForbidden
	case recordings.KindValidation:
		return http.StatusBadRequest
	case recordings.KindUpstreamProcess:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err and writes the matching problem. Internal
// details never leave the process.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := recordings.KindOf(err)
	status := statusFor(kind)
	detail := err.Error()
	var e *recordings.Error
	if errors.As(err, &e) && e.Msg != "" && kind != recordings.KindInternal {
		detail = e.Msg
	}
	if status >= http.StatusInternalServerError {
		xglog.FromContext(r.Context()).Error().Err(err).Str(xglog.FieldEvent, "request.failed").Msg("request failed")
		if kind == recordings.KindInternal {
			detail = "internal error"
		}
	}
	writeProblem(w, r, status, strings.ToUpper(string(kind)), detail)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		xglog.FromContext(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}
