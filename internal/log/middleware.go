// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Middleware logs one line per HTTP request and stores the chi request id in
// the request context for downstream loggers.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			if rid := middleware.GetReqID(ctx); rid != "" {
				ctx = ContextWithRequestID(ctx, rid)
				r = r.WithContext(ctx)
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			l := WithContext(ctx, WithComponent("http"))
			ev := l.Info()
			if ww.Status() >= 500 {
				ev = l.Error()
			}
			ev.Str(FieldEvent, "request.handled").
				Str("method", r.Method).
				Str("route", route).
				Int("status", ww.Status()).
				Int("bytes_out", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
