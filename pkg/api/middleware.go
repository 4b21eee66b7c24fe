package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cuemby/lookout/pkg/auth"
	"github.com/cuemby/lookout/pkg/log"
	"github.com/cuemby/lookout/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey string

const (
	ctxUserID ctxKey = "user_id"
	ctxAppID  ctxKey = "app_id"
)

func userFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func appFrom(ctx context.Context) int64 {
	v, _ := ctx.Value(ctxAppID).(int64)
	return v
}

// requestLogger logs every request once it has completed. The wrapped
// writer keeps Hijacker and Flusher so websocket and SSE still work.
func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", timer.Duration()).
			Msg("request")
	})
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := metrics.NewTimer()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}

func (s *server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.identity.UserID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireView resolves {appID} and checks the caller may view it
func (s *server) requireView(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appID, err := parseAppID(chi.URLParam(r, "appID"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := auth.Check(r.Context(), s.authz, userFrom(r.Context()), appID); err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxAppID, appID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
