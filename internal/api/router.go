package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codeshare/internal/ws"
)

// Routes builds the HTTP surface: health, stats, rooms, versions, metrics
// and the WebSocket endpoint.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", a.HealthHandler)

	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	if a.hub != nil {
		serve := func(w http.ResponseWriter, r *http.Request) { ws.ServeWs(a.hub, w, r) }
		r.Get("/ws", serve)
		r.Get("/ws/{roomID}", serve)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", a.ListRoomsHandler)
			r.Post("/", a.CreateRoomHandler)
			r.Get("/{roomID}", a.GetRoomHandler)
			r.Delete("/{roomID}", a.DeleteRoomHandler)
		})

		r.Route("/versions", func(r chi.Router) {
			r.Get("/", a.ListVersionsHandler)
			r.Post("/", a.CreateVersionHandler)
			r.Get("/diff", a.DiffVersionsHandler)
			r.Get("/{versionID}", a.GetVersionHandler)
			r.Delete("/{versionID}", a.DeleteVersionHandler)
			r.Post("/{versionID}/restore", a.RestoreVersionHandler)
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		a.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
