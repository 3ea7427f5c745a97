package http

import (
	"net/http"
	"time"

	"CampusPay/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, reg *metrics.Registry) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(handler.log()))
	r.Use(cors)

	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", reg.Handler())
	r.Get("/ws", handler.Notifications)

	r.Route("/payments", func(r chi.Router) {
		r.Get("/", handler.ListPayments)
		r.Get("/rate", handler.Rate)
		r.Post("/intent", handler.CreateIntent)
		r.Get("/intent/{correlationId}", handler.GetIntent)
		r.Post("/verify", handler.VerifyPayment)
		r.Post("/rebind", handler.Rebind)
	})

	r.Route("/sellers/{id}", func(r chi.Router) {
		r.Get("/earnings", handler.Earnings)
		r.Post("/claim", handler.Claim)
	})

	return &Server{Router: r}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
