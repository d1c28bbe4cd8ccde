package web

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"simroute/internal/airports"
	"simroute/internal/bridge"
	"simroute/internal/metrics"
	"simroute/internal/worker"
)

//go:embed assets/*
var embeddedAssets embed.FS

// WorkerStatus is the read side of the position worker.
type WorkerStatus interface {
	Snapshot() worker.Snapshot
}

type Options struct {
	// FrontDir is served as the front end when it exists; otherwise the
	// embedded page is used.
	FrontDir   string
	APIKeyFile string

	CORSOrigins []string

	// RateLimit is requests per RateWindow per client IP; <= 0 disables it.
	RateLimit  int
	RateWindow time.Duration

	PushInterval time.Duration
}

type Deps struct {
	Handle   *bridge.Handle
	Worker   WorkerStatus
	Airports *airports.Index
	Logs     *LogBuffer
	Status   *Status
	Options  Options
	Logger   zerolog.Logger

	// OnShutdown runs after /shutdown has told the worker to stop. main uses
	// it to cancel the server context.
	OnShutdown func()

	// Done ends long-lived position streams when closed.
	Done <-chan struct{}
}

type server struct {
	d         Deps
	log       zerolog.Logger
	endpoints []string
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	if d.Options.PushInterval <= 0 {
		d.Options.PushInterval = time.Second
	}
	if len(d.Options.CORSOrigins) == 0 {
		d.Options.CORSOrigins = []string{"*"}
	}
	s := &server{d: d, log: d.Logger.With().Str("component", "web").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Options.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	if d.Options.RateLimit > 0 {
		r.Use(httprate.LimitByIP(d.Options.RateLimit, d.Options.RateWindow))
	}

	r.Get("/position", s.handlePosition)
	r.Get("/position/{known_count}", s.handlePositionSince)
	r.Get("/reset", s.handleReset)
	r.Get("/shutdown", s.handleShutdown)
	r.Post("/management", s.handleManagement)
	r.Get("/api_key", s.handleAPIKey)
	r.Get("/airports/{lat}/{lon}/{radius_km}", s.handleAirports)
	r.Get("/ws/position", s.handleStream)

	r.Get("/api/status", s.handleStatus)
	if d.Logs != nil {
		r.Method(http.MethodGet, "/api/logs", d.Logs.Handler())
	}
	r.Get("/api/about", s.handleAbout)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Method(http.MethodGet, "/*", frontHandler(d.Options.FrontDir))

	s.endpoints = endpoints(r)
	return r
}

// frontHandler serves the front end from dir, falling back to the embedded
// page when dir is missing.
func frontHandler(dir string) http.Handler {
	var fsys fs.FS
	if dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			fsys = os.DirFS(dir)
		}
	}
	if fsys == nil {
		sub, err := fs.Sub(embeddedAssets, "assets")
		if err != nil {
			return http.NotFoundHandler()
		}
		fsys = sub
	}
	fileServer := http.FileServer(http.FS(fsys))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent stale UI assets during development.
		w.Header().Set("Cache-Control", "no-store")
		fileServer.ServeHTTP(w, r)
	})
}

// observe records request metrics by route pattern and logs at debug level.
func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		dur := time.Since(start)
		metrics.RecordAPIRequest(r.Method, pattern, strconv.Itoa(status), dur)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", dur).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
