package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/actuator"
	"github.com/raterudder/solarcurtail/pkg/controller"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/market"
	"github.com/raterudder/solarcurtail/pkg/metrics"
	"github.com/raterudder/solarcurtail/pkg/storage"
	"github.com/shopspring/decimal"
)

// Server exposes the poll and status endpoints. It owns the read-modify-write
// cycle of the persisted state and serializes polls with a mutex.
type Server struct {
	market     market.Provider
	storage    storage.Database
	actuator   actuator.Switch
	controller *controller.Controller

	area       string
	now        func() time.Time
	listenAddr string
	httpServer *http.Server
	serverName string

	// pollMu is held for the whole load, refresh, evaluate and save cycle.
	pollMu sync.Mutex
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(m market.Provider, s storage.Database, a actuator.Switch) *Server {
	srv := &Server{
		market:     m,
		storage:    s,
		actuator:   a,
		now:        time.Now,
		serverName: "solarcurtail",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	area := lflag.String("area", "EE", "Day-ahead delivery area to fetch prices for")
	timezone := lflag.String("timezone", "Europe/Tallinn", "Time zone the schedule and dates are evaluated in")
	threshold := lflag.String("threshold", "7", "Price per MWh below which the load is better off")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.area = *area

		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Errorf("failed to load timezone (%s): %w", *timezone, err))
		}
		t, err := decimal.NewFromString(*threshold)
		if err != nil {
			panic(fmt.Errorf("invalid threshold (%s): %w", *threshold, err))
		}
		srv.controller = controller.NewController(t, loc)
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /check-prices", s.handlePoll)
	mux.HandleFunc("POST /api/poll", s.handlePoll)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(
			ctx,
			"starting server",
			slog.String("addr", s.listenAddr),
			slog.String("area", s.area),
			slog.String("timezone", s.controller.Location().String()),
			slog.String("threshold", s.controller.Threshold().String()),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		// Context canceled, shut down gracefully
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}{Status: "error", Message: msg}, code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
