package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the HTTP surface: the realtime websocket, Prometheus
// metrics and a health probe.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", e.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", e.hub.ServeHTTP)
	return r
}

type health struct {
	Status           string `json:"status"`
	BusConnected     bool   `json:"bus_connected"`
	WebsocketClients int    `json:"websocket_clients"`
	DoorOpen         bool   `json:"door_open"`
}

// handleHealth reports 503 while the broker connection is down
func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status:           "ok",
		BusConnected:     e.bus.IsConnected(),
		WebsocketClients: e.hub.ClientCount(),
		DoorOpen:         e.door.State().IsOpen,
	}
	status := http.StatusOK
	if !h.BusConnected {
		h.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		e.log.Debug().Err(err).Msg("failed to write health response")
	}
}

// httpService runs an http.Server under the supervisor. A fresh server is
// built on every start since a shut down server cannot be reused.
type httpService struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
}

func newHTTPService(addr string, handler http.Handler, shutdownTimeout time.Duration) *httpService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &httpService{addr: addr, handler: handler, shutdownTimeout: shutdownTimeout}
}

func (s *httpService) String() string { return "http-server" }

// Serve implements suture.Service
func (s *httpService) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}
