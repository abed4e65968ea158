package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aldenis/chatwire/internal/conn"
	"github.com/aldenis/chatwire/internal/logger"
)

// runDebugServer serves health, connection state, and Prometheus
// metrics on a local listener. It is operational tooling only; the chat
// protocol never touches it.
func runDebugServer(ctx context.Context, addr string, mgr *conn.Manager, log *logger.Logger) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"state":    mgr.State().String(),
			"attempts": mgr.Attempts(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("debug server listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("debug server: %v", err)
	}
}
